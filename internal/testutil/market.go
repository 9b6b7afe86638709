// Package testutil assembles the market engine on an in-memory database with
// a mock clock for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ksred/lem-clearing/internal/accounts"
	"github.com/ksred/lem-clearing/internal/clearing"
	"github.com/ksred/lem-clearing/internal/database"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/param"
	"github.com/ksred/lem-clearing/internal/settlement"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const Owner = "operator"

// Start is the mock ledger time every market starts at.
var Start = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type Market struct {
	Clock      *clock.Mock
	DB         *gorm.DB
	Ledger     *ledger.Ledger
	Params     *param.Service
	Clearing   *clearing.Service
	Accounts   *accounts.Service
	Settlement *settlement.Service
}

// DefaultParams allows prices in [0, 10] and any whole quantity.
func DefaultParams() types.MarketParams {
	return types.MarketParams{
		MinPrice:     0,
		MaxPrice:     lib.MustParseFixed("10"),
		QuantityStep: 1,
		TriggerGrace: int64((10 * time.Minute) / time.Second),
		Owner:        Owner,
	}
}

// NewDB opens a private in-memory database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(database.MemoryPath("test-" + uuid.New().String()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// NewLedger returns a ledger over a fresh database and the mock clock it
// reads time from. The ledger is closed before the database.
func NewLedger(t testing.TB, sinks ...ledger.Sink) (*ledger.Ledger, *clock.Mock, *gorm.DB) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(Start)
	db := NewDB(t)
	l, err := ledger.New(db, clk, sinks...)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
	})
	return l, clk, db
}

func NewMarket(t testing.TB, params types.MarketParams, opts clearing.Options) *Market {
	t.Helper()
	l, clk, db := NewLedger(t)

	paramService, err := param.NewService(context.Background(), l, params)
	require.NoError(t, err)

	clearingService := clearing.NewService(l, paramService, opts)
	accountsService := accounts.NewService(l, Owner)
	settlementService, err := settlement.NewService(l, clearingService, accountsService)
	require.NoError(t, err)

	return &Market{
		Clock:      clk,
		DB:         db,
		Ledger:     l,
		Params:     paramService,
		Clearing:   clearingService,
		Accounts:   accountsService,
		Settlement: settlementService,
	}
}

// OpenWindow sets the deadline to now+in and opens a window.
func (m *Market) OpenWindow(t testing.TB, in time.Duration) *types.ClearingResult {
	t.Helper()
	ctx := context.Background()
	grace := time.Duration(m.Params.GetParams().TriggerGrace) * time.Second
	_, err := m.Params.SetDeadline(ctx, Owner, m.Clock.Now().Add(in), grace)
	require.NoError(t, err)
	window, err := m.Clearing.OpenWindow(ctx, Owner)
	require.NoError(t, err)
	return window
}

// Submit submits an order and fails the test on error.
func (m *Market) Submit(t testing.TB, trader string, side types.Side, price string, qty int64) *types.Order {
	t.Helper()
	order, err := m.Clearing.SubmitOrder(context.Background(), trader, side, lib.MustParseFixed(price), qty)
	require.NoError(t, err)
	return order
}

// Fund deposits amount into the escrow of trader.
func (m *Market) Fund(t testing.TB, trader, amount string) {
	t.Helper()
	_, err := m.Accounts.Deposit(context.Background(), Owner, trader, lib.MustParseFixed(amount), "")
	require.NoError(t, err)
}

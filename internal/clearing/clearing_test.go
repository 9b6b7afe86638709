package clearing_test

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/lem-clearing/internal/clearing"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/param"
	"github.com/ksred/lem-clearing/internal/testutil"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMarket(t *testing.T, opts clearing.Options) *testutil.Market {
	return testutil.NewMarket(t, testutil.DefaultParams(), opts)
}

func eventTypes(t *testing.T, l *ledger.Ledger) []string {
	events, err := l.Events(context.Background(), 0, 1000)
	require.NoError(t, err)
	var out []string
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestCrossingMarket(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()
	m.OpenWindow(t, time.Hour)

	id1 := m.Submit(t, "b1", types.Buy, "5", 100)
	id2 := m.Submit(t, "b2", types.Buy, "4", 100)
	id3 := m.Submit(t, "s1", types.Sell, "3", 100)
	id4 := m.Submit(t, "s2", types.Sell, "6", 100)

	m.Clock.Add(time.Hour)
	result, err := m.Clearing.TriggerClearing(ctx, "b2")
	require.NoError(t, err)

	assert.Equal(t, types.WindowCleared, result.State)
	require.NotNil(t, result.ClearingPrice)
	assert.Equal(t, lib.MustParseFixed("3"), *result.ClearingPrice)
	assert.Equal(t, int64(100), result.TotalMatchedQuantity)
	require.NotNil(t, result.FinalizedAt)
	assert.Equal(t, "b2", result.TriggeredBy)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, id1.OrderID, trade.BuyOrderID)
	assert.Equal(t, id3.OrderID, trade.SellOrderID)
	assert.Equal(t, int64(100), trade.Quantity)
	assert.Equal(t, lib.MustParseFixed("3"), trade.ClearingPrice)

	statuses := map[uint64]types.OrderStatus{
		id1.OrderID: types.OrderMatched,
		id2.OrderID: types.OrderExpired,
		id3.OrderID: types.OrderMatched,
		id4.OrderID: types.OrderExpired,
	}
	for id, want := range statuses {
		order, err := m.Clearing.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, order.Status, "order %d", id)
	}

	assert.Contains(t, eventTypes(t, m.Ledger), "window.cleared")
	assert.Contains(t, eventTypes(t, m.Ledger), "trade.created")
}

func TestNoCrossing(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	m.OpenWindow(t, time.Hour)

	m.Submit(t, "b1", types.Buy, "2", 10)
	m.Submit(t, "b2", types.Buy, "1", 10)
	m.Submit(t, "s1", types.Sell, "3", 10)

	m.Clock.Add(time.Hour)
	result, err := m.Clearing.TriggerClearing(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.WindowCleared, result.State)
	assert.Empty(t, result.Trades)
	assert.Nil(t, result.ClearingPrice)
	assert.Zero(t, result.TotalMatchedQuantity)
}

func TestEmptyWindowClears(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	m.OpenWindow(t, time.Hour)
	m.Clock.Add(time.Hour)

	result, err := m.Clearing.TriggerClearing(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, types.WindowCleared, result.State)
	assert.Empty(t, result.Trades)
}

func TestPartialFillsAndUniformPrice(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()
	m.OpenWindow(t, time.Hour)

	b1 := m.Submit(t, "b1", types.Buy, "9", 50)
	b2 := m.Submit(t, "b2", types.Buy, "7", 80)
	s1 := m.Submit(t, "s1", types.Sell, "2", 60)
	s2 := m.Submit(t, "s2", types.Sell, "6", 100)

	m.Clock.Add(time.Hour)
	result, err := m.Clearing.TriggerClearing(ctx, "s2")
	require.NoError(t, err)

	// b1 50 x s1 50, b2 10 x s1 10, b2 70 x s2 70
	require.Len(t, result.Trades, 3)
	assert.Equal(t, lib.MustParseFixed("6"), *result.ClearingPrice)
	assert.Equal(t, int64(130), result.TotalMatchedQuantity)
	for i, tr := range result.Trades {
		assert.Equal(t, i, tr.Position)
		assert.Equal(t, *result.ClearingPrice, tr.ClearingPrice)
		assert.GreaterOrEqual(t, tr.BuyPrice, tr.ClearingPrice)
		assert.LessOrEqual(t, tr.SellPrice, tr.ClearingPrice)
	}
	assert.Equal(t, b1.OrderID, result.Trades[0].BuyOrderID)
	assert.Equal(t, s1.OrderID, result.Trades[0].SellOrderID)
	assert.Equal(t, int64(50), result.Trades[0].Quantity)
	assert.Equal(t, b2.OrderID, result.Trades[2].BuyOrderID)
	assert.Equal(t, s2.OrderID, result.Trades[2].SellOrderID)
	assert.Equal(t, int64(70), result.Trades[2].Quantity)

	order, err := m.Clearing.GetOrder(ctx, s2.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderMatched, order.Status)
	assert.Equal(t, int64(30), order.Remaining)
}

func TestMidpointPricing(t *testing.T) {
	m := newMarket(t, clearing.Options{Pricing: clearing.PriceMidpoint})
	m.OpenWindow(t, time.Hour)

	m.Submit(t, "b1", types.Buy, "5", 100)
	m.Submit(t, "s1", types.Sell, "3", 100)

	m.Clock.Add(time.Hour)
	result, err := m.Clearing.TriggerClearing(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, string(clearing.PriceMidpoint), result.PricingRule)
	assert.Equal(t, lib.MustParseFixed("4"), *result.ClearingPrice)
}

func TestEqualPricesMatchInArrivalOrder(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	m.OpenWindow(t, time.Hour)

	first := m.Submit(t, "b1", types.Buy, "5", 10)
	m.Submit(t, "b2", types.Buy, "5", 10)
	m.Submit(t, "s1", types.Sell, "5", 10)

	m.Clock.Add(time.Hour)
	result, err := m.Clearing.TriggerClearing(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, first.OrderID, result.Trades[0].BuyOrderID)
}

func TestSubmitOrderValidation(t *testing.T) {
	params := testutil.DefaultParams()
	params.MinPrice = lib.Unit
	params.QuantityStep = 10
	m := testutil.NewMarket(t, params, clearing.Options{})
	ctx := context.Background()

	_, err := m.Clearing.SubmitOrder(ctx, "b1", types.Buy, lib.MustParseFixed("2"), 10)
	require.ErrorIs(t, err, types.ErrInvalidOrder, "no window open")

	m.OpenWindow(t, time.Hour)

	tests := []struct {
		name  string
		side  types.Side
		price string
		qty   int64
	}{
		{"below min price", types.Buy, "0.5", 10},
		{"above max price", types.Sell, "10.000001", 10},
		{"not a multiple of the step", types.Buy, "2", 15},
		{"zero quantity", types.Buy, "2", 0},
		{"negative quantity", types.Sell, "2", -10},
		{"unknown side", types.Side("HOLD"), "2", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Clearing.SubmitOrder(ctx, "trader", tt.side, lib.MustParseFixed(tt.price), tt.qty)
			require.ErrorIs(t, err, types.ErrInvalidOrder)
		})
	}

	order, err := m.Clearing.SubmitOrder(ctx, "trader", types.Buy, lib.MustParseFixed("10"), 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), order.OrderID)
	assert.Equal(t, uint64(1), order.Sequence)
	assert.Equal(t, types.OrderOpen, order.Status)

	m.Clock.Add(time.Hour)
	_, err = m.Clearing.SubmitOrder(ctx, "trader", types.Buy, lib.MustParseFixed("2"), 10)
	require.ErrorIs(t, err, types.ErrInvalidOrder, "past the deadline")
}

func TestOrderIDsAreMonotonicAcrossWindows(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()

	m.OpenWindow(t, time.Hour)
	a := m.Submit(t, "t", types.Buy, "1", 1)
	b := m.Submit(t, "t", types.Sell, "1", 1)
	m.Clock.Add(time.Hour)
	_, err := m.Clearing.TriggerClearing(ctx, "t")
	require.NoError(t, err)

	m.OpenWindow(t, time.Hour)
	c := m.Submit(t, "t", types.Buy, "1", 1)

	assert.Less(t, a.OrderID, b.OrderID)
	assert.Less(t, b.OrderID, c.OrderID)
	assert.Equal(t, uint64(1), c.Sequence)
}

func TestTriggerStateMachine(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()

	_, err := m.Clearing.TriggerClearing(ctx, "anyone")
	require.ErrorIs(t, err, types.ErrState, "no window")

	m.OpenWindow(t, time.Hour)
	_, err = m.Clearing.TriggerClearing(ctx, "anyone")
	require.ErrorIs(t, err, types.ErrState, "before the deadline")

	m.Clock.Add(time.Hour)
	_, err = m.Clearing.TriggerClearing(ctx, "anyone")
	require.NoError(t, err)

	_, err = m.Clearing.TriggerClearing(ctx, "anyone")
	require.ErrorIs(t, err, types.ErrState, "already cleared")

	_, err = m.Clearing.SubmitOrder(ctx, "late", types.Buy, lib.Unit, 1)
	require.ErrorIs(t, err, types.ErrInvalidOrder)
}

func TestShortestTriggerPeriodStillClears(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()

	_, err := m.Params.SetDeadline(ctx, testutil.Owner, m.Clock.Now().Add(time.Hour), param.MinTriggerGrace)
	require.NoError(t, err)
	_, err = m.Clearing.OpenWindow(ctx, testutil.Owner)
	require.NoError(t, err)
	m.Submit(t, "b1", types.Buy, "5", 100)
	m.Submit(t, "s1", types.Sell, "3", 100)

	m.Clock.Add(time.Hour)
	result, err := m.Clearing.TriggerClearing(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.WindowCleared, result.State)
	assert.Len(t, result.Trades, 1)
}

func TestQuorumPolicyTriggersEarly(t *testing.T) {
	m := newMarket(t, clearing.Options{Policy: clearing.QuorumPolicy{MinOrders: 2}})
	ctx := context.Background()
	m.OpenWindow(t, time.Hour)

	m.Submit(t, "b1", types.Buy, "5", 1)
	m.Submit(t, "s1", types.Sell, "4", 1)
	m.Submit(t, "b2", types.Buy, "5", 1)

	_, err := m.Clearing.TriggerClearing(ctx, "b1")
	require.ErrorIs(t, err, types.ErrState)

	m.Submit(t, "s2", types.Sell, "4", 1)
	result, err := m.Clearing.TriggerClearing(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, result.Trades, 2)
}

func TestWindowExpiresLazily(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()
	window := m.OpenWindow(t, time.Hour)
	order := m.Submit(t, "b1", types.Buy, "5", 10)

	// Deadline plus the ten minute trigger period.
	m.Clock.Add(time.Hour + 10*time.Minute)

	_, err := m.Clearing.TriggerClearing(ctx, "b1")
	require.ErrorIs(t, err, types.ErrState)

	// The expiry committed although the trigger failed.
	result, err := m.Clearing.GetWindow(ctx, window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, types.WindowExpired, result.State)
	assert.Empty(t, result.Trades)
	require.NotNil(t, result.FinalizedAt)

	voided, err := m.Clearing.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderExpired, voided.Status)

	assert.Contains(t, eventTypes(t, m.Ledger), "window.expired")

	// No carryover: a new window starts empty.
	m.OpenWindow(t, time.Hour)
	orders, err := m.Clearing.ListOrders(ctx, window.WindowID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	current, err := m.Clearing.GetClearingResult(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, window.WindowID, current.WindowID)
	assert.Zero(t, current.OrderCount)
}

func TestOpenWindow(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()

	_, err := m.Clearing.OpenWindow(ctx, testutil.Owner)
	require.ErrorIs(t, err, types.ErrConfig, "deadline not in the future")

	_, err = m.Params.SetDeadline(ctx, testutil.Owner, m.Clock.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)

	_, err = m.Clearing.OpenWindow(ctx, "mallory")
	require.ErrorIs(t, err, types.ErrForbidden)

	window, err := m.Clearing.OpenWindow(ctx, testutil.Owner)
	require.NoError(t, err)
	assert.Equal(t, types.WindowOpen, window.State)
	assert.Equal(t, int64(60), window.TriggerGrace)

	_, err = m.Clearing.OpenWindow(ctx, testutil.Owner)
	require.ErrorIs(t, err, types.ErrState)
}

func TestCancelOrder(t *testing.T) {
	m := newMarket(t, clearing.Options{})
	ctx := context.Background()
	m.OpenWindow(t, time.Hour)

	bid := m.Submit(t, "b1", types.Buy, "5", 10)
	m.Submit(t, "s1", types.Sell, "3", 10)

	_, err := m.Clearing.CancelOrder(ctx, "s1", bid.OrderID)
	require.ErrorIs(t, err, types.ErrForbidden)

	_, err = m.Clearing.CancelOrder(ctx, "b1", 999)
	require.ErrorIs(t, err, types.ErrNotFound)

	cancelled, err := m.Clearing.CancelOrder(ctx, "b1", bid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, cancelled.Status)

	_, err = m.Clearing.CancelOrder(ctx, "b1", bid.OrderID)
	require.ErrorIs(t, err, types.ErrInvalidOrder)

	m.Clock.Add(time.Hour)
	result, err := m.Clearing.TriggerClearing(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, result.Trades)

	order, err := m.Clearing.GetOrder(ctx, bid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, order.Status)
}

func TestGetClearingResultWithoutWindow(t *testing.T) {
	m := newMarket(t, clearing.Options{})

	_, err := m.Clearing.GetClearingResult(context.Background())
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestParsePricingRuleAndPolicy(t *testing.T) {
	rule, err := clearing.ParsePricingRule("")
	require.NoError(t, err)
	assert.Equal(t, clearing.PriceLastAsk, rule)

	_, err = clearing.ParsePricingRule("pay_as_bid")
	require.ErrorIs(t, err, types.ErrConfig)

	policy, err := clearing.ParseTriggerPolicy("quorum", 3)
	require.NoError(t, err)
	assert.Equal(t, "quorum", policy.Name())

	_, err = clearing.ParseTriggerPolicy("quorum", 0)
	require.ErrorIs(t, err, types.ErrConfig)
	_, err = clearing.ParseTriggerPolicy("manual", 0)
	require.ErrorIs(t, err, types.ErrConfig)
}

package param_test

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/lem-clearing/internal/clearing"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/param"
	"github.com/ksred/lem-clearing/internal/testutil"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceStoresDefaultsOnce(t *testing.T) {
	l, _, _ := testutil.NewLedger(t)
	ctx := context.Background()

	s, err := param.NewService(ctx, l, testutil.DefaultParams())
	require.NoError(t, err)
	_, err = s.SetBounds(ctx, testutil.Owner, lib.Unit, lib.MustParseFixed("2"))
	require.NoError(t, err)

	// A restart with other defaults keeps the stored configuration.
	other := testutil.DefaultParams()
	other.MaxPrice = lib.MustParseFixed("99")
	restarted, err := param.NewService(ctx, l, other)
	require.NoError(t, err)
	assert.Equal(t, lib.MustParseFixed("2"), restarted.GetParams().MaxPrice)
}

func TestNewServiceRejectsInvalidDefaults(t *testing.T) {
	l, _, _ := testutil.NewLedger(t)

	defaults := testutil.DefaultParams()
	defaults.MinPrice = lib.MustParseFixed("11")
	_, err := param.NewService(context.Background(), l, defaults)
	require.ErrorIs(t, err, types.ErrConfig)
}

func TestNewServiceRejectsMissingTriggerGrace(t *testing.T) {
	l, _, _ := testutil.NewLedger(t)

	defaults := testutil.DefaultParams()
	defaults.TriggerGrace = 0
	_, err := param.NewService(context.Background(), l, defaults)
	require.ErrorIs(t, err, types.ErrConfig)
}

func TestSetDeadlineUsesOperationTime(t *testing.T) {
	m := testutil.NewMarket(t, testutil.DefaultParams(), clearing.Options{})
	ctx := context.Background()

	deadline := m.Clock.Now().Add(time.Minute)
	m.Clock.Add(time.Minute)
	_, err := m.Params.SetDeadline(ctx, testutil.Owner, deadline, time.Minute)
	require.ErrorIs(t, err, types.ErrConfig)
	assert.True(t, m.Params.GetParams().Deadline.IsZero())
}

func TestSetBounds(t *testing.T) {
	m := testutil.NewMarket(t, testutil.DefaultParams(), clearing.Options{})
	ctx := context.Background()

	params, err := m.Params.SetBounds(ctx, testutil.Owner, lib.MustParseFixed("0.1"), lib.MustParseFixed("0.3"))
	require.NoError(t, err)
	assert.Equal(t, lib.MustParseFixed("0.1"), params.MinPrice)
	assert.Equal(t, lib.MustParseFixed("0.3"), m.Params.GetParams().MaxPrice)

	_, err = m.Params.SetBounds(ctx, testutil.Owner, lib.MustParseFixed("2"), lib.Unit)
	require.ErrorIs(t, err, types.ErrConfig)

	_, err = m.Params.SetBounds(ctx, "mallory", 0, lib.Unit)
	require.ErrorIs(t, err, types.ErrForbidden)
	assert.Equal(t, lib.MustParseFixed("0.3"), m.Params.GetParams().MaxPrice)
}

func TestSetQuantityStep(t *testing.T) {
	m := testutil.NewMarket(t, testutil.DefaultParams(), clearing.Options{})
	ctx := context.Background()

	_, err := m.Params.SetQuantityStep(ctx, testutil.Owner, 0)
	require.ErrorIs(t, err, types.ErrConfig)

	params, err := m.Params.SetQuantityStep(ctx, testutil.Owner, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), params.QuantityStep)
}

func TestSetDeadline(t *testing.T) {
	m := testutil.NewMarket(t, testutil.DefaultParams(), clearing.Options{})
	ctx := context.Background()

	_, err := m.Params.SetDeadline(ctx, testutil.Owner, m.Clock.Now(), time.Minute)
	require.ErrorIs(t, err, types.ErrConfig)

	for _, grace := range []time.Duration{-time.Second, 0, 500 * time.Millisecond} {
		_, err = m.Params.SetDeadline(ctx, testutil.Owner, m.Clock.Now().Add(time.Hour), grace)
		require.ErrorIs(t, err, types.ErrConfig, "grace %s", grace)
	}

	deadline := m.Clock.Now().Add(time.Hour)
	params, err := m.Params.SetDeadline(ctx, testutil.Owner, deadline, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, deadline.Equal(params.Deadline))
	assert.Equal(t, int64(300), params.TriggerGrace)
}

func TestParamsFrozenWhileWindowInProgress(t *testing.T) {
	m := testutil.NewMarket(t, testutil.DefaultParams(), clearing.Options{})
	ctx := context.Background()

	window := m.OpenWindow(t, time.Hour)
	assert.Equal(t, window.WindowID, m.Params.GetParams().GoverningWindow)

	_, err := m.Params.SetBounds(ctx, testutil.Owner, 0, lib.Unit)
	require.ErrorIs(t, err, types.ErrConfig)
	_, err = m.Params.SetQuantityStep(ctx, testutil.Owner, 2)
	require.ErrorIs(t, err, types.ErrConfig)

	// After the deadline but inside the trigger period the window can still
	// be cleared, so the params stay frozen.
	m.Clock.Add(time.Hour)
	_, err = m.Params.SetBounds(ctx, testutil.Owner, 0, lib.Unit)
	require.ErrorIs(t, err, types.ErrConfig)

	_, err = m.Clearing.TriggerClearing(ctx, "anyone")
	require.NoError(t, err)
	assert.Empty(t, m.Params.GetParams().GoverningWindow)

	_, err = m.Params.SetBounds(ctx, testutil.Owner, 0, lib.Unit)
	require.NoError(t, err)
}

func TestParamsReleasedWhenTriggerPeriodLapses(t *testing.T) {
	m := testutil.NewMarket(t, testutil.DefaultParams(), clearing.Options{})
	ctx := context.Background()

	m.OpenWindow(t, time.Hour)
	m.Clock.Add(time.Hour + 10*time.Minute)

	_, err := m.Params.SetBounds(ctx, testutil.Owner, 0, lib.Unit)
	require.NoError(t, err)
}

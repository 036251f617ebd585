package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func TestExpiryScheduler_SweepAllTenants(t *testing.T) {
	// GIVEN: Two tenants with one-day grants
	root, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer root.Close()
	ctx := context.Background()

	engines := NewTenantRegistry(SQLiteEngines(root, nil))
	oneDay := 1
	for i, tenant := range []string{"acme", "globex"} {
		e, err := engines.Get(ctx, tenant)
		require.NoError(t, err)
		_, err = e.Config.Update(ctx, loyalty.ConfigUpdate{ExpiryDays: &oneDay})
		require.NoError(t, err)
		c, err := e.Directory.Enroll(ctx, loyalty.Profile{Name: "Ada"})
		require.NoError(t, err)
		_, err = e.Directory.RecordPurchase(ctx, c.ID, "", decimal.NewFromInt(int64(100*(i+1))))
		require.NoError(t, err)
	}

	// WHEN: The scheduler sweeps two days later
	es := NewExpiryScheduler(root, engines, "0 3 * * *", zerolog.Nop())
	es.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	total, err := es.SweepAll(ctx)

	// THEN: Both tenants expired their grants and recorded a run
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)
	for _, tenant := range []string{"acme", "globex"} {
		e, err := engines.Get(ctx, tenant)
		require.NoError(t, err)
		runs, err := e.Reaper.Runs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, runs, 1, tenant)
		assert.Equal(t, "completed", runs[0].Status)
	}

	// A second pass finds nothing left.
	total, err = es.SweepAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestExpiryScheduler_StartStop(t *testing.T) {
	engines := NewTenantRegistry(func(context.Context, string) (*loyalty.Engine, error) {
		return nil, assert.AnError
	})

	bad := NewExpiryScheduler(nil, engines, "every tuesday", zerolog.Nop())
	assert.Error(t, bad.Start())

	disabled := NewExpiryScheduler(nil, engines, "", zerolog.Nop())
	assert.False(t, disabled.Enabled)
	require.NoError(t, disabled.Start())
	disabled.Stop()

	es := NewExpiryScheduler(nil, engines, "@every 1h", zerolog.Nop())
	require.NoError(t, es.Start())
	require.NoError(t, es.Start(), "starting twice is a no-op")
	es.Stop()
	es.Stop()
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{loyalty.ErrCustomerNotFound, 404},
		{loyalty.ErrRewardNotFound, 404},
		{loyalty.ErrCustomerExists, 409},
		{loyalty.ErrDuplicateIdempotencyKey, 409},
		{&loyalty.RequestNotPendingError{}, 409},
		{&loyalty.InsufficientPointsError{}, 422},
		{&loyalty.BelowMinimumError{}, 422},
		{&loyalty.RewardIneligibleError{}, 422},
		{loyalty.ErrCustomerInactive, 422},
		{&loyalty.InvalidConfigError{}, 400},
		{loyalty.ErrInvalidAmount, 400},
		{ErrInvalidTenant, 400},
		{&loyalty.PersistenceError{Op: "x", Err: assert.AnError}, 500},
		{assert.AnError, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

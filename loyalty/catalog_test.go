package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

func coffee() loyalty.Reward {
	return loyalty.Reward{
		Title:       "Free coffee",
		PointCost:   150,
		EffectType:  loyalty.EffectFreeItem,
		EffectValue: decimal.NewFromInt(1),
	}
}

func TestCatalog_CreateValidates(t *testing.T) {
	e, _ := newTestEngine(t, scenarioConfig())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *loyalty.Reward)
	}{
		{"missing title", func(r *loyalty.Reward) { r.Title = "" }},
		{"zero cost", func(r *loyalty.Reward) { r.PointCost = 0 }},
		{"unknown effect", func(r *loyalty.Reward) { r.EffectType = "magic" }},
		{"negative limit", func(r *loyalty.Reward) { r.UsageLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := coffee()
			tt.mutate(&r)
			_, err := e.Catalog.Create(ctx, r)
			assert.ErrorIs(t, err, loyalty.ErrInvalidReward)
		})
	}
}

func TestCatalog_ListHidesInactiveAndOutOfWindow(t *testing.T) {
	e, clock := newTestEngine(t, scenarioConfig())
	ctx := context.Background()

	live, err := e.Catalog.Create(ctx, coffee())
	require.NoError(t, err)

	future := coffee()
	from := clock.Now().Add(48 * time.Hour)
	future.ValidFrom = &from
	_, err = e.Catalog.Create(ctx, future)
	require.NoError(t, err)

	off, err := e.Catalog.Create(ctx, coffee())
	require.NoError(t, err)
	_, err = e.Catalog.Deactivate(ctx, off.ID)
	require.NoError(t, err)

	listed, err := e.Catalog.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, live.ID, listed[0].ID)

	all, err := e.Catalog.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCatalog_EligibleForFiltersTierAndBalance(t *testing.T) {
	e, _ := newTestEngine(t, scenarioConfig())
	ctx := context.Background()
	c := enroll(t, e, "Ada")
	purchase(t, e, c.ID, "inv-1", 200)

	cheap, err := e.Catalog.Create(ctx, coffee())
	require.NoError(t, err)

	pricey := coffee()
	pricey.PointCost = 1000
	_, err = e.Catalog.Create(ctx, pricey)
	require.NoError(t, err)

	silverOnly := coffee()
	silverOnly.ApplicableTiers = []loyalty.Tier{loyalty.TierSilver}
	_, err = e.Catalog.Create(ctx, silverOnly)
	require.NoError(t, err)

	eligible, err := e.Catalog.EligibleFor(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, cheap.ID, eligible[0].ID)
}

func TestRewardRedemption_IncrementsUsage(t *testing.T) {
	e, _ := newTestEngine(t, scenarioConfig())
	ctx := context.Background()
	c := enroll(t, e, "Ada")
	purchase(t, e, c.ID, "inv-1", 1000)
	r, err := e.Catalog.Create(ctx, coffee())
	require.NoError(t, err)

	req, err := e.Redemptions.Request(ctx, loyalty.RedemptionInput{CustomerID: c.ID, RewardID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, loyalty.RedemptionReward, req.Type)
	assert.Equal(t, int64(150), req.Points, "points default to the reward cost")

	_, err = e.Redemptions.Approve(ctx, req.ID, "mgr")
	require.NoError(t, err)

	got, err := e.Catalog.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	history, _ := e.Ledger.History(ctx, c.ID)
	assert.Equal(t, "Points redeemed for reward: Free coffee", history[0].Description)
}

func TestRewardRedemption_Ineligible(t *testing.T) {
	e, clock := newTestEngine(t, scenarioConfig())
	ctx := context.Background()
	c := enroll(t, e, "Ada")
	purchase(t, e, c.ID, "inv-1", 1000)

	silverOnly := coffee()
	silverOnly.ApplicableTiers = []loyalty.Tier{loyalty.TierSilver}
	rSilver, err := e.Catalog.Create(ctx, silverOnly)
	require.NoError(t, err)

	expired := coffee()
	until := clock.Now().Add(-time.Hour)
	expired.ValidUntil = &until
	rExpired, err := e.Catalog.Create(ctx, expired)
	require.NoError(t, err)

	rLive, err := e.Catalog.Create(ctx, coffee())
	require.NoError(t, err)

	tests := []struct {
		name string
		in   loyalty.RedemptionInput
	}{
		{"tier not applicable", loyalty.RedemptionInput{CustomerID: c.ID, RewardID: rSilver.ID}},
		{"outside window", loyalty.RedemptionInput{CustomerID: c.ID, RewardID: rExpired.ID}},
		{"points differ from cost", loyalty.RedemptionInput{CustomerID: c.ID, RewardID: rLive.ID, Points: 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Redemptions.Request(ctx, tt.in)
			var ie *loyalty.RewardIneligibleError
			require.ErrorAs(t, err, &ie)
			assert.NotEmpty(t, ie.Reason)
		})
	}
}

func TestRewardRedemption_DeactivatedBeforeApproval(t *testing.T) {
	e, _ := newTestEngine(t, scenarioConfig())
	ctx := context.Background()
	c := enroll(t, e, "Ada")
	purchase(t, e, c.ID, "inv-1", 1000)
	r, err := e.Catalog.Create(ctx, coffee())
	require.NoError(t, err)
	req, err := e.Redemptions.Request(ctx, loyalty.RedemptionInput{CustomerID: c.ID, RewardID: r.ID})
	require.NoError(t, err)

	_, err = e.Catalog.Deactivate(ctx, r.ID)
	require.NoError(t, err)
	_, err = e.Redemptions.Approve(ctx, req.ID, "mgr")

	assert.ErrorIs(t, err, loyalty.ErrRewardIneligible)
	balance, _ := e.Ledger.BalanceOf(ctx, c.ID)
	assert.Equal(t, int64(1000), balance)
}

func TestRewardUsage_NeverExceedsLimit(t *testing.T) {
	// GIVEN: A reward limited to 3 uses and 8 customers with pending requests
	// WHEN: All requests are approved concurrently
	// THEN: Exactly 3 approvals succeed and the counter stops at 3

	e, _ := newTestEngine(t, scenarioConfig())
	ctx := context.Background()
	limited := coffee()
	limited.UsageLimit = 3
	r, err := e.Catalog.Create(ctx, limited)
	require.NoError(t, err)

	var reqs []loyalty.RequestID
	for i := 0; i < 8; i++ {
		c := enroll(t, e, "Customer")
		purchase(t, e, c.ID, "", 500)
		req, err := e.Redemptions.Request(ctx, loyalty.RedemptionInput{CustomerID: c.ID, RewardID: r.ID})
		require.NoError(t, err)
		reqs = append(reqs, req.ID)
	}

	var (
		mu sync.Mutex
		ok int
		wg sync.WaitGroup
	)
	for _, id := range reqs {
		wg.Add(1)
		go func(id loyalty.RequestID) {
			defer wg.Done()
			_, err := e.Redemptions.Approve(ctx, id, "mgr")
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, loyalty.ErrRewardIneligible)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	got, err := e.Catalog.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsageCount)
	assert.True(t, got.Exhausted())
}

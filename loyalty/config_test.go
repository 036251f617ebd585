package loyalty_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func TestConfigStore_DefaultsWhenEmpty(t *testing.T) {
	cs := loyalty.NewConfigStore(store.NewTxMemory())

	cfg, err := cs.Get(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(100), cfg.MinPointsToRedeem)
	assert.Equal(t, loyalty.TierBronze, cfg.BaseTier())
	assert.NoError(t, cfg.Validate())
}

func TestConfigStore_UpdateMergesPartial(t *testing.T) {
	cs := loyalty.NewConfigStore(store.NewTxMemory())
	ctx := context.Background()
	rate := decimal.RequireFromString("2.5")

	_, err := cs.Update(ctx, loyalty.ConfigUpdate{EarningRate: &rate})
	require.NoError(t, err)

	cfg, err := cs.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.5", cfg.EarningRate.String())
	assert.Equal(t, 365, cfg.ExpiryDays, "untouched fields keep their value")
	assert.Len(t, cfg.Tiers, 4)
}

func TestConfigStore_RejectsInvalidUpdate(t *testing.T) {
	neg := decimal.NewFromInt(-1)
	negDays := -1
	tooMuch := decimal.NewFromInt(101)

	tests := []struct {
		name  string
		u     loyalty.ConfigUpdate
		field string
	}{
		{"negative earning rate", loyalty.ConfigUpdate{EarningRate: &neg}, "earning_rate"},
		{"negative redemption rate", loyalty.ConfigUpdate{RedemptionRate: &neg}, "redemption_rate"},
		{"negative expiry", loyalty.ConfigUpdate{ExpiryDays: &negDays}, "expiry_days"},
		{"percent above 100", loyalty.ConfigUpdate{MaxRedemptionPercent: &tooMuch}, "max_redemption_percent"},
		{"empty ladder", loyalty.ConfigUpdate{Tiers: []loyalty.TierLevel{}}, "tiers"},
		{"thresholds not increasing", loyalty.ConfigUpdate{Tiers: []loyalty.TierLevel{
			{Tier: loyalty.TierBronze, MinLifetimeSpend: decimal.Zero, Multiplier: decimal.NewFromInt(1)},
			{Tier: loyalty.TierSilver, MinLifetimeSpend: decimal.NewFromInt(500), Multiplier: decimal.NewFromInt(1)},
			{Tier: loyalty.TierGold, MinLifetimeSpend: decimal.NewFromInt(500), Multiplier: decimal.NewFromInt(2)},
		}}, "tiers[2]"},
		{"duplicate tier", loyalty.ConfigUpdate{Tiers: []loyalty.TierLevel{
			{Tier: loyalty.TierBronze, MinLifetimeSpend: decimal.Zero, Multiplier: decimal.NewFromInt(1)},
			{Tier: loyalty.TierBronze, MinLifetimeSpend: decimal.NewFromInt(10), Multiplier: decimal.NewFromInt(1)},
		}}, "tiers[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := loyalty.NewConfigStore(store.NewTxMemory())
			ctx := context.Background()

			_, err := cs.Update(ctx, tt.u)

			assert.ErrorIs(t, err, loyalty.ErrInvalidConfig)
			var ce *loyalty.InvalidConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)

			cfg, err := cs.Get(ctx)
			require.NoError(t, err)
			assert.NoError(t, cfg.Validate(), "rejected update is not persisted")
		})
	}
}

func TestTierFor_WalksDownFromHighest(t *testing.T) {
	cfg := loyalty.DefaultConfig()

	tests := []struct {
		spend int64
		want  loyalty.Tier
	}{
		{0, loyalty.TierBronze},
		{9999, loyalty.TierBronze},
		{10000, loyalty.TierSilver},
		{49999, loyalty.TierSilver},
		{50000, loyalty.TierGold},
		{100000, loyalty.TierPlatinum},
		{5000000, loyalty.TierPlatinum},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, loyalty.TierFor(decimal.NewFromInt(tt.spend), &cfg), "spend %d", tt.spend)
	}
}

func TestTierFor_Monotonic(t *testing.T) {
	// GIVEN: The default ladder
	// WHEN: Spend increases step by step
	// THEN: The tier's position in the ladder never decreases

	cfg := loyalty.DefaultConfig()
	rank := func(tier loyalty.Tier) int {
		for i, lvl := range cfg.Tiers {
			if lvl.Tier == tier {
				return i
			}
		}
		return -1
	}

	prev := -1
	for spend := int64(0); spend <= 150000; spend += 250 {
		r := rank(loyalty.TierFor(decimal.NewFromInt(spend), &cfg))
		require.GreaterOrEqual(t, r, prev, "spend %d", spend)
		prev = r
	}
}

func TestTierFor_BelowBaseThresholdFallsBack(t *testing.T) {
	cfg := loyalty.Config{Tiers: []loyalty.TierLevel{
		{Tier: "member", MinLifetimeSpend: decimal.NewFromInt(100), Multiplier: decimal.NewFromInt(1)},
		{Tier: "vip", MinLifetimeSpend: decimal.NewFromInt(1000), Multiplier: decimal.NewFromInt(3)},
	}}

	assert.Equal(t, loyalty.Tier("member"), loyalty.TierFor(decimal.NewFromInt(5), &cfg))
	assert.Equal(t, "3", cfg.MultiplierFor("vip").String())
	assert.Equal(t, "1", cfg.MultiplierFor("unknown").String())
}

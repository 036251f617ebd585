package loyalty

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONFIG - Tenant-wide loyalty rules
// =============================================================================

// TierLevel is one rung of the tier ladder.
type TierLevel struct {
	Tier             Tier
	MinLifetimeSpend decimal.Decimal
	Multiplier       decimal.Decimal
}

// Config holds the loyalty rules for a tenant.
type Config struct {
	// EarningRate is points per currency unit spent.
	EarningRate decimal.Decimal
	// RedemptionRate is the currency value of one point.
	RedemptionRate decimal.Decimal
	// MinPointsToRedeem is the smallest redemption accepted.
	MinPointsToRedeem int64
	// MaxRedemptionPercent caps the share of a bill payable with points (0-100).
	MaxRedemptionPercent decimal.Decimal
	// ExpiryDays is the grant expiry horizon. 0 means points never expire.
	ExpiryDays int
	// WelcomeBonus is granted on enrollment when > 0.
	WelcomeBonus int64
	// Tiers ordered by strictly increasing MinLifetimeSpend.
	Tiers []TierLevel
}

// DefaultConfig returns the rules used until a tenant saves its own.
func DefaultConfig() Config {
	return Config{
		EarningRate:          decimal.NewFromInt(1),
		RedemptionRate:       decimal.NewFromInt(1),
		MinPointsToRedeem:    100,
		MaxRedemptionPercent: decimal.NewFromInt(50),
		ExpiryDays:           365,
		WelcomeBonus:         0,
		Tiers: []TierLevel{
			{Tier: TierBronze, MinLifetimeSpend: decimal.Zero, Multiplier: decimal.NewFromInt(1)},
			{Tier: TierSilver, MinLifetimeSpend: decimal.NewFromInt(10000), Multiplier: decimal.RequireFromString("1.2")},
			{Tier: TierGold, MinLifetimeSpend: decimal.NewFromInt(50000), Multiplier: decimal.RequireFromString("1.5")},
			{Tier: TierPlatinum, MinLifetimeSpend: decimal.NewFromInt(100000), Multiplier: decimal.NewFromInt(2)},
		},
	}
}

// Validate checks the config invariants.
func (c *Config) Validate() error {
	switch {
	case c.EarningRate.IsNegative():
		return &InvalidConfigError{Field: "earning_rate", Reason: "must be non-negative"}
	case c.RedemptionRate.IsNegative():
		return &InvalidConfigError{Field: "redemption_rate", Reason: "must be non-negative"}
	case c.MinPointsToRedeem < 0:
		return &InvalidConfigError{Field: "min_points_to_redeem", Reason: "must be non-negative"}
	case c.MaxRedemptionPercent.IsNegative() || c.MaxRedemptionPercent.GreaterThan(decimal.NewFromInt(100)):
		return &InvalidConfigError{Field: "max_redemption_percent", Reason: "must be between 0 and 100"}
	case c.ExpiryDays < 0:
		return &InvalidConfigError{Field: "expiry_days", Reason: "must be non-negative"}
	case c.WelcomeBonus < 0:
		return &InvalidConfigError{Field: "welcome_bonus", Reason: "must be non-negative"}
	case len(c.Tiers) == 0:
		return &InvalidConfigError{Field: "tiers", Reason: "at least one tier is required"}
	}

	seen := make(map[Tier]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if t.Tier == "" {
			return &InvalidConfigError{Field: field, Reason: "tier name is required"}
		}
		if seen[t.Tier] {
			return &InvalidConfigError{Field: field, Reason: fmt.Sprintf("duplicate tier %q", t.Tier)}
		}
		seen[t.Tier] = true
		if t.MinLifetimeSpend.IsNegative() {
			return &InvalidConfigError{Field: field, Reason: "minimum lifetime spend must be non-negative"}
		}
		if t.Multiplier.IsNegative() {
			return &InvalidConfigError{Field: field, Reason: "multiplier must be non-negative"}
		}
		if i > 0 && !t.MinLifetimeSpend.GreaterThan(c.Tiers[i-1].MinLifetimeSpend) {
			return &InvalidConfigError{Field: field, Reason: "thresholds must be strictly increasing"}
		}
	}
	return nil
}

// BaseTier is the lowest configured tier.
func (c *Config) BaseTier() Tier {
	if len(c.Tiers) == 0 {
		return TierBronze
	}
	return c.Tiers[0].Tier
}

// MultiplierFor returns the earning multiplier of t, or 1 for unknown tiers.
func (c *Config) MultiplierFor(t Tier) decimal.Decimal {
	for _, lvl := range c.Tiers {
		if lvl.Tier == t {
			return lvl.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.Tiers = append([]TierLevel(nil), c.Tiers...)
	return c
}

// =============================================================================
// CONFIG UPDATE - Partial merge
// =============================================================================

// ConfigUpdate is a partial config. Nil fields keep their current value.
type ConfigUpdate struct {
	EarningRate          *decimal.Decimal
	RedemptionRate       *decimal.Decimal
	MinPointsToRedeem    *int64
	MaxRedemptionPercent *decimal.Decimal
	ExpiryDays           *int
	WelcomeBonus         *int64
	Tiers                []TierLevel // Replaces the ladder when non-nil
}

// Apply merges u into c.
func (u ConfigUpdate) Apply(c Config) Config {
	out := c.Clone()
	if u.EarningRate != nil {
		out.EarningRate = *u.EarningRate
	}
	if u.RedemptionRate != nil {
		out.RedemptionRate = *u.RedemptionRate
	}
	if u.MinPointsToRedeem != nil {
		out.MinPointsToRedeem = *u.MinPointsToRedeem
	}
	if u.MaxRedemptionPercent != nil {
		out.MaxRedemptionPercent = *u.MaxRedemptionPercent
	}
	if u.ExpiryDays != nil {
		out.ExpiryDays = *u.ExpiryDays
	}
	if u.WelcomeBonus != nil {
		out.WelcomeBonus = *u.WelcomeBonus
	}
	if u.Tiers != nil {
		out.Tiers = append([]TierLevel(nil), u.Tiers...)
	}
	return out
}

// =============================================================================
// CONFIG STORE
// =============================================================================

// ConfigStore reads and updates the tenant config.
type ConfigStore struct {
	store Store
	mu    sync.Mutex
}

func NewConfigStore(store Store) *ConfigStore {
	return &ConfigStore{store: store}
}

// Get returns the saved config, or DefaultConfig when none was saved.
func (cs *ConfigStore) Get(ctx context.Context) (*Config, error) {
	cfg, err := cs.store.GetConfig(ctx)
	if err != nil {
		return nil, persistErr("load config", err)
	}
	if cfg == nil {
		def := DefaultConfig()
		return &def, nil
	}
	return cfg, nil
}

// Update merges u into the current config, validates and saves it.
func (cs *ConfigStore) Update(ctx context.Context, u ConfigUpdate) (*Config, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	current, err := cs.Get(ctx)
	if err != nil {
		return nil, err
	}
	next := u.Apply(*current)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := cs.store.SaveConfig(ctx, next); err != nil {
		return nil, persistErr("save config", err)
	}
	return &next, nil
}

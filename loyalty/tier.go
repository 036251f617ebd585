package loyalty

import "github.com/shopspring/decimal"

// TierFor maps lifetime spend to a tier. It walks the ladder from the top
// and returns the first tier whose threshold is at or below spend, falling
// back to the lowest tier. Pure; safe to call on every spend update.
func TierFor(spend decimal.Decimal, cfg *Config) Tier {
	for i := len(cfg.Tiers) - 1; i >= 0; i-- {
		if cfg.Tiers[i].MinLifetimeSpend.LessThanOrEqual(spend) {
			return cfg.Tiers[i].Tier
		}
	}
	return cfg.BaseTier()
}

// tierRank returns the position of t in the ladder, or -1.
func tierRank(t Tier, cfg *Config) int {
	for i, lvl := range cfg.Tiers {
		if lvl.Tier == t {
			return i
		}
	}
	return -1
}

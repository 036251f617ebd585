/*
presets.go - Ready-made loyalty programs as JSON

PURPOSE:
  Convenience builders for common programs. Each returns a JSON document
  accepted by ConfigFactory.ParseProgram, so presets go through the same
  path as operator-supplied files.

AVAILABLE PROGRAMS:
  CafeProgramJSON:
    - 1 point per currency unit, 1 point = 0.10 off
    - Small welcome bonus, 180 day expiry
    - Free coffee and pastry rewards

  RetailProgramJSON:
    - 1 point per currency unit, 1 point = 1 off
    - Four-tier ladder up to platinum (2x)
    - One year expiry, tier-gated rewards

EXAMPLE:
  program, err := factory.NewConfigFactory().ParseProgram(factory.CafeProgramJSON(50, 180))
*/
package factory

import "encoding/json"

// CafeProgramJSON returns a small-venue program with a flat tier ladder.
func CafeProgramJSON(welcomeBonus int64, expiryDays int) string {
	pj := map[string]interface{}{
		"earning_rate":           "1",
		"redemption_rate":        "0.1",
		"min_points_to_redeem":   100,
		"max_redemption_percent": "30",
		"expiry_days":            expiryDays,
		"welcome_bonus":          welcomeBonus,
		"tiers": []map[string]interface{}{
			{"tier": "bronze", "min_lifetime_spend": "0", "multiplier": "1"},
			{"tier": "silver", "min_lifetime_spend": "2000", "multiplier": "1.25"},
		},
		"rewards": []map[string]interface{}{
			{"id": "free-coffee", "title": "Free coffee", "point_cost": 150, "effect_type": "free_item", "effect_value": "1"},
			{"id": "pastry", "title": "Pastry of the day", "point_cost": 250, "effect_type": "free_item", "effect_value": "1"},
		},
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}

// RetailProgramJSON returns a store program with the full tier ladder.
func RetailProgramJSON(expiryDays int) string {
	pj := map[string]interface{}{
		"earning_rate":           "1",
		"redemption_rate":        "1",
		"min_points_to_redeem":   100,
		"max_redemption_percent": "50",
		"expiry_days":            expiryDays,
		"welcome_bonus":          0,
		"tiers": []map[string]interface{}{
			{"tier": "bronze", "min_lifetime_spend": "0", "multiplier": "1"},
			{"tier": "silver", "min_lifetime_spend": "10000", "multiplier": "1.2"},
			{"tier": "gold", "min_lifetime_spend": "50000", "multiplier": "1.5"},
			{"tier": "platinum", "min_lifetime_spend": "100000", "multiplier": "2"},
		},
		"rewards": []map[string]interface{}{
			{"id": "ten-off", "title": "10% off next purchase", "point_cost": 500, "effect_type": "percentage_discount", "effect_value": "10"},
			{"id": "cashback-50", "title": "50 cashback", "point_cost": 800, "effect_type": "cashback", "effect_value": "50"},
			{
				"id": "vip-lounge", "title": "VIP lounge pass", "point_cost": 2000, "effect_type": "free_item", "effect_value": "1",
				"applicable_tiers": []string{"gold", "platinum"}, "usage_limit": 100,
			},
		},
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}

/*
Package factory provides JSON to Go conversion for loyalty configuration.

PURPOSE:
  Converts JSON loyalty programs (earning rules, tier ladder, reward
  catalog) into loyalty.Config and loyalty.Reward values. Operators can
  define a program in a file or through the admin API without code changes.

JSON SCHEMA:
  {
    "earning_rate": "1",
    "redemption_rate": "0.5",
    "min_points_to_redeem": 100,
    "max_redemption_percent": "50",
    "expiry_days": 365,
    "welcome_bonus": 50,
    "tiers": [
      {"tier": "bronze", "min_lifetime_spend": "0",     "multiplier": "1"},
      {"tier": "silver", "min_lifetime_spend": "10000", "multiplier": "1.2"}
    ],
    "rewards": [
      {"id": "coffee", "title": "Free coffee", "point_cost": 150,
       "effect_type": "free_item", "effect_value": "1"}
    ]
  }

  Decimal fields accept JSON strings or numbers. Omitted config fields keep
  their current (or default) value, so the same document works as a
  partial update.

USAGE:
  f := factory.NewConfigFactory()
  program, err := f.ParseProgram(jsonString)
  engine.Config.Update(ctx, program.Update)
  for _, r := range program.Rewards {
      engine.Catalog.Create(ctx, r)
  }

SEE ALSO:
  - loyalty/config.go: Config, ConfigUpdate and validation
  - presets.go: Ready-made programs used by the demo scenarios
*/
package factory

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProgramJSON is a loyalty config plus an optional starter catalog.
type ProgramJSON struct {
	ConfigJSON
	Rewards []RewardJSON `json:"rewards,omitempty"`
}

// ConfigJSON is the JSON representation of a (possibly partial) config.
type ConfigJSON struct {
	EarningRate          *decimal.Decimal `json:"earning_rate,omitempty"`
	RedemptionRate       *decimal.Decimal `json:"redemption_rate,omitempty"`
	MinPointsToRedeem    *int64           `json:"min_points_to_redeem,omitempty"`
	MaxRedemptionPercent *decimal.Decimal `json:"max_redemption_percent,omitempty"`
	ExpiryDays           *int             `json:"expiry_days,omitempty"`
	WelcomeBonus         *int64           `json:"welcome_bonus,omitempty"`
	Tiers                []TierJSON       `json:"tiers,omitempty"`
}

// TierJSON is one rung of the tier ladder.
type TierJSON struct {
	Tier             string          `json:"tier"`
	MinLifetimeSpend decimal.Decimal `json:"min_lifetime_spend"`
	Multiplier       decimal.Decimal `json:"multiplier"`
}

// RewardJSON is the JSON representation of a catalog reward.
type RewardJSON struct {
	ID              string          `json:"id,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	PointCost       int64           `json:"point_cost"`
	EffectType      string          `json:"effect_type"`
	EffectValue     decimal.Decimal `json:"effect_value"`
	ApplicableTiers []string        `json:"applicable_tiers,omitempty"`
	ValidFrom       *time.Time      `json:"valid_from,omitempty"`
	ValidUntil      *time.Time      `json:"valid_until,omitempty"`
	UsageLimit      int             `json:"usage_limit,omitempty"`
	UsageCount      int             `json:"usage_count"`
	Active          bool            `json:"active"`
}

// Program is a parsed ProgramJSON.
type Program struct {
	Update  loyalty.ConfigUpdate
	Config  loyalty.Config // Update applied over loyalty.DefaultConfig
	Rewards []loyalty.Reward
}

// =============================================================================
// CONFIG FACTORY
// =============================================================================

// ConfigFactory converts JSON programs to loyalty types.
type ConfigFactory struct{}

func NewConfigFactory() *ConfigFactory {
	return &ConfigFactory{}
}

// ParseProgram parses and validates a JSON program.
func (f *ConfigFactory) ParseProgram(jsonStr string) (*Program, error) {
	var pj ProgramJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, errors.Wrap(err, "failed to parse loyalty program JSON")
	}
	return f.FromJSON(pj)
}

// LoadProgram reads and parses a JSON program file.
func (f *ConfigFactory) LoadProgram(path string) (*Program, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read loyalty program %s", path)
	}
	return f.ParseProgram(string(raw))
}

// FromJSON converts a ProgramJSON. The resulting config is validated
// against the defaults; rewards are validated by the catalog on create.
func (f *ConfigFactory) FromJSON(pj ProgramJSON) (*Program, error) {
	update := f.UpdateFromJSON(pj.ConfigJSON)
	cfg := update.Apply(loyalty.DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Program{Update: update, Config: cfg}
	for _, rj := range pj.Rewards {
		p.Rewards = append(p.Rewards, f.RewardFromJSON(rj))
	}
	return p, nil
}

// UpdateFromJSON converts a partial config document into a ConfigUpdate.
func (f *ConfigFactory) UpdateFromJSON(cj ConfigJSON) loyalty.ConfigUpdate {
	u := loyalty.ConfigUpdate{
		EarningRate:          cj.EarningRate,
		RedemptionRate:       cj.RedemptionRate,
		MinPointsToRedeem:    cj.MinPointsToRedeem,
		MaxRedemptionPercent: cj.MaxRedemptionPercent,
		ExpiryDays:           cj.ExpiryDays,
		WelcomeBonus:         cj.WelcomeBonus,
	}
	if cj.Tiers != nil {
		u.Tiers = make([]loyalty.TierLevel, 0, len(cj.Tiers))
		for _, tj := range cj.Tiers {
			u.Tiers = append(u.Tiers, loyalty.TierLevel{
				Tier:             loyalty.Tier(tj.Tier),
				MinLifetimeSpend: tj.MinLifetimeSpend,
				Multiplier:       tj.Multiplier,
			})
		}
	}
	return u
}

// ConfigToJSON converts a full config. Every field is set.
func (f *ConfigFactory) ConfigToJSON(cfg loyalty.Config) ConfigJSON {
	cj := ConfigJSON{
		EarningRate:          &cfg.EarningRate,
		RedemptionRate:       &cfg.RedemptionRate,
		MinPointsToRedeem:    &cfg.MinPointsToRedeem,
		MaxRedemptionPercent: &cfg.MaxRedemptionPercent,
		ExpiryDays:           &cfg.ExpiryDays,
		WelcomeBonus:         &cfg.WelcomeBonus,
		Tiers:                make([]TierJSON, 0, len(cfg.Tiers)),
	}
	for _, t := range cfg.Tiers {
		cj.Tiers = append(cj.Tiers, TierJSON{
			Tier:             string(t.Tier),
			MinLifetimeSpend: t.MinLifetimeSpend,
			Multiplier:       t.Multiplier,
		})
	}
	return cj
}

// RewardFromJSON converts a reward document. Usage count and active flag
// are owned by the catalog and ignored here.
func (f *ConfigFactory) RewardFromJSON(rj RewardJSON) loyalty.Reward {
	r := loyalty.Reward{
		ID:          loyalty.RewardID(rj.ID),
		Title:       rj.Title,
		Description: rj.Description,
		PointCost:   rj.PointCost,
		EffectType:  loyalty.EffectType(rj.EffectType),
		EffectValue: rj.EffectValue,
		ValidFrom:   rj.ValidFrom,
		ValidUntil:  rj.ValidUntil,
		UsageLimit:  rj.UsageLimit,
	}
	for _, t := range rj.ApplicableTiers {
		r.ApplicableTiers = append(r.ApplicableTiers, loyalty.Tier(t))
	}
	return r
}

func (f *ConfigFactory) RewardToJSON(r loyalty.Reward) RewardJSON {
	rj := RewardJSON{
		ID:          string(r.ID),
		Title:       r.Title,
		Description: r.Description,
		PointCost:   r.PointCost,
		EffectType:  string(r.EffectType),
		EffectValue: r.EffectValue,
		ValidFrom:   r.ValidFrom,
		ValidUntil:  r.ValidUntil,
		UsageLimit:  r.UsageLimit,
		UsageCount:  r.UsageCount,
		Active:      r.Active,
	}
	for _, t := range r.ApplicableTiers {
		rj.ApplicableTiers = append(rj.ApplicableTiers, string(t))
	}
	return rj
}

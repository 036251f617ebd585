/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate a tenant with realistic
	data. Each scenario applies a program preset, enrolls customers, records
	purchases and leaves some redemptions pending for the approval flow.

AVAILABLE SCENARIOS:

	cafe-regulars:    Small cafe, welcome bonus, cash and free-item redemptions
	tier-climb:       Retail ladder, one customer climbing bronze to gold
	expiring-points:  One day expiry horizon to demo FIFO expiry via sweep
	reward-catalog:   Tier-gated and usage-limited rewards

HOW SCENARIOS WORK:
 1. Reset the tenant (clear all of its data)
 2. Apply a program preset via factory (config + rewards)
 3. Enroll customers
 4. Record purchases
 5. Optionally request or approve redemptions

USAGE VIA API:

	POST /api/tenants/{tenant}/scenarios/load
	{"scenario_id": "tier-climb"}

NOTE:

	Scenarios reset the tenant. Only use in development/demo environments.

SEE ALSO:
  - factory/presets.go: Program JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cafe-regulars",
		Name:        "Cafe Regulars",
		Description: "Welcome bonus, daily purchases, a pending cash discount and an approved free coffee",
		Category:    "earning",
	},
	{
		ID:          "tier-climb",
		Name:        "Tier Climb",
		Description: "Retail ladder: lifetime spend moves a customer from bronze to gold with rising multipliers",
		Category:    "tiers",
	},
	{
		ID:          "expiring-points",
		Name:        "Expiring Points",
		Description: "Grants expire after one day; sweep with a future as_of to see oldest-first expiry",
		Category:    "expiry",
	},
	{
		ID:          "reward-catalog",
		Name:        "Reward Catalog",
		Description: "Tier-gated VIP reward with a usage limit next to open rewards",
		Category:    "rewards",
	},
}

type scenarioLoader func(ctx context.Context, e *loyalty.Engine, f *factory.ConfigFactory) error

var scenarioLoaders = map[string]scenarioLoader{
	"cafe-regulars":   loadCafeRegulars,
	"tier-climb":      loadTierClimb,
	"expiring-points": loadExpiringPoints,
	"reward-catalog":  loadRewardCatalog,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario loaded into the tenant, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario[engineFrom(r).Tenant]
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the tenant and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	engine := engineFrom(r)
	if err := h.Store.Tenant(engine.Tenant).Reset(r.Context()); err != nil {
		h.writeEngineError(w, "Failed to reset tenant", err)
		return
	}
	if err := load(r.Context(), engine, h.Factory); err != nil {
		h.writeEngineError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario[engine.Tenant] = req.ScenarioID
	h.mu.Unlock()

	h.log.Info().Str("tenant", engine.Tenant).Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

// ResetTenant clears all data of the tenant.
func (h *Handler) ResetTenant(w http.ResponseWriter, r *http.Request) {
	engine := engineFrom(r)
	if err := h.Store.Tenant(engine.Tenant).Reset(r.Context()); err != nil {
		h.writeEngineError(w, "Failed to reset tenant", err)
		return
	}

	h.mu.Lock()
	delete(h.currentScenario, engine.Tenant)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func applyPreset(ctx context.Context, e *loyalty.Engine, f *factory.ConfigFactory, preset string) error {
	program, err := f.ParseProgram(preset)
	if err != nil {
		return err
	}
	return seedProgram(ctx, e, program)
}

type demoCustomer struct {
	id, name, email string
	purchases       []string // Amounts, one purchase each
}

func enrollWithPurchases(ctx context.Context, e *loyalty.Engine, customers []demoCustomer) error {
	for _, dc := range customers {
		if _, err := e.Directory.Enroll(ctx, loyalty.Profile{
			ID:    loyalty.CustomerID(dc.id),
			Name:  dc.name,
			Email: dc.email,
		}); err != nil {
			return err
		}
		for i, amount := range dc.purchases {
			invoice := fmt.Sprintf("%s-inv-%d", dc.id, i+1)
			if _, err := e.Directory.RecordPurchase(ctx, loyalty.CustomerID(dc.id), invoice, decimal.RequireFromString(amount)); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadCafeRegulars(ctx context.Context, e *loyalty.Engine, f *factory.ConfigFactory) error {
	if err := applyPreset(ctx, e, f, factory.CafeProgramJSON(50, 180)); err != nil {
		return err
	}
	err := enrollWithPurchases(ctx, e, []demoCustomer{
		{"cust-ada", "Ada Lovelace", "ada@example.com", []string{"42.50", "18.00", "65.25", "12.00"}},
		{"cust-alan", "Alan Turing", "alan@example.com", []string{"120.00", "95.40"}},
		{"cust-grace", "Grace Hopper", "grace@example.com", nil},
	})
	if err != nil {
		return err
	}

	// Ada asks for a cash discount, still pending.
	if _, err := e.Redemptions.Request(ctx, loyalty.RedemptionInput{
		CustomerID: "cust-ada", Points: 100, Type: loyalty.RedemptionCashDiscount,
	}); err != nil {
		return err
	}
	// Alan already got his free coffee.
	rr, err := e.Redemptions.Request(ctx, loyalty.RedemptionInput{
		CustomerID: "cust-alan", Type: loyalty.RedemptionReward, RewardID: "free-coffee",
	})
	if err != nil {
		return err
	}
	_, err = e.Redemptions.Approve(ctx, rr.ID, "barista")
	return err
}

func loadTierClimb(ctx context.Context, e *loyalty.Engine, f *factory.ConfigFactory) error {
	if err := applyPreset(ctx, e, f, factory.RetailProgramJSON(365)); err != nil {
		return err
	}
	// 9000 (bronze, 1x) -> 12000 silver at 1.2x -> 52000 gold at 1.5x
	return enrollWithPurchases(ctx, e, []demoCustomer{
		{"cust-climber", "Katherine Johnson", "katherine@example.com", []string{"9000", "3000", "40000", "1000"}},
		{"cust-steady", "Dorothy Vaughan", "dorothy@example.com", []string{"250", "300"}},
	})
}

func loadExpiringPoints(ctx context.Context, e *loyalty.Engine, f *factory.ConfigFactory) error {
	if err := applyPreset(ctx, e, f, factory.RetailProgramJSON(1)); err != nil {
		return err
	}
	if err := enrollWithPurchases(ctx, e, []demoCustomer{
		{"cust-saver", "Margaret Hamilton", "margaret@example.com", []string{"300", "200", "500"}},
	}); err != nil {
		return err
	}
	// Spend part of the oldest grant so the sweep has a partial lot.
	rr, err := e.Redemptions.Request(ctx, loyalty.RedemptionInput{
		CustomerID: "cust-saver", Points: 400, Type: loyalty.RedemptionCashDiscount,
	})
	if err != nil {
		return err
	}
	_, err = e.Redemptions.Approve(ctx, rr.ID, "manager")
	return err
}

func loadRewardCatalog(ctx context.Context, e *loyalty.Engine, f *factory.ConfigFactory) error {
	if err := applyPreset(ctx, e, f, factory.RetailProgramJSON(365)); err != nil {
		return err
	}
	if err := enrollWithPurchases(ctx, e, []demoCustomer{
		{"cust-vip", "Hedy Lamarr", "hedy@example.com", []string{"60000"}},
		{"cust-new", "Radia Perlman", "radia@example.com", []string{"900"}},
	}); err != nil {
		return err
	}
	// The VIP reward only shows up for gold and platinum customers.
	_, err := e.Redemptions.Request(ctx, loyalty.RedemptionInput{
		CustomerID: "cust-vip", Type: loyalty.RedemptionReward, RewardID: "vip-lounge",
	})
	return err
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	t       *testing.T
	router  http.Handler
	root    *sqlite.Store
	engines *api.TenantRegistry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	root, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	reg := prometheus.NewRegistry()
	engines := api.NewTenantRegistry(api.SQLiteEngines(root, nil, loyalty.WithMetrics(loyalty.NewMetrics(reg))))
	h := api.NewHandler(root, engines, zerolog.Nop())
	router := api.NewRouter(h, api.RouterOptions{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})
	return &testAPI{t: t, router: router, root: root, engines: engines}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testAPI) enroll(tenant, id, name string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/tenants/"+tenant+"/customers", api.EnrollRequest{ID: id, Name: name})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (a *testAPI) purchase(tenant, id, invoice, amount string) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.do(http.MethodPost, "/api/tenants/"+tenant+"/customers/"+id+"/purchases",
		map[string]string{"invoice_id": invoice, "amount": amount})
}

// =============================================================================
// END-TO-END FLOW
// =============================================================================

func TestAPI_EarnRequestApproveFlow(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")

	// GIVEN: A 250 purchase under the default program (1 point per unit)
	rec := a.purchase("acme", "c-1", "inv-1", "250")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := decode[api.PurchaseDTO](t, rec)
	assert.Equal(t, int64(250), purchase.Entry.Delta)
	assert.Equal(t, int64(250), purchase.Customer.Balance)
	assert.Equal(t, 1, purchase.Customer.VisitCount)

	// WHEN: 200 points are requested as a cash discount and approved
	rec = a.do(http.MethodPost, "/api/tenants/acme/redemptions", api.RedemptionRequestBody{CustomerID: "c-1", Points: 200})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	requested := decode[api.RedemptionDTO](t, rec)
	assert.Equal(t, "pending", requested.Status)
	assert.Equal(t, "cash_discount", requested.Type)
	assert.True(t, requested.CashValue.Equal(decimal.NewFromInt(200)))

	rec = a.do(http.MethodPost, "/api/tenants/acme/redemptions/"+requested.ID+"/approve", api.DecisionRequest{Actor: "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[api.RedemptionDTO](t, rec)
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "manager", approved.ApprovedBy)

	// THEN: The balance drops and still reconciles with the ledger
	balance := decode[api.BalanceDTO](t, a.do(http.MethodGet, "/api/tenants/acme/customers/c-1/balance", nil))
	assert.Equal(t, int64(50), balance.Balance)
	assert.Equal(t, int64(50), balance.LedgerSum)
	assert.True(t, balance.Consistent)

	history := decode[[]api.EntryDTO](t, a.do(http.MethodGet, "/api/tenants/acme/customers/c-1/history", nil))
	require.Len(t, history, 2)
	assert.Equal(t, "redeemed", history[0].Kind)
	assert.Equal(t, int64(-200), history[0].Delta)
	assert.Equal(t, requested.ID, history[0].ReferenceID)
	assert.Equal(t, "earned", history[1].Kind)

	pending := decode[[]api.RedemptionDTO](t, a.do(http.MethodGet, "/api/tenants/acme/redemptions?status=pending", nil))
	assert.Empty(t, pending)
}

func TestAPI_MaxRedeemable(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")
	require.Equal(t, http.StatusCreated, a.purchase("acme", "c-1", "inv-1", "1000").Code)

	// Default cap is 50% of the bill at 1 point per unit.
	rec := a.do(http.MethodGet, "/api/tenants/acme/customers/c-1/max-redeemable?bill=120", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(60), decode[api.MaxRedeemableDTO](t, rec).MaxPoints)

	rec = a.do(http.MethodGet, "/api/tenants/acme/customers/c-1/max-redeemable?bill=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorStatuses(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")
	require.Equal(t, http.StatusCreated, a.purchase("acme", "c-1", "inv-1", "150").Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown customer", http.MethodGet, "/api/tenants/acme/customers/nobody", nil, http.StatusNotFound},
		{"unknown request", http.MethodPost, "/api/tenants/acme/redemptions/nope/approve", nil, http.StatusNotFound},
		{"already enrolled", http.MethodPost, "/api/tenants/acme/customers", api.EnrollRequest{ID: "c-1", Name: "Ada"}, http.StatusConflict},
		{"missing name", http.MethodPost, "/api/tenants/acme/customers", api.EnrollRequest{ID: "c-2"}, http.StatusBadRequest},
		{"duplicate invoice", http.MethodPost, "/api/tenants/acme/customers/c-1/purchases", map[string]string{"invoice_id": "inv-1", "amount": "10"}, http.StatusConflict},
		{"negative amount", http.MethodPost, "/api/tenants/acme/customers/c-1/purchases", map[string]string{"amount": "-5"}, http.StatusBadRequest},
		{"below minimum", http.MethodPost, "/api/tenants/acme/redemptions", api.RedemptionRequestBody{CustomerID: "c-1", Points: 50}, http.StatusUnprocessableEntity},
		{"insufficient points", http.MethodPost, "/api/tenants/acme/redemptions", api.RedemptionRequestBody{CustomerID: "c-1", Points: 500}, http.StatusUnprocessableEntity},
		{"adjust below zero", http.MethodPost, "/api/tenants/acme/customers/c-1/adjustments", api.AdjustmentRequest{Delta: -1000}, http.StatusUnprocessableEntity},
		{"malformed body", http.MethodPost, "/api/tenants/acme/customers", "{", http.StatusBadRequest},
		{"invalid tenant", http.MethodGet, "/api/tenants/bad.tenant/customers", nil, http.StatusBadRequest},
		{"invalid config", http.MethodPut, "/api/tenants/acme/config", map[string]any{"max_redemption_percent": 150}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if rec.Code >= 400 {
				assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Error)
			}
		})
	}
}

func TestAPI_ApproveTwiceConflicts(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")
	require.Equal(t, http.StatusCreated, a.purchase("acme", "c-1", "inv-1", "300").Code)
	rr := decode[api.RedemptionDTO](t, a.do(http.MethodPost, "/api/tenants/acme/redemptions", api.RedemptionRequestBody{CustomerID: "c-1", Points: 100}))

	assert.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/tenants/acme/redemptions/"+rr.ID+"/approve", nil).Code)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/tenants/acme/redemptions/"+rr.ID+"/approve", nil).Code)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/tenants/acme/redemptions/"+rr.ID+"/cancel", nil).Code)

	balance := decode[api.BalanceDTO](t, a.do(http.MethodGet, "/api/tenants/acme/customers/c-1/balance", nil))
	assert.Equal(t, int64(200), balance.Balance)

	// A conflict is not a business rejection.
	metrics := a.do(http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, metrics, `loyalty_redemptions_total{outcome="approved",tenant="acme"} 1`)
	assert.NotContains(t, metrics, `outcome="rejected"`)
}

func TestAPI_ApproveRejectedWhenBalanceShrank(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")
	require.Equal(t, http.StatusCreated, a.purchase("acme", "c-1", "inv-1", "300").Code)
	rr := decode[api.RedemptionDTO](t, a.do(http.MethodPost, "/api/tenants/acme/redemptions", api.RedemptionRequestBody{CustomerID: "c-1", Points: 250}))
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/tenants/acme/customers/c-1/adjustments",
		api.AdjustmentRequest{Delta: -100, Reason: "correction"}).Code)

	assert.Equal(t, http.StatusUnprocessableEntity, a.do(http.MethodPost, "/api/tenants/acme/redemptions/"+rr.ID+"/approve", nil).Code)

	metrics := a.do(http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, metrics, `loyalty_redemptions_total{outcome="rejected",tenant="acme"} 1`)
}

func TestAPI_DeactivatedCustomerCannotEarn(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")

	rec := a.do(http.MethodPost, "/api/tenants/acme/customers/c-1/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.CustomerDTO](t, rec).Active)

	assert.Equal(t, http.StatusUnprocessableEntity, a.purchase("acme", "c-1", "inv-1", "10").Code)
}

// =============================================================================
// TENANTS
// =============================================================================

func TestAPI_TenantsAreIsolated(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/tenants/globex/customers/c-1", nil).Code)

	// The un-prefixed routes serve the default tenant.
	rec := a.do(http.MethodPost, "/api/customers", api.EnrollRequest{ID: "c-9", Name: "Default"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/tenants/default/customers/c-9", nil).Code)

	tenants := decode[[]string](t, a.do(http.MethodGet, "/api/tenants", nil))
	assert.ElementsMatch(t, []string{"acme", "default", "globex"}, tenants)
}

func TestTenantRegistry_BuildsOncePerTenant(t *testing.T) {
	root, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer root.Close()

	program, err := factory.NewConfigFactory().ParseProgram(factory.CafeProgramJSON(50, 180))
	require.NoError(t, err)
	reg := api.NewTenantRegistry(api.SQLiteEngines(root, program))
	ctx := context.Background()

	first, err := reg.Get(ctx, "acme")
	require.NoError(t, err)
	second, err := reg.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, []string{"acme"}, reg.Loaded())

	// A new tenant is seeded with the program.
	cfg, err := first.Config.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cfg.WelcomeBonus)
	rewards, err := first.Catalog.All(ctx)
	require.NoError(t, err)
	assert.Len(t, rewards, 2)

	_, err = reg.Get(ctx, "")
	assert.ErrorIs(t, err, api.ErrInvalidTenant)
}

// =============================================================================
// CONFIG & REWARDS
// =============================================================================

func TestAPI_ConfigPartialUpdate(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPut, "/api/tenants/acme/config", map[string]any{"welcome_bonus": 75, "expiry_days": 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg := decode[factory.ConfigJSON](t, a.do(http.MethodGet, "/api/tenants/acme/config", nil))
	require.NotNil(t, cfg.WelcomeBonus)
	assert.Equal(t, int64(75), *cfg.WelcomeBonus)
	assert.Equal(t, 30, *cfg.ExpiryDays)
	assert.Equal(t, int64(100), *cfg.MinPointsToRedeem, "untouched fields keep their value")
	assert.Len(t, cfg.Tiers, 4)

	// New enrollments get the bonus.
	rec = a.do(http.MethodPost, "/api/tenants/acme/customers", api.EnrollRequest{Name: "Ada"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(75), decode[api.CustomerDTO](t, rec).Balance)
}

func TestAPI_RewardLifecycle(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")
	require.Equal(t, http.StatusCreated, a.purchase("acme", "c-1", "inv-1", "400").Code)

	rec := a.do(http.MethodPost, "/api/tenants/acme/rewards", factory.RewardJSON{
		ID: "mug", Title: "Mug", PointCost: 300, EffectType: "free_item", EffectValue: decimal.NewFromInt(1),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[factory.RewardJSON](t, rec).Active)

	eligible := decode[[]factory.RewardJSON](t, a.do(http.MethodGet, "/api/tenants/acme/customers/c-1/rewards", nil))
	require.Len(t, eligible, 1)

	// Redeem it; usage count goes up.
	rr := decode[api.RedemptionDTO](t, a.do(http.MethodPost, "/api/tenants/acme/redemptions", api.RedemptionRequestBody{CustomerID: "c-1", RewardID: "mug"}))
	assert.Equal(t, "reward_redemption", rr.Type)
	assert.Equal(t, int64(300), rr.Points)
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/tenants/acme/redemptions/"+rr.ID+"/approve", nil).Code)
	assert.Equal(t, 1, decode[factory.RewardJSON](t, a.do(http.MethodGet, "/api/tenants/acme/rewards/mug", nil)).UsageCount)

	// Deactivated rewards leave the public list but stay in ?all=true.
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/tenants/acme/rewards/mug/deactivate", nil).Code)
	assert.Empty(t, decode[[]factory.RewardJSON](t, a.do(http.MethodGet, "/api/tenants/acme/rewards", nil)))
	assert.Len(t, decode[[]factory.RewardJSON](t, a.do(http.MethodGet, "/api/tenants/acme/rewards?all=true", nil)), 1)

	rec = a.do(http.MethodPost, "/api/tenants/acme/rewards", factory.RewardJSON{Title: "Free", PointCost: 0, EffectType: "free_item"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestAPI_SweepEndpoint(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusOK, a.do(http.MethodPut, "/api/tenants/acme/config", map[string]any{"expiry_days": 1}).Code)
	a.enroll("acme", "c-1", "Ada")
	require.Equal(t, http.StatusCreated, a.purchase("acme", "c-1", "inv-1", "120").Code)

	// A sweep now expires nothing.
	rec := a.do(http.MethodPost, "/api/tenants/acme/expiry/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(0), decode[api.SweepRunDTO](t, rec).PointsExpired)

	// Two days later the grant is gone.
	later := time.Now().Add(48 * time.Hour)
	rec = a.do(http.MethodPost, "/api/tenants/acme/expiry/sweep", api.SweepRequest{AsOf: &later})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[api.SweepRunDTO](t, rec)
	assert.Equal(t, int64(120), run.PointsExpired)
	assert.Equal(t, "completed", run.Status)

	runs := decode[[]api.SweepRunDTO](t, a.do(http.MethodGet, "/api/tenants/acme/expiry/runs?limit=1", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	c := decode[api.CustomerDTO](t, a.do(http.MethodGet, "/api/tenants/acme/customers/c-1", nil))
	assert.Equal(t, int64(0), c.Balance)
	assert.Equal(t, int64(120), c.LifetimePointsExpired)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/tenants/acme/expiry/runs?limit=-1", nil).Code)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestAPI_LoadScenarios(t *testing.T) {
	a := newTestAPI(t)

	list := decode[[]api.ScenarioDTO](t, a.do(http.MethodGet, "/api/tenants/demo/scenarios", nil))
	require.NotEmpty(t, list)

	for _, s := range list {
		t.Run(s.ID, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/api/tenants/demo/scenarios/load", api.LoadScenarioRequest{ScenarioID: s.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			current := decode[api.ScenarioDTO](t, a.do(http.MethodGet, "/api/tenants/demo/scenarios/current", nil))
			assert.Equal(t, s.ID, current.ID)

			// Every customer's cached balance matches the ledger.
			for _, c := range decode[[]api.CustomerDTO](t, a.do(http.MethodGet, "/api/tenants/demo/customers", nil)) {
				b := decode[api.BalanceDTO](t, a.do(http.MethodGet, "/api/tenants/demo/customers/"+c.ID+"/balance", nil))
				assert.True(t, b.Consistent, c.ID)
			}
		})
	}

	assert.Equal(t, http.StatusBadRequest,
		a.do(http.MethodPost, "/api/tenants/demo/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"}).Code)
}

func TestAPI_CafeScenarioBalances(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusOK,
		a.do(http.MethodPost, "/api/tenants/demo/scenarios/load", api.LoadScenarioRequest{ScenarioID: "cafe-regulars"}).Code)

	customers := decode[[]api.CustomerDTO](t, a.do(http.MethodGet, "/api/tenants/demo/customers", nil))
	require.Len(t, customers, 3)
	// Sorted by name: Ada, Alan, Grace
	assert.Equal(t, int64(50+42+18+65+12), customers[0].Balance)
	assert.Equal(t, int64(50+120+95-150), customers[1].Balance)
	assert.Equal(t, int64(50), customers[2].Balance)

	pending := decode[[]api.RedemptionDTO](t, a.do(http.MethodGet, "/api/tenants/demo/redemptions?status=pending", nil))
	require.Len(t, pending, 1)
	assert.True(t, pending[0].CashValue.Equal(decimal.NewFromInt(10)), "100 points at 0.10")
}

func TestAPI_ExpiringScenarioSweepsOldestFirst(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusOK,
		a.do(http.MethodPost, "/api/tenants/demo/scenarios/load", api.LoadScenarioRequest{ScenarioID: "expiring-points"}).Code)

	// 300 + 200 + 500 earned, 400 redeemed from the oldest grants: 100 + 500 remain.
	later := time.Now().Add(48 * time.Hour)
	run := decode[api.SweepRunDTO](t, a.do(http.MethodPost, "/api/tenants/demo/expiry/sweep", api.SweepRequest{AsOf: &later}))
	assert.Equal(t, int64(600), run.PointsExpired)
}

func TestAPI_ResetTenant(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusOK,
		a.do(http.MethodPost, "/api/tenants/demo/scenarios/load", api.LoadScenarioRequest{ScenarioID: "tier-climb"}).Code)

	climber := decode[api.CustomerDTO](t, a.do(http.MethodGet, "/api/tenants/demo/customers/cust-climber", nil))
	assert.Equal(t, "gold", climber.Tier)
	assert.Equal(t, int64(9000+3000+48000+1500), climber.Balance)

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/tenants/demo/scenarios/reset", nil).Code)
	assert.Empty(t, decode[[]api.CustomerDTO](t, a.do(http.MethodGet, "/api/tenants/demo/customers", nil)))
	assert.Equal(t, "null", strings.TrimSpace(a.do(http.MethodGet, "/api/tenants/demo/scenarios/current", nil).Body.String()))
}

// =============================================================================
// METRICS & HEALTH
// =============================================================================

func TestAPI_MetricsAndHealth(t *testing.T) {
	a := newTestAPI(t)
	a.enroll("acme", "c-1", "Ada")
	require.Equal(t, http.StatusCreated, a.purchase("acme", "c-1", "inv-1", "10").Code)

	rec := a.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `loyalty_points_total{kind="earned",tenant="acme"} 10`)

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health", nil).Code)
}

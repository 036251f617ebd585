/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the tenant's loyalty.Engine.

ENDPOINTS (all relative to /api/tenants/{tenant}, or /api for the default tenant):
  Config:
    GET    /config                          Current loyalty config
    PUT    /config                          Partial update (factory.ConfigJSON)

  Customers:
    GET    /customers                       List customers
    POST   /customers                       Enroll
    GET    /customers/{id}                  Customer record
    POST   /customers/{id}/deactivate       Stop earning and redeeming
    POST   /customers/{id}/purchases        Record a purchase
    GET    /customers/{id}/balance          Balance + ledger reconciliation
    GET    /customers/{id}/history          Ledger, newest first
    GET    /customers/{id}/max-redeemable   ?bill=120.00
    POST   /customers/{id}/adjustments      Manual point correction
    GET    /customers/{id}/rewards          Rewards the customer can redeem now

  Rewards:
    GET    /rewards                         Active catalog (?all=true for everything)
    POST   /rewards                         Create (factory.RewardJSON)
    GET    /rewards/{id}                    Reward details
    POST   /rewards/{id}/deactivate         Withdraw from the catalog

  Redemptions:
    GET    /redemptions                     ?status=pending
    POST   /redemptions                     Request
    GET    /redemptions/{id}                Request details
    POST   /redemptions/{id}/approve        Settle (deducts points)
    POST   /redemptions/{id}/cancel         Cancel a pending request

  Expiry:
    POST   /expiry/sweep                    Run a sweep now (optional as_of)
    GET    /expiry/runs                     Sweep history (?limit=20)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input, invalid config/reward/amount, bad tenant id
  - 404: Customer, reward or request not found
  - 409: Already enrolled, duplicate invoice, request not pending
  - 422: Business rule rejection (insufficient points, below minimum,
         reward ineligible, customer inactive)
  - 500: Persistence and internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - registry.go: Tenant to engine mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         *sqlite.Store
	Engines       *TenantRegistry
	Factory       *factory.ConfigFactory
	DefaultTenant string

	log zerolog.Logger

	// Track the scenario loaded into each tenant
	mu              sync.Mutex
	currentScenario map[string]string
}

// NewHandler creates a new handler over the root store.
func NewHandler(store *sqlite.Store, engines *TenantRegistry, log zerolog.Logger) *Handler {
	return &Handler{
		Store:           store,
		Engines:         engines,
		Factory:         factory.NewConfigFactory(),
		DefaultTenant:   sqlite.DefaultTenant,
		log:             log.With().Str("component", "api").Logger(),
		currentScenario: make(map[string]string),
	}
}

type engineKey struct{}

// withEngine resolves the {tenant} URL parameter (or the default tenant)
// and stores its engine in the request context.
func (h *Handler) withEngine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
		if tenant == "" {
			tenant = h.DefaultTenant
		}
		engine, err := h.Engines.Get(r.Context(), tenant)
		if err != nil {
			h.writeEngineError(w, "Failed to resolve tenant", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), engineKey{}, engine)))
	})
}

func engineFrom(r *http.Request) *loyalty.Engine {
	return r.Context().Value(engineKey{}).(*loyalty.Engine)
}

// =============================================================================
// TENANTS & HEALTH
// =============================================================================

// ListTenants returns every tenant with stored data or a loaded engine.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	stored, err := h.Store.Tenants(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list tenants", err)
		return
	}
	seen := make(map[string]bool)
	out := []string{}
	for _, list := range [][]string{stored, h.Engines.Loaded()} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CONFIG HANDLERS
// =============================================================================

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := engineFrom(r).Config.Get(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to load config", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ConfigToJSON(*cfg))
}

// UpdateConfig merges a partial config. Omitted fields keep their value.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req factory.ConfigJSON
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := engineFrom(r).Config.Update(r.Context(), h.Factory.UpdateFromJSON(req))
	if err != nil {
		h.writeEngineError(w, "Failed to update config", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ConfigToJSON(*cfg))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := engineFrom(r).Directory.List(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list customers", err)
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i := range customers {
		dtos[i] = toCustomerDTO(&customers[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) EnrollCustomer(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := engineFrom(r).Directory.Enroll(r.Context(), loyalty.Profile{
		ID:    loyalty.CustomerID(req.ID),
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to enroll customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := engineFrom(r).Directory.Get(r.Context(), customerID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to load customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

func (h *Handler) DeactivateCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := engineFrom(r).Directory.Deactivate(r.Context(), customerID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to deactivate customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// RecordPurchase credits points for a sale and returns the new entry
// together with the updated customer.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	engine := engineFrom(r)
	id := customerID(r)

	entry, err := engine.Directory.RecordPurchase(r.Context(), id, req.InvoiceID, req.Amount)
	if err != nil {
		h.writeEngineError(w, "Failed to record purchase", err)
		return
	}
	c, err := engine.Directory.Get(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to load customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseDTO{Entry: toEntryDTO(entry), Customer: toCustomerDTO(c)})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	rec, err := engineFrom(r).Ledger.Reconcile(r.Context(), customerID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		CustomerID: string(rec.CustomerID),
		Balance:    rec.Cached,
		LedgerSum:  rec.LedgerSum,
		Entries:    rec.Entries,
		Consistent: rec.Consistent(),
	})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := engineFrom(r).Ledger.History(r.Context(), customerID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to load history", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toEntryDTO(&entries[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetMaxRedeemable(w http.ResponseWriter, r *http.Request) {
	bill, err := decimal.NewFromString(r.URL.Query().Get("bill"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Query parameter bill must be a decimal amount", err)
		return
	}
	id := customerID(r)
	points, err := engineFrom(r).Directory.MaxRedeemableFor(r.Context(), id, bill)
	if err != nil {
		h.writeEngineError(w, "Failed to compute redeemable points", err)
		return
	}
	writeJSON(w, http.StatusOK, MaxRedeemableDTO{CustomerID: string(id), Bill: bill, MaxPoints: points})
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := engineFrom(r).Directory.Adjust(r.Context(), customerID(r), req.Delta, req.Reason, req.Actor)
	if err != nil {
		h.writeEngineError(w, "Failed to create adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) GetEligibleRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := engineFrom(r).Catalog.EligibleFor(r.Context(), customerID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to list eligible rewards", err)
		return
	}
	h.writeRewards(w, rewards)
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// ListRewards returns the active catalog, or every reward with ?all=true.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	catalog := engineFrom(r).Catalog
	var (
		rewards []loyalty.Reward
		err     error
	)
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		rewards, err = catalog.All(r.Context())
	} else {
		rewards, err = catalog.List(r.Context())
	}
	if err != nil {
		h.writeEngineError(w, "Failed to list rewards", err)
		return
	}
	h.writeRewards(w, rewards)
}

func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req factory.RewardJSON
	if !decodeJSON(w, r, &req) {
		return
	}
	reward, err := engineFrom(r).Catalog.Create(r.Context(), h.Factory.RewardFromJSON(req))
	if err != nil {
		h.writeEngineError(w, "Failed to create reward", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.RewardToJSON(*reward))
}

func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	reward, err := engineFrom(r).Catalog.Get(r.Context(), loyalty.RewardID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to load reward", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.RewardToJSON(*reward))
}

func (h *Handler) DeactivateReward(w http.ResponseWriter, r *http.Request) {
	reward, err := engineFrom(r).Catalog.Deactivate(r.Context(), loyalty.RewardID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to deactivate reward", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.RewardToJSON(*reward))
}

func (h *Handler) writeRewards(w http.ResponseWriter, rewards []loyalty.Reward) {
	dtos := make([]factory.RewardJSON, len(rewards))
	for i, rw := range rewards {
		dtos[i] = h.Factory.RewardToJSON(rw)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	var req RedemptionRequestBody
	if !decodeJSON(w, r, &req) {
		return
	}
	typ := loyalty.RedemptionType(req.Type)
	if typ == "" {
		typ = loyalty.RedemptionCashDiscount
		if req.RewardID != "" {
			typ = loyalty.RedemptionReward
		}
	}
	rr, err := engineFrom(r).Redemptions.Request(r.Context(), loyalty.RedemptionInput{
		CustomerID: loyalty.CustomerID(req.CustomerID),
		Points:     req.Points,
		Type:       typ,
		RewardID:   loyalty.RewardID(req.RewardID),
		InvoiceID:  req.InvoiceID,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to request redemption", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRedemptionDTO(rr))
}

func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	status := loyalty.RequestStatus(r.URL.Query().Get("status"))
	requests, err := engineFrom(r).Redemptions.List(r.Context(), status)
	if err != nil {
		h.writeEngineError(w, "Failed to list redemptions", err)
		return
	}
	dtos := make([]RedemptionDTO, len(requests))
	for i := range requests {
		dtos[i] = toRedemptionDTO(&requests[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	rr, err := engineFrom(r).Redemptions.Get(r.Context(), requestID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to load redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(rr))
}

func (h *Handler) ApproveRedemption(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	rr, err := engineFrom(r).Redemptions.Approve(r.Context(), requestID(r), req.Actor)
	if err != nil {
		h.writeEngineError(w, "Failed to approve redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(rr))
}

func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	rr, err := engineFrom(r).Redemptions.Cancel(r.Context(), requestID(r), req.Actor)
	if err != nil {
		h.writeEngineError(w, "Failed to cancel redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(rr))
}

// =============================================================================
// EXPIRY HANDLERS
// =============================================================================

// TriggerSweep runs the expiry reaper for this tenant immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	asOf := time.Now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	run, err := engineFrom(r).Reaper.Run(r.Context(), asOf)
	if err != nil {
		h.writeEngineError(w, "Expiry sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(run))
}

func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Query parameter limit must be a non-negative integer", err)
			return
		}
		limit = n
	}
	runs, err := engineFrom(r).Reaper.Runs(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to list sweep runs", err)
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i := range runs {
		dtos[i] = toSweepRunDTO(&runs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func customerID(r *http.Request) loyalty.CustomerID {
	return loyalty.CustomerID(chi.URLParam(r, "id"))
}

func requestID(r *http.Request) loyalty.RequestID {
	return loyalty.RequestID(chi.URLParam(r, "id"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its HTTP status.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidTenant):
		return http.StatusBadRequest
	case loyalty.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrCustomerExists),
		errors.Is(err, loyalty.ErrDuplicateIdempotencyKey),
		errors.Is(err, loyalty.ErrRequestNotPending):
		return http.StatusConflict
	case errors.Is(err, loyalty.ErrInsufficientPoints),
		errors.Is(err, loyalty.ErrBelowMinimum),
		errors.Is(err, loyalty.ErrRewardIneligible),
		errors.Is(err, loyalty.ErrCustomerInactive):
		return http.StatusUnprocessableEntity
	case loyalty.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

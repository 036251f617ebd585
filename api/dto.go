/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Customer:     CustomerDTO, EnrollRequest, PurchaseRequest, AdjustmentRequest
  Ledger:       EntryDTO, BalanceDTO
  Rewards:      factory.RewardJSON (shared with program files)
  Redemptions:  RedemptionDTO, RedemptionRequestBody, DecisionRequest
  Expiry:       SweepRequest, SweepRunDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

MONEY:
  Currency amounts and rates are decimal strings ("12.50"). Requests also
  accept JSON numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/loyalty.go: ConfigJSON and RewardJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerDTO struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	Email                  string          `json:"email,omitempty"`
	Phone                  string          `json:"phone,omitempty"`
	Tier                   string          `json:"tier"`
	Balance                int64           `json:"balance"`
	LifetimeSpend          decimal.Decimal `json:"lifetime_spend"`
	VisitCount             int             `json:"visit_count"`
	LifetimePointsEarned   int64           `json:"lifetime_points_earned"`
	LifetimePointsRedeemed int64           `json:"lifetime_points_redeemed"`
	LifetimePointsExpired  int64           `json:"lifetime_points_expired"`
	LastVisit              *time.Time      `json:"last_visit,omitempty"`
	Active                 bool            `json:"active"`
	EnrolledAt             time.Time       `json:"enrolled_at"`
}

type EnrollRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type PurchaseRequest struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type AdjustmentRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID            string           `json:"id"`
	Seq           int64            `json:"seq"`
	CustomerID    string           `json:"customer_id"`
	Kind          string           `json:"kind"`
	Delta         int64            `json:"delta"`
	InvoiceID     string           `json:"invoice_id,omitempty"`
	InvoiceAmount *decimal.Decimal `json:"invoice_amount,omitempty"`
	Description   string           `json:"description,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	ReferenceID   string           `json:"reference_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CreatedBy     string           `json:"created_by"`
}

// PurchaseDTO is the response to a recorded purchase.
type PurchaseDTO struct {
	Entry    EntryDTO    `json:"entry"`
	Customer CustomerDTO `json:"customer"`
}

// BalanceDTO is the cached balance plus a reconciliation against the ledger.
type BalanceDTO struct {
	CustomerID string `json:"customer_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Entries    int    `json:"entries"`
	Consistent bool   `json:"consistent"`
}

type MaxRedeemableDTO struct {
	CustomerID string          `json:"customer_id"`
	Bill       decimal.Decimal `json:"bill"`
	MaxPoints  int64           `json:"max_points"`
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type RedemptionDTO struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	RewardID    string          `json:"reward_id,omitempty"`
	Type        string          `json:"type"`
	Points      int64           `json:"points"`
	CashValue   decimal.Decimal `json:"cash_value"`
	Status      string          `json:"status"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy string          `json:"cancelled_by,omitempty"`
}

type RedemptionRequestBody struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	Type       string `json:"type"`
	RewardID   string `json:"reward_id"`
	InvoiceID  string `json:"invoice_id"`
}

// DecisionRequest carries the staff member approving or cancelling.
type DecisionRequest struct {
	Actor string `json:"actor"`
}

// =============================================================================
// EXPIRY
// =============================================================================

// SweepRequest optionally pins the sweep clock. Zero means now.
type SweepRequest struct {
	AsOf *time.Time `json:"as_of"`
}

type SweepRunDTO struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AsOf          time.Time  `json:"as_of"`
	PointsExpired int64      `json:"points_expired"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toCustomerDTO(c *loyalty.Customer) CustomerDTO {
	return CustomerDTO{
		ID:                     string(c.ID),
		Name:                   c.Name,
		Email:                  c.Email,
		Phone:                  c.Phone,
		Tier:                   string(c.Tier),
		Balance:                c.Balance,
		LifetimeSpend:          c.LifetimeSpend,
		VisitCount:             c.VisitCount,
		LifetimePointsEarned:   c.LifetimePointsEarned,
		LifetimePointsRedeemed: c.LifetimePointsRedeemed,
		LifetimePointsExpired:  c.LifetimePointsExpired,
		LastVisit:              c.LastVisit,
		Active:                 c.Active,
		EnrolledAt:             c.EnrolledAt,
	}
}

func toEntryDTO(e *loyalty.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		Seq:           e.Seq,
		CustomerID:    string(e.CustomerID),
		Kind:          string(e.Kind),
		Delta:         e.Delta,
		InvoiceID:     e.InvoiceID,
		InvoiceAmount: e.InvoiceAmount,
		Description:   e.Description,
		ExpiresAt:     e.ExpiresAt,
		ReferenceID:   e.ReferenceID,
		CreatedAt:     e.CreatedAt,
		CreatedBy:     e.CreatedBy,
	}
}

func toRedemptionDTO(r *loyalty.RedemptionRequest) RedemptionDTO {
	return RedemptionDTO{
		ID:          string(r.ID),
		CustomerID:  string(r.CustomerID),
		RewardID:    string(r.RewardID),
		Type:        string(r.Type),
		Points:      r.Points,
		CashValue:   r.CashValue,
		Status:      string(r.Status),
		InvoiceID:   r.InvoiceID,
		CreatedAt:   r.CreatedAt,
		ApprovedAt:  r.ApprovedAt,
		ApprovedBy:  r.ApprovedBy,
		CancelledAt: r.CancelledAt,
		CancelledBy: r.CancelledBy,
	}
}

func toSweepRunDTO(r *loyalty.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:            r.ID,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		AsOf:          r.AsOf,
		PointsExpired: r.PointsExpired,
		Status:        r.Status,
		Error:         r.Error,
	}
}

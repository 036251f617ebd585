/*
Package loyalty provides the customer loyalty and rewards engine.

PURPOSE:
  Tracks loyalty points for the customers of a single tenant. Purchases earn
  points, points are redeemed for cash discounts or catalog rewards, and
  unspent grants expire after a configurable horizon. Every change to a
  customer's points is an immutable ledger entry.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: Profile record with spend totals and the cached point balance
  - LedgerEntry: An immutable, signed point delta
  - Reward: A catalog item redeemable for points
  - RedemptionRequest: A two-phase request to spend points

CENTRAL INVARIANT:
  Customer.Balance == sum(LedgerEntry.Delta) for that customer, at all times.
  The ledger write and the balance update share one store transaction, so
  there is never a moment where one is visible without the other.

USAGE:
  engine := loyalty.New(store.NewTxMemory())
  cust, _ := engine.Directory.Enroll(ctx, loyalty.Profile{Name: "Ada"})
  entry, _ := engine.Directory.RecordPurchase(ctx, cust.ID, "inv-1", decimal.NewFromInt(250))

SEE ALSO:
  - ledger.go: Append primitive and reconciliation
  - redemption.go: Request/approve/cancel state machine
  - expiry.go: Expiry reaper
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type EntryID string
type RewardID string
type RequestID string

// =============================================================================
// TIERS
// =============================================================================

// Tier is a named customer segment unlocked by lifetime spend.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// =============================================================================
// CUSTOMER
// =============================================================================

// Profile is the caller-supplied part of a customer record.
type Profile struct {
	ID    CustomerID
	Name  string
	Email string
	Phone string
}

type Customer struct {
	ID    CustomerID
	Name  string
	Email string
	Phone string

	// Spend and visits. LifetimeSpend never decreases.
	LifetimeSpend decimal.Decimal
	VisitCount    int
	Tier          Tier

	// Point totals. Balance is the cached sum of the customer's ledger.
	LifetimePointsEarned   int64
	LifetimePointsRedeemed int64
	LifetimePointsExpired  int64
	Balance                int64

	LastVisit  *time.Time
	Active     bool
	EnrolledAt time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable point delta
// =============================================================================

type EntryKind string

const (
	EntryEarned     EntryKind = "earned"     // Points from a purchase
	EntryRedeemed   EntryKind = "redeemed"   // Points spent on an approved redemption
	EntryExpired    EntryKind = "expired"    // Compensation for an aged grant
	EntryBonus      EntryKind = "bonus"      // Welcome or promotional grant
	EntryAdjustment EntryKind = "adjustment" // Manual correction by staff
)

// Valid reports whether k is one of the known entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryEarned, EntryRedeemed, EntryExpired, EntryBonus, EntryAdjustment:
		return true
	}
	return false
}

// IsGrant reports whether entries of this kind can carry an expiry date.
func (k EntryKind) IsGrant() bool {
	return k == EntryEarned || k == EntryBonus
}

type LedgerEntry struct {
	ID         EntryID
	Seq        int64 // Store-assigned append order
	CustomerID CustomerID
	Kind       EntryKind
	Delta      int64

	InvoiceID     string
	InvoiceAmount *decimal.Decimal
	Description   string

	// ExpiresAt is set only on positive earned/bonus entries when the
	// tenant has a non-zero expiry horizon.
	ExpiresAt *time.Time

	// ReferenceID links redeemed entries to their request and expired
	// entries to the grant they compensate.
	ReferenceID    string
	IdempotencyKey string

	CreatedAt time.Time
	CreatedBy string
}

// EntryMeta carries the optional fields of a ledger append.
type EntryMeta struct {
	InvoiceID      string
	InvoiceAmount  *decimal.Decimal
	Description    string
	ReferenceID    string
	IdempotencyKey string
	Actor          string
}

// =============================================================================
// REWARD
// =============================================================================

type EffectType string

const (
	EffectPercentageDiscount EffectType = "percentage_discount"
	EffectFixedDiscount      EffectType = "fixed_discount"
	EffectFreeItem           EffectType = "free_item"
	EffectCashback           EffectType = "cashback"
)

func (e EffectType) Valid() bool {
	switch e {
	case EffectPercentageDiscount, EffectFixedDiscount, EffectFreeItem, EffectCashback:
		return true
	}
	return false
}

type Reward struct {
	ID          RewardID
	Title       string
	Description string
	PointCost   int64
	EffectType  EffectType
	EffectValue decimal.Decimal

	// ApplicableTiers restricts the reward to these tiers. Empty means all.
	ApplicableTiers []Tier

	ValidFrom  *time.Time
	ValidUntil *time.Time

	// UsageLimit of 0 means unlimited.
	UsageLimit int
	UsageCount int
	Active     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InWindow reports whether at falls inside the reward's validity window.
func (r *Reward) InWindow(at time.Time) bool {
	if r.ValidFrom != nil && at.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && at.After(*r.ValidUntil) {
		return false
	}
	return true
}

// Exhausted reports whether the usage limit has been reached.
func (r *Reward) Exhausted() bool {
	return r.UsageLimit > 0 && r.UsageCount >= r.UsageLimit
}

// AppliesTo reports whether customers of the given tier may redeem the reward.
func (r *Reward) AppliesTo(t Tier) bool {
	if len(r.ApplicableTiers) == 0 {
		return true
	}
	for _, at := range r.ApplicableTiers {
		if at == t {
			return true
		}
	}
	return false
}

// =============================================================================
// REDEMPTION REQUEST
// =============================================================================

type RedemptionType string

const (
	RedemptionCashDiscount RedemptionType = "cash_discount"
	RedemptionReward       RedemptionType = "reward_redemption"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRedeemed  RequestStatus = "redeemed" // Never produced; approval settles
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

type RedemptionRequest struct {
	ID         RequestID
	CustomerID CustomerID
	RewardID   RewardID // Empty for cash discounts
	Type       RedemptionType
	Points     int64
	CashValue  decimal.Decimal
	Status     RequestStatus
	InvoiceID  string

	CreatedAt   time.Time
	ApprovedAt  *time.Time
	ApprovedBy  string
	CancelledAt *time.Time
	CancelledBy string
}

// RedemptionInput is the caller's side of Workflow.Request.
type RedemptionInput struct {
	CustomerID CustomerID
	Points     int64
	Type       RedemptionType
	RewardID   RewardID
	InvoiceID  string
}

// =============================================================================
// SWEEP RUN - Audit record of one expiry sweep
// =============================================================================

type SweepRun struct {
	ID            string
	StartedAt     time.Time
	CompletedAt   *time.Time
	AsOf          time.Time
	PointsExpired int64
	Status        string // "running", "completed", "failed"
	Error         string
}

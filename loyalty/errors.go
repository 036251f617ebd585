/*
errors.go - Error taxonomy for the loyalty engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels and use errors.As on the structured types to read supporting
  data (current balance, minimum, ineligibility reason).

ERROR CATEGORIES:
  1. Validation - InvalidConfig, BelowMinimum, InsufficientPoints, RewardIneligible
  2. Lookup     - CustomerNotFound, RewardNotFound, RequestNotFound
  3. State      - RequestNotPending, CustomerInactive, DuplicateIdempotencyKey
  4. Storage    - PersistenceFailure (never retried by the engine)
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidConfig      = errors.New("invalid loyalty config")
	ErrCustomerNotFound   = errors.New("customer not found")
	ErrCustomerExists     = errors.New("customer already enrolled")
	ErrCustomerInactive   = errors.New("customer is inactive")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrBelowMinimum       = errors.New("points below redemption minimum")
	ErrRewardIneligible   = errors.New("reward not redeemable")
	ErrRewardNotFound     = errors.New("reward not found")
	ErrInvalidReward      = errors.New("invalid reward")
	ErrRequestNotFound    = errors.New("redemption request not found")
	ErrRequestNotPending  = errors.New("redemption request is not pending")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidEntryKind   = errors.New("invalid ledger entry kind")
	ErrInvalidProfile     = errors.New("invalid customer profile")
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrDuplicateIdempotencyKey is returned by stores when an entry with the
	// same idempotency key already exists (e.g. an invoice credited twice).
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidConfigError names the offending config field.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid loyalty config: %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// InsufficientPointsError carries the balance seen at validation time.
type InsufficientPointsError struct {
	CustomerID CustomerID
	Available  int64
	Requested  int64
}

func (e *InsufficientPointsError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

type BelowMinimumError struct {
	Requested int64
	Minimum   int64
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("points below redemption minimum: requested %d, minimum %d", e.Requested, e.Minimum)
}

func (e *BelowMinimumError) Unwrap() error { return ErrBelowMinimum }

// RewardIneligibleError explains why a reward cannot be redeemed.
type RewardIneligibleError struct {
	RewardID RewardID
	Reason   string
}

func (e *RewardIneligibleError) Error() string {
	return fmt.Sprintf("reward %s not redeemable: %s", e.RewardID, e.Reason)
}

func (e *RewardIneligibleError) Unwrap() error { return ErrRewardIneligible }

type RequestNotPendingError struct {
	RequestID RequestID
	Status    RequestStatus
}

func (e *RequestNotPendingError) Error() string {
	return fmt.Sprintf("redemption request %s is %s, not pending", e.RequestID, e.Status)
}

func (e *RequestNotPendingError) Unwrap() error { return ErrRequestNotPending }

// PersistenceError wraps a storage fault. It matches both
// ErrPersistenceFailure and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistenceFailure }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// domainErr reports whether err already belongs to the engine's taxonomy.
func domainErr(err error) bool {
	return IsClientError(err) || IsNotFound(err) ||
		errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrCustomerExists) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// persistErr maps a raw store error to PersistenceError, leaving domain
// errors untouched.
func persistErr(op string, err error) error {
	if err == nil || domainErr(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsClientError returns true if the error is due to invalid caller input or
// a business rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrRewardIneligible) ||
		errors.Is(err, ErrRequestNotPending) ||
		errors.Is(err, ErrCustomerInactive) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidEntryKind) ||
		errors.Is(err, ErrInvalidProfile) ||
		errors.Is(err, ErrInvalidReward)
}

// isRejection reports whether err is a business rule turning a redemption
// down, as opposed to a conflict or an infrastructure failure.
func isRejection(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrRewardIneligible) ||
		errors.Is(err, ErrCustomerInactive)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrRequestNotFound)
}

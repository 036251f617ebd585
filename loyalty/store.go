/*
store.go - Persistence interface for the loyalty engine

PURPOSE:
  Defines the boundary between engine logic and storage. Any backing store
  (SQLite, in-memory map) satisfies the engine as long as WithTx is atomic:
  every write made through the Store handed to fn becomes visible together
  or not at all.

APPEND-ONLY CONTRACT:
  Ledger entries have AppendEntry and reads only. There is no update or
  delete for entries. Customers, rewards and requests are mutable records,
  but the engine only mutates them inside the same transaction as the
  ledger entry that justifies the change.

ORDERING:
  AppendEntry assigns LedgerEntry.Seq. Entries returns a customer's entries
  in ascending Seq order (oldest first).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, tenant scoped
  - loyalty/store/memory.go: In-memory for tests and dev
*/
package loyalty

import (
	"context"
	"time"
)

// Store handles persistence of loyalty records for a single tenant.
type Store interface {
	// Config. GetConfig returns (nil, nil) when nothing was saved yet.
	GetConfig(ctx context.Context) (*Config, error)
	SaveConfig(ctx context.Context, cfg Config) error

	// Customers. GetCustomer returns ErrCustomerNotFound for unknown ids.
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	SaveCustomer(ctx context.Context, c Customer) error
	ListCustomers(ctx context.Context) ([]Customer, error)

	// Ledger. AppendEntry returns ErrDuplicateIdempotencyKey when the key
	// is already taken.
	AppendEntry(ctx context.Context, e *LedgerEntry) error
	Entries(ctx context.Context, customerID CustomerID) ([]LedgerEntry, error)
	// CustomersWithGrantsExpiringBefore lists customers holding at least one
	// grant whose ExpiresAt is before t.
	CustomersWithGrantsExpiringBefore(ctx context.Context, t time.Time) ([]CustomerID, error)

	// Rewards. GetReward returns ErrRewardNotFound for unknown ids.
	GetReward(ctx context.Context, id RewardID) (*Reward, error)
	SaveReward(ctx context.Context, r Reward) error
	ListRewards(ctx context.Context) ([]Reward, error)

	// Redemption requests. GetRequest returns ErrRequestNotFound.
	GetRequest(ctx context.Context, id RequestID) (*RedemptionRequest, error)
	SaveRequest(ctx context.Context, r RedemptionRequest) error
	// ListRequests filters by status; empty status returns all.
	ListRequests(ctx context.Context, status RequestStatus) ([]RedemptionRequest, error)

	// Sweep runs
	SaveSweepRun(ctx context.Context, run SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is
	// rolled back. If fn returns nil, all of them are committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

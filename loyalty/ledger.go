/*
ledger.go - Append-only points ledger

PURPOSE:
  The ledger is the source of truth for every customer's points. Each
  earn, redemption, expiry, bonus and adjustment is one immutable entry.
  The customer's Balance field is a cache of the ledger sum, and it is
  updated in the SAME store transaction as the entry write.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No update, no delete. Corrections are new entries.
  2. RECONCILED: Customer.Balance == sum(entry.Delta), checked by Reconcile
  3. NON-NEGATIVE: No append may take the balance below zero
  4. SERIALIZED: Appends for one customer hold that customer's lock

EXAMPLE FLOW:
  1. Purchase of 1000 at rate 1: earned +1000    balance 1000
  2. Redemption approved:         redeemed -200   balance 800
  3. Grant ages past horizon:     expired -800    balance 0

SEE ALSO:
  - store.go: TxStore, the atomic boundary
  - expiry.go: FIFO expiry built on the same append primitive
*/
package loyalty

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Ledger appends point entries and answers balance questions.
type Ledger struct {
	*deps
}

// Append writes one entry for customerID and adjusts the cached balance in
// the same transaction. Positive earned/bonus entries get an expiry date
// when the tenant has an expiry horizon.
func (l *Ledger) Append(ctx context.Context, customerID CustomerID, kind EntryKind, delta int64, meta EntryMeta) (*LedgerEntry, error) {
	if err := checkDelta(kind, delta); err != nil {
		return nil, err
	}
	cfg, err := l.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(string(customerID))
	defer unlock()

	var entry *LedgerEntry
	err = l.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		entry, err = l.appendIn(ctx, s, c, cfg, kind, delta, meta)
		if err != nil {
			return err
		}
		return s.SaveCustomer(ctx, *c)
	})
	if err != nil {
		return nil, persistErr("append ledger entry", err)
	}

	l.metrics.entry(l.tenant, entry)
	return entry, nil
}

// checkDelta enforces the sign each entry kind may carry: grants add
// points, redemptions and expiries remove them, adjustments go either way.
func checkDelta(kind EntryKind, delta int64) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEntryKind, kind)
	}
	switch kind {
	case EntryEarned, EntryBonus:
		if delta <= 0 {
			return fmt.Errorf("%w: %s entry must be positive, got %d", ErrInvalidAmount, kind, delta)
		}
	case EntryRedeemed, EntryExpired:
		if delta >= 0 {
			return fmt.Errorf("%w: %s entry must be negative, got %d", ErrInvalidAmount, kind, delta)
		}
	case EntryAdjustment:
		if delta == 0 {
			return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
		}
	}
	return nil
}

// appendIn writes the entry through s and applies it to c. The caller owns
// the customer lock and must save c within the same transaction.
func (l *Ledger) appendIn(ctx context.Context, s Store, c *Customer, cfg *Config, kind EntryKind, delta int64, meta EntryMeta) (*LedgerEntry, error) {
	if delta > 0 && c.Balance > math.MaxInt64-delta {
		return nil, fmt.Errorf("%w: crediting %d points would overflow the balance", ErrInvalidAmount, delta)
	}
	if c.Balance+delta < 0 {
		return nil, &InsufficientPointsError{CustomerID: c.ID, Available: c.Balance, Requested: -delta}
	}

	now := l.now()
	actor := meta.Actor
	if actor == "" {
		actor = "system"
	}
	e := LedgerEntry{
		ID:             EntryID(uuid.NewString()),
		CustomerID:     c.ID,
		Kind:           kind,
		Delta:          delta,
		InvoiceID:      meta.InvoiceID,
		InvoiceAmount:  meta.InvoiceAmount,
		Description:    meta.Description,
		ReferenceID:    meta.ReferenceID,
		IdempotencyKey: meta.IdempotencyKey,
		CreatedAt:      now,
		CreatedBy:      actor,
	}
	if kind.IsGrant() && delta > 0 && cfg.ExpiryDays > 0 {
		exp := now.AddDate(0, 0, cfg.ExpiryDays)
		e.ExpiresAt = &exp
	}

	if err := s.AppendEntry(ctx, &e); err != nil {
		return nil, err
	}

	c.Balance += delta
	switch kind {
	case EntryEarned, EntryBonus:
		c.LifetimePointsEarned += delta
	case EntryRedeemed:
		c.LifetimePointsRedeemed -= delta
	case EntryExpired:
		c.LifetimePointsExpired -= delta
	}
	c.UpdatedAt = now
	return &e, nil
}

// BalanceOf returns the cached balance.
func (l *Ledger) BalanceOf(ctx context.Context, customerID CustomerID) (int64, error) {
	c, err := l.store.GetCustomer(ctx, customerID)
	if err != nil {
		return 0, persistErr("load customer", err)
	}
	return c.Balance, nil
}

// History returns the customer's entries, newest first. Every call reads
// the store again.
func (l *Ledger) History(ctx context.Context, customerID CustomerID) ([]LedgerEntry, error) {
	if _, err := l.store.GetCustomer(ctx, customerID); err != nil {
		return nil, persistErr("load customer", err)
	}
	entries, err := l.store.Entries(ctx, customerID)
	if err != nil {
		return nil, persistErr("load ledger", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Reconciliation compares the cached balance with the ledger sum.
type Reconciliation struct {
	CustomerID CustomerID
	Cached     int64
	LedgerSum  int64
	Entries    int
}

func (r *Reconciliation) Consistent() bool { return r.Cached == r.LedgerSum }

// Reconcile reads the customer and ledger under the customer lock, so the
// two values come from the same moment.
func (l *Ledger) Reconcile(ctx context.Context, customerID CustomerID) (*Reconciliation, error) {
	unlock := l.locks.Lock(string(customerID))
	defer unlock()

	c, err := l.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, persistErr("load customer", err)
	}
	entries, err := l.store.Entries(ctx, customerID)
	if err != nil {
		return nil, persistErr("load ledger", err)
	}

	rec := &Reconciliation{CustomerID: customerID, Cached: c.Balance, Entries: len(entries)}
	for _, e := range entries {
		rec.LedgerSum += e.Delta
	}
	if !rec.Consistent() {
		l.log.Error().
			Str("customer", string(customerID)).
			Int64("cached", rec.Cached).
			Int64("ledger", rec.LedgerSum).
			Msg("balance does not match ledger")
	}
	return rec, nil
}

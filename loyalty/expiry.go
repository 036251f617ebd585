/*
expiry.go - Expiry reaper

PURPOSE:
  Point grants (earned and bonus entries) carry an ExpiresAt. Once that
  instant has passed, whatever is left of the grant is taken back with an
  `expired` entry that references the grant's id.

FIFO LOT ACCOUNTING:
  The ledger is replayed in append order. Every positive entry opens a lot;
  every negative entry consumes lots oldest first. An expired entry that
  references a grant consumes that grant's lot directly and marks it
  compensated.

    earned +500 (lot A, expires day 30)
    earned +300 (lot B, expires day 60)
    redeemed -600        A: 0  B: 200
    sweep(day 31)        A has nothing left, no entry
    sweep(day 61)        expired -200 ref=B

IDEMPOTENCE:
  "Already compensated" comes from the ledger itself, so a second sweep for
  the same instant finds nothing to do. The `expire:<grant id>` idempotency
  key backs this up at the store level.

  Each customer's batch is one transaction. A sweep interrupted between
  customers leaves the rest for the next run.
*/
package loyalty

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Reaper expires aged point grants.
type Reaper struct {
	*deps
	ledger *Ledger
}

// Sweep expires every grant whose ExpiresAt is before now and returns the
// total points expired. Customers are processed in parallel up to the
// configured worker count.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cfg, err := r.loadConfig(ctx)
	if err != nil {
		return 0, err
	}
	candidates, err := r.store.CustomersWithGrantsExpiringBefore(ctx, now)
	if err != nil {
		return 0, persistErr("find expiring grants", err)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, id := range candidates {
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			n, err := r.sweepCustomer(gctx, id, cfg, now)
			if err != nil {
				return fmt.Errorf("customer %s: %w", id, err)
			}
			total.Add(n)
			return nil
		})
	}
	err = g.Wait()

	r.metrics.sweep()
	r.log.Info().
		Time("as_of", now).
		Int("customers", len(candidates)).
		Int64("expired", total.Load()).
		Err(err).
		Msg("expiry sweep finished")
	return total.Load(), err
}

func (r *Reaper) sweepCustomer(ctx context.Context, id CustomerID, cfg *Config, now time.Time) (int64, error) {
	unlock := r.locks.Lock(string(id))
	defer unlock()

	var written []*LedgerEntry
	err := r.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		entries, err := s.Entries(ctx, id)
		if err != nil {
			return err
		}

		for _, grant := range planExpiry(entries, now) {
			amount := grant.remaining
			if amount > c.Balance {
				amount = c.Balance
			}
			if amount <= 0 {
				continue
			}
			e, err := r.ledger.appendIn(ctx, s, c, cfg, EntryExpired, -amount, EntryMeta{
				Description:    fmt.Sprintf("Points expired from grant of %s", grant.createdAt.Format("2006-01-02")),
				ReferenceID:    string(grant.id),
				IdempotencyKey: "expire:" + string(grant.id),
			})
			if err != nil {
				return err
			}
			written = append(written, e)
		}
		if len(written) == 0 {
			return nil
		}
		return s.SaveCustomer(ctx, *c)
	})
	if err != nil {
		return 0, persistErr("expire points", err)
	}

	var sum int64
	for _, e := range written {
		r.metrics.entry(r.tenant, e)
		sum -= e.Delta
	}
	if sum > 0 {
		r.log.Debug().Str("customer", string(id)).Int64("points", sum).Int("grants", len(written)).Msg("points expired")
		r.notify(ctx, Event{
			Type:       EventPointsExpired,
			CustomerID: id,
			Message:    fmt.Sprintf("%d points expired", sum),
			Points:     sum,
		})
	}
	return sum, nil
}

// lot is what is left of one positive ledger entry.
type lot struct {
	id          EntryID
	createdAt   time.Time
	expiresAt   *time.Time
	remaining   int64
	compensated bool
}

// planExpiry replays entries (ascending by Seq) and returns the lots that
// have expired before now, still hold points and were never compensated.
func planExpiry(entries []LedgerEntry, now time.Time) []lot {
	lots := make([]*lot, 0, len(entries))
	byID := make(map[EntryID]*lot)

	consume := func(n int64) {
		for _, l := range lots {
			if n == 0 {
				return
			}
			take := l.remaining
			if take > n {
				take = n
			}
			l.remaining -= take
			n -= take
		}
	}

	for _, e := range entries {
		switch {
		case e.Delta > 0:
			l := &lot{id: e.ID, createdAt: e.CreatedAt, remaining: e.Delta}
			if e.Kind.IsGrant() {
				l.expiresAt = e.ExpiresAt
			}
			lots = append(lots, l)
			byID[e.ID] = l
		case e.Kind == EntryExpired && e.ReferenceID != "":
			n := -e.Delta
			if l, ok := byID[EntryID(e.ReferenceID)]; ok {
				take := l.remaining
				if take > n {
					take = n
				}
				l.remaining -= take
				l.compensated = true
				n -= take
			}
			consume(n)
		case e.Delta < 0:
			consume(-e.Delta)
		}
	}

	var due []lot
	for _, l := range lots {
		if l.expiresAt == nil || !l.expiresAt.Before(now) || l.compensated {
			continue
		}
		due = append(due, *l)
	}
	return due
}

// Run wraps Sweep with a persisted SweepRun record. The returned run is
// saved even when the sweep fails.
func (r *Reaper) Run(ctx context.Context, now time.Time) (*SweepRun, error) {
	run := SweepRun{
		ID:        uuid.NewString(),
		StartedAt: r.now(),
		AsOf:      now,
		Status:    "running",
	}

	expired, sweepErr := r.Sweep(ctx, now)

	completed := r.now()
	run.CompletedAt = &completed
	run.PointsExpired = expired
	run.Status = "completed"
	if sweepErr != nil {
		run.Status = "failed"
		run.Error = sweepErr.Error()
	}

	// A cancelled ctx must not stop the record from being written.
	if err := r.store.SaveSweepRun(context.WithoutCancel(ctx), run); err != nil {
		return &run, persistErr("save sweep run", err)
	}
	return &run, sweepErr
}

// Runs returns the most recent sweep runs, newest first.
func (r *Reaper) Runs(ctx context.Context, limit int) ([]SweepRun, error) {
	runs, err := r.store.ListSweepRuns(ctx, limit)
	if err != nil {
		return nil, persistErr("list sweep runs", err)
	}
	return runs, nil
}

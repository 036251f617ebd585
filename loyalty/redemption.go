/*
redemption.go - Two-phase redemption workflow

PURPOSE:
  Customers ask to spend points; staff approve or cancel. Nothing is
  deducted at request time. Points are reserved only logically, so the
  ledger stays the single source of truth.

STATE MACHINE:

    pending ──approve──▶ approved   (terminal success, ledger debited)
       │
       └────cancel────▶ cancelled  (terminal failure, no ledger effect)

  A request never leaves a terminal state.

DOUBLE VALIDATION:
  The balance may be spent elsewhere between request and approval (another
  approved redemption, an expiry sweep). The request-time check is a
  courtesy; the approval-time check, made inside the transaction under the
  customer lock, is the correctness boundary.

SEE ALSO:
  - ledger.go: appendIn, which refuses to go below zero
  - catalog.go: checkEligible
*/
package loyalty

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Workflow runs redemption requests through their lifecycle.
type Workflow struct {
	*deps
	ledger  *Ledger
	catalog *Catalog
}

// Request validates and stores a pending redemption. For a reward
// redemption Points may be left zero and defaults to the reward's cost.
func (w *Workflow) Request(ctx context.Context, in RedemptionInput) (*RedemptionRequest, error) {
	cfg, err := w.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	c, err := w.store.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, persistErr("load customer", err)
	}
	if !c.Active {
		return nil, ErrCustomerInactive
	}

	var reward *Reward
	switch {
	case in.RewardID != "":
		if in.Type != "" && in.Type != RedemptionReward {
			return nil, fmt.Errorf("%w: %s redemption cannot name a reward", ErrInvalidReward, in.Type)
		}
		in.Type = RedemptionReward
		if reward, err = w.catalog.Get(ctx, in.RewardID); err != nil {
			return nil, err
		}
		if in.Points == 0 {
			in.Points = reward.PointCost
		}
	case in.Type == RedemptionReward:
		return nil, fmt.Errorf("%w: reward id is required", ErrInvalidReward)
	case in.Type == "":
		in.Type = RedemptionCashDiscount
	case in.Type != RedemptionCashDiscount:
		return nil, fmt.Errorf("%w: unknown redemption type %q", ErrInvalidAmount, in.Type)
	}

	if in.Points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", ErrInvalidAmount)
	}
	if in.Points < cfg.MinPointsToRedeem {
		w.metrics.redemption(w.tenant, "rejected")
		return nil, &BelowMinimumError{Requested: in.Points, Minimum: cfg.MinPointsToRedeem}
	}
	if in.Points > c.Balance {
		w.metrics.redemption(w.tenant, "rejected")
		return nil, &InsufficientPointsError{CustomerID: c.ID, Available: c.Balance, Requested: in.Points}
	}
	if reward != nil {
		if err := checkEligible(reward, c, w.now()); err != nil {
			w.metrics.redemption(w.tenant, "rejected")
			return nil, err
		}
		if in.Points != reward.PointCost {
			return nil, &RewardIneligibleError{
				RewardID: reward.ID,
				Reason:   fmt.Sprintf("reward costs %d points, %d requested", reward.PointCost, in.Points),
			}
		}
	}

	req := RedemptionRequest{
		ID:         RequestID(uuid.NewString()),
		CustomerID: c.ID,
		RewardID:   in.RewardID,
		Type:       in.Type,
		Points:     in.Points,
		CashValue:  cashValue(in.Points, cfg),
		Status:     RequestPending,
		InvoiceID:  in.InvoiceID,
		CreatedAt:  w.now(),
	}
	if err := w.store.SaveRequest(ctx, req); err != nil {
		return nil, persistErr("save redemption request", err)
	}

	w.metrics.redemption(w.tenant, "requested")
	w.notify(ctx, Event{
		Type:       EventRedemptionRequested,
		CustomerID: c.ID,
		Message:    fmt.Sprintf("Redemption of %d points requested", req.Points),
		Points:     req.Points,
		Reference:  string(req.ID),
	})
	return &req, nil
}

// Approve debits the ledger and settles the request in one transaction.
// Balance and reward eligibility are checked again against current state.
func (w *Workflow) Approve(ctx context.Context, id RequestID, approverID string) (*RedemptionRequest, error) {
	pre, err := w.store.GetRequest(ctx, id)
	if err != nil {
		return nil, persistErr("load redemption request", err)
	}
	if pre.Status != RequestPending {
		return nil, &RequestNotPendingError{RequestID: id, Status: pre.Status}
	}
	cfg, err := w.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	unlock := w.locks.Lock(string(pre.CustomerID))
	defer unlock()

	var (
		out   RedemptionRequest
		entry *LedgerEntry
		title string
	)
	err = w.store.WithTx(ctx, func(s Store) error {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return &RequestNotPendingError{RequestID: id, Status: req.Status}
		}
		c, err := s.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if !c.Active {
			return ErrCustomerInactive
		}
		if req.Points > c.Balance {
			return &InsufficientPointsError{CustomerID: c.ID, Available: c.Balance, Requested: req.Points}
		}

		desc := "Points redeemed for cash discount"
		if req.RewardID != "" {
			r, err := s.GetReward(ctx, req.RewardID)
			if err != nil {
				return err
			}
			if err := checkEligible(r, c, w.now()); err != nil {
				return err
			}
			r.UsageCount++
			r.UpdatedAt = w.now()
			if err := s.SaveReward(ctx, *r); err != nil {
				return err
			}
			title = r.Title
			desc = "Points redeemed for reward: " + r.Title
		}

		entry, err = w.ledger.appendIn(ctx, s, c, cfg, EntryRedeemed, -req.Points, EntryMeta{
			InvoiceID:      req.InvoiceID,
			Description:    desc,
			ReferenceID:    string(req.ID),
			IdempotencyKey: "redeem:" + string(req.ID),
			Actor:          approverID,
		})
		if err != nil {
			return err
		}
		if err := s.SaveCustomer(ctx, *c); err != nil {
			return err
		}

		now := w.now()
		req.Status = RequestApproved
		req.ApprovedAt = &now
		req.ApprovedBy = approverID
		out = *req
		return s.SaveRequest(ctx, *req)
	})
	if err != nil {
		if isRejection(err) {
			w.metrics.redemption(w.tenant, "rejected")
		}
		return nil, persistErr("approve redemption", err)
	}

	w.metrics.entry(w.tenant, entry)
	w.metrics.redemption(w.tenant, "approved")
	w.log.Info().
		Str("request", string(id)).
		Str("customer", string(out.CustomerID)).
		Str("approver", approverID).
		Int64("points", out.Points).
		Msg("redemption approved")

	msg := "Points redeemed for cash discount"
	if title != "" {
		msg = "Points redeemed for reward: " + title
	}
	w.notify(ctx, Event{
		Type:       EventRedemptionApproved,
		CustomerID: out.CustomerID,
		Message:    msg,
		Points:     out.Points,
		Reference:  string(out.ID),
	})
	return &out, nil
}

// Cancel closes a pending request. Nothing was deducted, so the ledger is
// left alone.
func (w *Workflow) Cancel(ctx context.Context, id RequestID, actor string) (*RedemptionRequest, error) {
	var out RedemptionRequest
	err := w.store.WithTx(ctx, func(s Store) error {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return &RequestNotPendingError{RequestID: id, Status: req.Status}
		}
		now := w.now()
		req.Status = RequestCancelled
		req.CancelledAt = &now
		req.CancelledBy = actor
		out = *req
		return s.SaveRequest(ctx, *req)
	})
	if err != nil {
		return nil, persistErr("cancel redemption", err)
	}

	w.metrics.redemption(w.tenant, "cancelled")
	w.notify(ctx, Event{
		Type:       EventRedemptionCancelled,
		CustomerID: out.CustomerID,
		Message:    fmt.Sprintf("Redemption of %d points cancelled", out.Points),
		Points:     out.Points,
		Reference:  string(out.ID),
	})
	return &out, nil
}

func (w *Workflow) Get(ctx context.Context, id RequestID) (*RedemptionRequest, error) {
	req, err := w.store.GetRequest(ctx, id)
	if err != nil {
		return nil, persistErr("load redemption request", err)
	}
	return req, nil
}

// List returns requests with the given status, oldest first. An empty
// status returns all of them.
func (w *Workflow) List(ctx context.Context, status RequestStatus) ([]RedemptionRequest, error) {
	reqs, err := w.store.ListRequests(ctx, status)
	if err != nil {
		return nil, persistErr("list redemption requests", err)
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs, nil
}

func cashValue(points int64, cfg *Config) decimal.Decimal {
	return decimal.NewFromInt(points).Mul(cfg.RedemptionRate)
}

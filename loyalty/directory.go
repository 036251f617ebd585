/*
directory.go - Customer records kept consistent with the ledger

PURPOSE:
  Owns the customer profile: lifetime spend, visit count, tier and the
  cached balance. Every mutation that touches points goes through the
  ledger's append primitive inside the same store transaction, so a
  purchase either lands completely (entry, spend, visits, tier, last
  visit) or not at all.

EARNING FORMULA:
  points = floor(amount * EarningRate * MultiplierFor(current tier))

  The multiplier of the tier held BEFORE the purchase applies; the tier is
  recomputed afterwards from the new lifetime spend.

SEE ALSO:
  - ledger.go: appendIn
  - tier.go: TierFor
*/
package loyalty

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Directory manages customer records.
type Directory struct {
	*deps
	ledger *Ledger
}

// Enroll creates a customer at the base tier. A configured welcome bonus is
// credited in the same transaction as the customer record.
func (d *Directory) Enroll(ctx context.Context, p Profile) (*Customer, error) {
	cfg, err := d.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: customer name is required", ErrInvalidProfile)
	}
	if p.ID == "" {
		p.ID = CustomerID(uuid.NewString())
	}

	unlock := d.locks.Lock(string(p.ID))
	defer unlock()

	now := d.now()
	c := Customer{
		ID:            p.ID,
		Name:          p.Name,
		Email:         p.Email,
		Phone:         p.Phone,
		LifetimeSpend: decimal.Zero,
		Tier:          cfg.BaseTier(),
		Active:        true,
		EnrolledAt:    now,
		UpdatedAt:     now,
	}

	var bonus *LedgerEntry
	err = d.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetCustomer(ctx, c.ID); err == nil {
			return ErrCustomerExists
		} else if !IsNotFound(err) {
			return err
		}
		if err := s.SaveCustomer(ctx, c); err != nil {
			return err
		}
		if cfg.WelcomeBonus > 0 {
			bonus, err = d.ledger.appendIn(ctx, s, &c, cfg, EntryBonus, cfg.WelcomeBonus, EntryMeta{
				Description:    "Welcome bonus",
				IdempotencyKey: "welcome:" + string(c.ID),
			})
			if err != nil {
				return err
			}
			return s.SaveCustomer(ctx, c)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("enroll customer", err)
	}

	d.log.Info().Str("customer", string(c.ID)).Str("tier", string(c.Tier)).Msg("customer enrolled")
	if bonus != nil {
		d.metrics.entry(d.tenant, bonus)
		d.notify(ctx, Event{
			Type:       EventWelcomeBonus,
			CustomerID: c.ID,
			Message:    fmt.Sprintf("Welcome bonus of %d points credited", bonus.Delta),
			Points:     bonus.Delta,
			Reference:  string(bonus.ID),
		})
	}
	return &c, nil
}

// RecordPurchase credits the points for a completed sale and rolls the
// spend into the customer's tier. An invoice is credited at most once.
func (d *Directory) RecordPurchase(ctx context.Context, id CustomerID, invoiceID string, amount decimal.Decimal) (*LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: purchase amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	cfg, err := d.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(string(id))
	defer unlock()

	var (
		entry    *LedgerEntry
		fromTier Tier
		after    Customer
	)
	err = d.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		if !c.Active {
			return ErrCustomerInactive
		}
		fromTier = c.Tier

		points, ok := wholePoints(amount.Mul(cfg.EarningRate).Mul(cfg.MultiplierFor(c.Tier)))
		if !ok {
			return fmt.Errorf("%w: purchase of %s earns more points than a balance can hold", ErrInvalidAmount, amount)
		}
		meta := EntryMeta{
			InvoiceID:     invoiceID,
			InvoiceAmount: &amount,
			Description:   fmt.Sprintf("Points earned on purchase of %s", amount.StringFixed(2)),
		}
		if invoiceID != "" {
			meta.IdempotencyKey = "purchase:" + invoiceID
		}
		entry, err = d.ledger.appendIn(ctx, s, c, cfg, EntryEarned, points, meta)
		if err != nil {
			return err
		}

		now := d.now()
		c.LifetimeSpend = c.LifetimeSpend.Add(amount)
		c.VisitCount++
		c.Tier = TierFor(c.LifetimeSpend, cfg)
		c.LastVisit = &now
		c.UpdatedAt = now
		after = *c
		return s.SaveCustomer(ctx, *c)
	})
	if err != nil {
		return nil, persistErr("record purchase", err)
	}

	d.metrics.entry(d.tenant, entry)
	d.log.Debug().
		Str("customer", string(id)).
		Str("invoice", invoiceID).
		Int64("points", entry.Delta).
		Msg("purchase recorded")
	d.notify(ctx, Event{
		Type:       EventPointsEarned,
		CustomerID: id,
		Message:    fmt.Sprintf("%d points earned on purchase of %s", entry.Delta, amount.StringFixed(2)),
		Points:     entry.Delta,
		Reference:  invoiceID,
	})
	if after.Tier != fromTier {
		verb := "upgraded"
		if tierRank(after.Tier, cfg) < tierRank(fromTier, cfg) {
			verb = "moved"
		}
		d.notify(ctx, Event{
			Type:       EventTierChanged,
			CustomerID: id,
			Message:    fmt.Sprintf("Tier %s from %s to %s", verb, fromTier, after.Tier),
			Reference:  string(after.Tier),
		})
	}
	return entry, nil
}

// MaxRedeemableFor caps the points that may be put toward a bill:
// min(balance, floor(bill * MaxRedemptionPercent / 100 / RedemptionRate)).
func (d *Directory) MaxRedeemableFor(ctx context.Context, id CustomerID, bill decimal.Decimal) (int64, error) {
	cfg, err := d.loadConfig(ctx)
	if err != nil {
		return 0, err
	}
	c, err := d.store.GetCustomer(ctx, id)
	if err != nil {
		return 0, persistErr("load customer", err)
	}
	if !bill.IsPositive() || !cfg.RedemptionRate.IsPositive() {
		return 0, nil
	}

	limit, ok := wholePoints(bill.Mul(cfg.MaxRedemptionPercent).
		Div(decimal.NewFromInt(100)).
		Div(cfg.RedemptionRate))
	if !ok || c.Balance < limit {
		return c.Balance, nil
	}
	return limit, nil
}

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// wholePoints floors d to a point count. ok is false when the result does
// not fit in an int64.
func wholePoints(d decimal.Decimal) (points int64, ok bool) {
	f := d.Floor()
	if f.GreaterThan(maxPoints) {
		return 0, false
	}
	return f.IntPart(), true
}

// Adjust applies a manual correction. It cannot take the balance below
// zero.
func (d *Directory) Adjust(ctx context.Context, id CustomerID, delta int64, reason, actor string) (*LedgerEntry, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}
	if reason == "" {
		reason = "Manual adjustment"
	}
	entry, err := d.ledger.Append(ctx, id, EntryAdjustment, delta, EntryMeta{
		Description: reason,
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	d.notify(ctx, Event{
		Type:       EventPointsAdjusted,
		CustomerID: id,
		Message:    fmt.Sprintf("Points adjusted by %+d: %s", delta, reason),
		Points:     delta,
		Reference:  string(entry.ID),
	})
	return entry, nil
}

// Deactivate stops a customer from earning or redeeming. The record and
// its ledger are kept.
func (d *Directory) Deactivate(ctx context.Context, id CustomerID) (*Customer, error) {
	unlock := d.locks.Lock(string(id))
	defer unlock()

	var out Customer
	err := d.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		c.Active = false
		c.UpdatedAt = d.now()
		out = *c
		return s.SaveCustomer(ctx, *c)
	})
	if err != nil {
		return nil, persistErr("deactivate customer", err)
	}
	return &out, nil
}

func (d *Directory) Get(ctx context.Context, id CustomerID) (*Customer, error) {
	c, err := d.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, persistErr("load customer", err)
	}
	return c, nil
}

// List returns every customer ordered by name.
func (d *Directory) List(ctx context.Context) ([]Customer, error) {
	all, err := d.store.ListCustomers(ctx)
	if err != nil {
		return nil, persistErr("list customers", err)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

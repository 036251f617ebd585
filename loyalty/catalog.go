package loyalty

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Catalog holds the rewards a tenant offers. Reads are pure filters over
// the stored rewards and the customer's state.
type Catalog struct {
	*deps
}

// Create validates and stores a new reward. The usage counter always starts
// at zero.
func (c *Catalog) Create(ctx context.Context, r Reward) (*Reward, error) {
	if err := validateReward(&r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = RewardID(uuid.NewString())
	}
	now := c.now()
	r.UsageCount = 0
	r.Active = true
	r.CreatedAt = now
	r.UpdatedAt = now

	if _, err := c.store.GetReward(ctx, r.ID); err == nil {
		return nil, fmt.Errorf("%w: reward %s already exists", ErrInvalidReward, r.ID)
	} else if !IsNotFound(err) {
		return nil, persistErr("load reward", err)
	}
	if err := c.store.SaveReward(ctx, r); err != nil {
		return nil, persistErr("save reward", err)
	}
	c.log.Info().Str("reward", string(r.ID)).Str("title", r.Title).Int64("cost", r.PointCost).Msg("reward created")
	return &r, nil
}

func validateReward(r *Reward) error {
	switch {
	case strings.TrimSpace(r.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidReward)
	case r.PointCost <= 0:
		return fmt.Errorf("%w: point cost must be positive", ErrInvalidReward)
	case !r.EffectType.Valid():
		return fmt.Errorf("%w: unknown effect type %q", ErrInvalidReward, r.EffectType)
	case r.EffectValue.IsNegative():
		return fmt.Errorf("%w: effect value must be non-negative", ErrInvalidReward)
	case r.UsageLimit < 0:
		return fmt.Errorf("%w: usage limit must be non-negative", ErrInvalidReward)
	case r.ValidFrom != nil && r.ValidUntil != nil && r.ValidUntil.Before(*r.ValidFrom):
		return fmt.Errorf("%w: valid_until is before valid_from", ErrInvalidReward)
	}
	return nil
}

func (c *Catalog) Get(ctx context.Context, id RewardID) (*Reward, error) {
	r, err := c.store.GetReward(ctx, id)
	if err != nil {
		return nil, persistErr("load reward", err)
	}
	return r, nil
}

// All returns every reward, including inactive and exhausted ones.
func (c *Catalog) All(ctx context.Context) ([]Reward, error) {
	all, err := c.store.ListRewards(ctx)
	if err != nil {
		return nil, persistErr("list rewards", err)
	}
	sortRewards(all)
	return all, nil
}

// List returns the rewards that are switched on and inside their window.
func (c *Catalog) List(ctx context.Context) ([]Reward, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]Reward, 0, len(all))
	for _, r := range all {
		if r.Active && r.InWindow(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// EligibleFor returns the rewards the customer could redeem right now.
func (c *Catalog) EligibleFor(ctx context.Context, id CustomerID) ([]Reward, error) {
	cust, err := c.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, persistErr("load customer", err)
	}
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	if !cust.Active {
		return []Reward{}, nil
	}

	now := c.now()
	out := make([]Reward, 0, len(all))
	for i := range all {
		if checkEligible(&all[i], cust, now) != nil {
			continue
		}
		if all[i].PointCost > cust.Balance {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Deactivate switches a reward off. Pending requests against it fail at
// approval.
func (c *Catalog) Deactivate(ctx context.Context, id RewardID) (*Reward, error) {
	var out Reward
	err := c.store.WithTx(ctx, func(s Store) error {
		r, err := s.GetReward(ctx, id)
		if err != nil {
			return err
		}
		r.Active = false
		r.UpdatedAt = c.now()
		out = *r
		return s.SaveReward(ctx, *r)
	})
	if err != nil {
		return nil, persistErr("deactivate reward", err)
	}
	return &out, nil
}

// checkEligible ignores the point balance; callers check it separately so
// the right error kind surfaces.
func checkEligible(r *Reward, c *Customer, now time.Time) error {
	reason := ""
	switch {
	case !r.Active:
		reason = "reward is inactive"
	case !r.InWindow(now):
		reason = "outside validity window"
	case r.Exhausted():
		reason = "usage limit reached"
	case !r.AppliesTo(c.Tier):
		reason = fmt.Sprintf("tier %s not eligible", c.Tier)
	default:
		return nil
	}
	return &RewardIneligibleError{RewardID: r.ID, Reason: reason}
}

func sortRewards(rs []Reward) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].PointCost != rs[j].PointCost {
			return rs[i].PointCost < rs[j].PointCost
		}
		return rs[i].ID < rs[j].ID
	})
}

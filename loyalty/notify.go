package loyalty

import (
	"context"
	"time"
)

// EventType classifies a notification.
type EventType string

const (
	EventWelcomeBonus        EventType = "loyalty.welcome_bonus"
	EventPointsEarned        EventType = "loyalty.points_earned"
	EventTierChanged         EventType = "loyalty.tier_changed"
	EventPointsAdjusted      EventType = "loyalty.points_adjusted"
	EventRedemptionRequested EventType = "loyalty.redemption_requested"
	EventRedemptionApproved  EventType = "loyalty.redemption_approved"
	EventRedemptionCancelled EventType = "loyalty.redemption_cancelled"
	EventPointsExpired       EventType = "loyalty.points_expired"
)

// Event is a human-readable description of something the engine did.
type Event struct {
	Type       EventType  `json:"type"`
	Tenant     string     `json:"tenant"`
	CustomerID CustomerID `json:"customer_id"`
	Message    string     `json:"message"`
	Points     int64      `json:"points,omitempty"`
	Reference  string     `json:"reference,omitempty"`
	At         time.Time  `json:"at"`
}

// Notifier receives engine events. Delivery is fire-and-forget: the engine
// logs a failed Notify and carries on.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

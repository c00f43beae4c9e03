package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SubStatusActive   = "active"
	SubStatusPastDue  = "past_due"
	SubStatusCanceled = "canceled"
)

// Subscription is the authoritative record for one external subscription.
// One row per Stripe subscription ID; rows are never hard-deleted, status
// moves to canceled instead. Canceled is terminal: a new checkout creates a
// new row under its own Stripe ID.
type Subscription struct {
	gorm.Model
	StripeSubID      string `json:"stripe_subscription_id" gorm:"uniqueIndex;not null"`
	UserID           uint   `json:"user_id" gorm:"index;not null"`
	PlanID           string `json:"plan_id" gorm:"not null"`
	StripeCustomerID string `json:"stripe_customer_id"`
	Status           string `json:"status" gorm:"default:'active'"`

	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`

	// LastEventID is the provider event most recently applied to this row,
	// used to drop webhook re-deliveries.
	LastEventID string `json:"-"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

// EventLog keeps webhook events that were rejected for data-integrity
// reasons (missing plan context, unknown plan, event before checkout). They
// get a success response so the provider stops retrying; the row is the
// trail for manual reconciliation.
type EventLog struct {
	gorm.Model
	EventID   string         `json:"event_id" gorm:"index"`
	EventType string         `json:"event_type"`
	Reason    string         `json:"reason"`
	Payload   datatypes.JSON `json:"payload"`
}

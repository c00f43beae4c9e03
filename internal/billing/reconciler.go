package billing

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/plan"
	"fotopage_backend/pkg/reporting"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription record not found")
	ErrUserNotFound         = errors.New("user not found")
)

// reportTimeout bounds the best-effort mirror call. Past it the attempt is
// abandoned and logged; there is no retry.
const reportTimeout = 8 * time.Second

// Store is the persistence gateway. Apply must be atomic: either both the
// subscription record and the user's entitlement projection are written, or
// neither is.
type Store interface {
	SubscriptionByStripeID(ctx context.Context, stripeSubID string) (*model.Subscription, error)
	UserByID(ctx context.Context, id uint) (*model.User, error)
	Apply(ctx context.Context, sub *model.Subscription, user *model.User) error
	LogUnresolved(ctx context.Context, entry *model.EventLog) error
}

// Reporter mirrors event outcomes to the non-critical reporting sink.
type Reporter interface {
	Append(ctx context.Context, e reporting.Entry) error
}

// Outcome describes what processing one event did. Applied is false for
// idempotent replays, stale deliveries, ignored kinds and events parked for
// manual reconciliation; all of those still answer success to the provider.
type Outcome struct {
	EventID        string
	EventType      string
	SubscriptionID string
	UserID         uint
	PreviousPlan   string
	NewPlan        string
	Status         string
	Applied        bool
	Note           string
}

// Reconciler turns classified billing events into the authoritative
// subscription record and entitlement projection. It holds no mutable state
// of its own; the store is the only point of cross-event coordination.
type Reconciler struct {
	catalog  *plan.Catalog
	prices   *plan.PriceResolver
	store    Store
	reporter Reporter
	now      func() time.Time
}

func NewReconciler(catalog *plan.Catalog, prices *plan.PriceResolver, store Store, reporter Reporter) *Reconciler {
	return &Reconciler{
		catalog:  catalog,
		prices:   prices,
		store:    store,
		reporter: reporter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process applies one event. A non-nil error means the store failed and the
// provider should retry; every other failure mode resolves internally to a
// success response after being durably logged.
func (r *Reconciler) Process(ctx context.Context, ev *Event) (*Outcome, error) {
	switch ev.Kind {
	case KindCheckoutCompleted:
		return r.handleCheckout(ctx, ev)
	case KindSubscriptionCreated, KindSubscriptionUpdated:
		return r.handleSubscriptionChange(ctx, ev)
	case KindSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, ev)
	case KindPaymentSucceeded:
		return r.handlePayment(ctx, ev, true)
	case KindPaymentFailed:
		return r.handlePayment(ctx, ev, false)
	case KindIgnored:
		log.Printf("billing: ignoring unhandled event type %s (%s)", ev.Type, ev.ID)
		return skip(ev, "unhandled event type"), nil
	}
	return skip(ev, "unhandled event kind"), nil
}

func (r *Reconciler) handleCheckout(ctx context.Context, ev *Event) (*Outcome, error) {
	data := ev.Checkout

	if data.SubscriptionID == "" || data.UserRef == "" {
		return r.unresolved(ctx, ev, "checkout without user or subscription reference")
	}
	userID, err := strconv.ParseUint(data.UserRef, 10, 32)
	if err != nil {
		return r.unresolved(ctx, ev, "checkout client_reference_id is not a user ID")
	}

	planID, yearly := data.PlanID, data.Yearly
	if planID == "" {
		if data.PriceID == "" {
			return r.unresolved(ctx, ev, "checkout carries neither plan metadata nor a line item price")
		}
		planID, yearly, err = r.prices.Resolve(data.PriceID)
		if err != nil {
			return r.unresolved(ctx, ev, "checkout price "+data.PriceID+" is not mapped to a plan")
		}
	}

	def, err := r.catalog.Resolve(planID)
	if err != nil {
		return r.unresolved(ctx, ev, "checkout references unknown plan "+planID)
	}

	// Replayed checkout: the record already exists under this provider ID.
	if _, err := r.store.SubscriptionByStripeID(ctx, data.SubscriptionID); err == nil {
		return skip(ev, "duplicate checkout delivery"), nil
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	user, err := r.store.UserByID(ctx, uint(userID))
	if errors.Is(err, ErrUserNotFound) {
		return r.unresolved(ctx, ev, "checkout references unknown user "+data.UserRef)
	} else if err != nil {
		return nil, err
	}

	now := r.now()
	periodDays := 30
	if yearly {
		periodDays = 365
	}

	sub := &model.Subscription{
		StripeSubID:        data.SubscriptionID,
		UserID:             user.ID,
		PlanID:             planID,
		StripeCustomerID:   data.CustomerID,
		Status:             model.SubStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 0, periodDays),
		LastEventID:        ev.ID,
	}

	previousPlan := user.PlanID
	user.PlanID = planID
	user.UploadsLimit = def.UploadQuota
	user.UploadsUsed = 0
	user.AccountStatus = model.SubStatusActive
	user.StripeCustomerID = data.CustomerID
	user.StripeSubID = data.SubscriptionID

	if err := r.store.Apply(ctx, sub, user); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		EventID:        ev.ID,
		EventType:      ev.Type,
		SubscriptionID: sub.StripeSubID,
		UserID:         user.ID,
		PreviousPlan:   previousPlan,
		NewPlan:        planID,
		Status:         sub.Status,
		Applied:        true,
	}
	r.mirror(outcome)
	return outcome, nil
}

func (r *Reconciler) handleSubscriptionChange(ctx context.Context, ev *Event) (*Outcome, error) {
	data := ev.Subscription

	sub, err := r.store.SubscriptionByStripeID(ctx, data.SubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		if ev.Kind == KindSubscriptionCreated {
			// Normal ordering: subscription.created usually lands before the
			// checkout event that creates the record.
			log.Printf("billing: no record yet for subscription %s, waiting for checkout", data.SubscriptionID)
			return skip(ev, "no record yet for subscription"), nil
		}
		return r.unresolved(ctx, ev, "update for unknown subscription "+data.SubscriptionID)
	} else if err != nil {
		return nil, err
	}

	if stale(sub, ev.ID, data.PeriodEnd) {
		return skip(ev, "stale or duplicate delivery"), nil
	}

	user, err := r.store.UserByID(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return r.unresolved(ctx, ev, "subscription "+data.SubscriptionID+" belongs to a missing user")
		}
		return nil, err
	}

	planID := sub.PlanID
	if data.PriceID != "" {
		if resolved, _, err := r.prices.Resolve(data.PriceID); err == nil {
			planID = resolved
		} else {
			log.Printf("billing: subscription %s carries unmapped price %s, keeping plan %s", data.SubscriptionID, data.PriceID, planID)
		}
	}
	def, err := r.catalog.Resolve(planID)
	if err != nil {
		return r.unresolved(ctx, ev, "subscription references unknown plan "+planID)
	}

	previousPlan := user.PlanID
	status := mapProviderStatus(data.Status)

	sub.PlanID = planID
	sub.Status = status
	sub.CancelAtPeriodEnd = data.CancelAtPeriodEnd
	sub.LastEventID = ev.ID
	if !data.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = data.PeriodStart
	}
	if !data.PeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = data.PeriodEnd
	}

	switch status {
	case model.SubStatusCanceled:
		// Downgrade cascade: quota comes from the live catalog, never a
		// hardcoded number.
		floor := r.catalog.Floor()
		user.PlanID = floor.ID
		user.UploadsLimit = floor.UploadQuota
		user.AccountStatus = model.SubStatusActive
	case model.SubStatusPastDue:
		// Grace period: mark the account but leave plan and quota alone.
		user.AccountStatus = model.SubStatusPastDue
	default:
		user.PlanID = planID
		user.UploadsLimit = def.UploadQuota
		user.AccountStatus = model.SubStatusActive
	}

	if err := r.store.Apply(ctx, sub, user); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		EventID:        ev.ID,
		EventType:      ev.Type,
		SubscriptionID: sub.StripeSubID,
		UserID:         user.ID,
		PreviousPlan:   previousPlan,
		NewPlan:        user.PlanID,
		Status:         sub.Status,
		Applied:        true,
	}
	r.mirror(outcome)
	return outcome, nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, ev *Event) (*Outcome, error) {
	data := ev.Subscription

	sub, err := r.store.SubscriptionByStripeID(ctx, data.SubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.unresolved(ctx, ev, "deletion for unknown subscription "+data.SubscriptionID)
	} else if err != nil {
		return nil, err
	}

	if stale(sub, ev.ID, data.PeriodEnd) {
		return skip(ev, "stale or duplicate delivery"), nil
	}

	user, err := r.store.UserByID(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return r.unresolved(ctx, ev, "subscription "+data.SubscriptionID+" belongs to a missing user")
		}
		return nil, err
	}

	previousPlan := user.PlanID

	sub.Status = model.SubStatusCanceled
	sub.CancelAtPeriodEnd = false
	sub.LastEventID = ev.ID
	if !data.PeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = data.PeriodEnd
	}

	floor := r.catalog.Floor()
	user.PlanID = floor.ID
	user.UploadsLimit = floor.UploadQuota
	user.UploadsUsed = 0
	user.AccountStatus = model.SubStatusActive
	user.StripeSubID = ""

	if err := r.store.Apply(ctx, sub, user); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		EventID:        ev.ID,
		EventType:      ev.Type,
		SubscriptionID: sub.StripeSubID,
		UserID:         user.ID,
		PreviousPlan:   previousPlan,
		NewPlan:        floor.ID,
		Status:         sub.Status,
		Applied:        true,
	}
	r.mirror(outcome)
	return outcome, nil
}

func (r *Reconciler) handlePayment(ctx context.Context, ev *Event, succeeded bool) (*Outcome, error) {
	data := ev.Invoice

	if data.SubscriptionID == "" {
		return skip(ev, "invoice without a subscription"), nil
	}

	sub, err := r.store.SubscriptionByStripeID(ctx, data.SubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.unresolved(ctx, ev, "invoice for unknown subscription "+data.SubscriptionID)
	} else if err != nil {
		return nil, err
	}

	if stale(sub, ev.ID, data.PeriodEnd) {
		return skip(ev, "stale or duplicate delivery"), nil
	}

	user, err := r.store.UserByID(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return r.unresolved(ctx, ev, "subscription "+data.SubscriptionID+" belongs to a missing user")
		}
		return nil, err
	}

	previousPlan := user.PlanID
	sub.LastEventID = ev.ID

	if succeeded {
		sub.Status = model.SubStatusActive
		if !data.PeriodStart.IsZero() {
			sub.CurrentPeriodStart = data.PeriodStart
		}
		if !data.PeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = data.PeriodEnd
		}
		user.AccountStatus = model.SubStatusActive
		// The quota renewal trigger: a paid invoice is the only path that
		// replenishes usage.
		user.UploadsUsed = 0
	} else {
		// Grace period: period bounds stay as they are, access is kept.
		sub.Status = model.SubStatusPastDue
		user.AccountStatus = model.SubStatusPastDue
	}

	if err := r.store.Apply(ctx, sub, user); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		EventID:        ev.ID,
		EventType:      ev.Type,
		SubscriptionID: sub.StripeSubID,
		UserID:         user.ID,
		PreviousPlan:   previousPlan,
		NewPlan:        user.PlanID,
		Status:         sub.Status,
		Applied:        true,
	}
	r.mirror(outcome)
	return outcome, nil
}

// stale is the single ordering/idempotency gate every handler passes through
// before mutating anything: re-delivery of the applied event, any event
// whose period end precedes the stored one, and anything after terminal
// cancellation are all dropped.
func stale(sub *model.Subscription, eventID string, periodEnd time.Time) bool {
	if sub.Status == model.SubStatusCanceled {
		return true
	}
	if eventID != "" && sub.LastEventID == eventID {
		return true
	}
	if !periodEnd.IsZero() && periodEnd.Before(sub.CurrentPeriodEnd) {
		return true
	}
	return false
}

func mapProviderStatus(providerStatus string) string {
	switch providerStatus {
	case "canceled", "unpaid", "incomplete_expired":
		return model.SubStatusCanceled
	case "past_due":
		return model.SubStatusPastDue
	default:
		return model.SubStatusActive
	}
}

// unresolved parks a data-integrity failure for manual follow-up. The
// provider still gets a success response; re-delivery would not fix the
// payload.
func (r *Reconciler) unresolved(ctx context.Context, ev *Event, reason string) (*Outcome, error) {
	log.Printf("billing: event %s (%s) needs manual reconciliation: %s", ev.ID, ev.Type, reason)

	entry := &model.EventLog{
		EventID:   ev.ID,
		EventType: ev.Type,
		Reason:    reason,
		Payload:   datatypes.JSON(ev.Raw),
	}
	if err := r.store.LogUnresolved(ctx, entry); err != nil {
		log.Printf("billing: could not log unresolved event %s: %v", ev.ID, err)
	}

	return &Outcome{EventID: ev.ID, EventType: ev.Type, Note: reason}, nil
}

func skip(ev *Event, note string) *Outcome {
	return &Outcome{EventID: ev.ID, EventType: ev.Type, Note: note}
}

// mirror fans the outcome out to the reporting sink after the store commit.
// Failures are logged and swallowed; the sink is non-critical and gets one
// attempt, detached from the request context.
func (r *Reconciler) mirror(o *Outcome) {
	if r.reporter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	entry := reporting.Entry{
		EntryID:        uuid.NewString(),
		EventID:        o.EventID,
		EventType:      o.EventType,
		SubscriptionID: o.SubscriptionID,
		UserID:         o.UserID,
		PreviousPlan:   o.PreviousPlan,
		NewPlan:        o.NewPlan,
		Status:         o.Status,
		OccurredAt:     r.now(),
	}
	if err := r.reporter.Append(ctx, entry); err != nil {
		log.Printf("billing: reporting mirror failed for event %s: %v", o.EventID, err)
	}
}

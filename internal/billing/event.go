package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74/webhook"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// EventKind is the closed set of billing events the reconciler handles.
// Anything else decodes to KindIgnored, a forward-compatible no-op.
type EventKind int

const (
	KindIgnored EventKind = iota
	KindCheckoutCompleted
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindPaymentSucceeded
	KindPaymentFailed
)

func (k EventKind) String() string {
	switch k {
	case KindCheckoutCompleted:
		return "checkout_completed"
	case KindSubscriptionCreated:
		return "subscription_created"
	case KindSubscriptionUpdated:
		return "subscription_updated"
	case KindSubscriptionDeleted:
		return "subscription_deleted"
	case KindPaymentSucceeded:
		return "payment_succeeded"
	case KindPaymentFailed:
		return "payment_failed"
	default:
		return "ignored"
	}
}

// Event is a validated, classified billing event. Exactly one of Checkout,
// Subscription and Invoice is set, matching the kind. Events are transient;
// nothing here is persisted beyond processing.
type Event struct {
	ID         string
	Type       string
	Kind       EventKind
	ReceivedAt time.Time
	Raw        json.RawMessage

	Checkout     *CheckoutData
	Subscription *SubscriptionData
	Invoice      *InvoiceData
}

// CheckoutData is what a checkout.session.completed payload carries. Plan
// metadata is present when the session was created by our own checkout
// endpoint; sessions from provider-hosted payment links only carry the line
// item price.
type CheckoutData struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	UserRef        string // client_reference_id, our user ID
	PlanID         string // metadata, may be empty
	Yearly         bool   // metadata, only meaningful when PlanID is set
	PriceID        string // first line item, may be empty
}

// SubscriptionData mirrors the authoritative fields of a provider
// subscription object.
type SubscriptionData struct {
	SubscriptionID    string
	CustomerID        string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	PriceID           string
}

// InvoiceData carries the slice of an invoice the reconciler needs: which
// subscription it belongs to and the period it covers.
type InvoiceData struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// DecodeEvent verifies the provider signature over the raw payload and
// classifies the event. The signature check (constant-time HMAC comparison)
// happens before anything in the payload is trusted.
func DecodeEvent(payload []byte, signatureHeader, secret string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signatureHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &Event{
		ID:         stripeEvent.ID,
		Type:       string(stripeEvent.Type),
		ReceivedAt: time.Now().UTC(),
		Raw:        json.RawMessage(stripeEvent.Data.Raw),
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		ev.Kind = KindCheckoutCompleted
		ev.Checkout, err = parseCheckout(stripeEvent.Data.Raw)
	case "customer.subscription.created":
		ev.Kind = KindSubscriptionCreated
		ev.Subscription, err = parseSubscription(stripeEvent.Data.Raw)
	case "customer.subscription.updated":
		ev.Kind = KindSubscriptionUpdated
		ev.Subscription, err = parseSubscription(stripeEvent.Data.Raw)
	case "customer.subscription.deleted":
		ev.Kind = KindSubscriptionDeleted
		ev.Subscription, err = parseSubscription(stripeEvent.Data.Raw)
	case "invoice.payment_succeeded":
		ev.Kind = KindPaymentSucceeded
		ev.Invoice, err = parseInvoice(stripeEvent.Data.Raw)
	case "invoice.payment_failed":
		ev.Kind = KindPaymentFailed
		ev.Invoice, err = parseInvoice(stripeEvent.Data.Raw)
	default:
		ev.Kind = KindIgnored
	}
	if err != nil {
		return nil, fmt.Errorf("could not parse %s payload: %w", stripeEvent.Type, err)
	}

	return ev, nil
}

func parseCheckout(raw json.RawMessage) (*CheckoutData, error) {
	var obj struct {
		ID                string            `json:"id"`
		Customer          string            `json:"customer"`
		Subscription      string            `json:"subscription"`
		ClientReferenceID string            `json:"client_reference_id"`
		Metadata          map[string]string `json:"metadata"`
		LineItems         struct {
			Data []struct {
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"line_items"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	data := &CheckoutData{
		SessionID:      obj.ID,
		CustomerID:     obj.Customer,
		SubscriptionID: obj.Subscription,
		UserRef:        obj.ClientReferenceID,
		PlanID:         obj.Metadata["plan_id"],
		Yearly:         obj.Metadata["billing_cycle"] == "yearly",
	}
	if len(obj.LineItems.Data) > 0 {
		data.PriceID = obj.LineItems.Data[0].Price.ID
	}
	return data, nil
}

func parseSubscription(raw json.RawMessage) (*SubscriptionData, error) {
	var obj struct {
		ID                 string `json:"id"`
		Customer           string `json:"customer"`
		Status             string `json:"status"`
		CurrentPeriodStart int64  `json:"current_period_start"`
		CurrentPeriodEnd   int64  `json:"current_period_end"`
		CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
		Items              struct {
			Data []struct {
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	data := &SubscriptionData{
		SubscriptionID:    obj.ID,
		CustomerID:        obj.Customer,
		Status:            obj.Status,
		PeriodStart:       unixTime(obj.CurrentPeriodStart),
		PeriodEnd:         unixTime(obj.CurrentPeriodEnd),
		CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
	}
	if len(obj.Items.Data) > 0 {
		data.PriceID = obj.Items.Data[0].Price.ID
	}
	return data, nil
}

func parseInvoice(raw json.RawMessage) (*InvoiceData, error) {
	var obj struct {
		ID           string `json:"id"`
		Customer     string `json:"customer"`
		Subscription string `json:"subscription"`
		Lines        struct {
			Data []struct {
				Period struct {
					Start int64 `json:"start"`
					End   int64 `json:"end"`
				} `json:"period"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	data := &InvoiceData{
		InvoiceID:      obj.ID,
		CustomerID:     obj.Customer,
		SubscriptionID: obj.Subscription,
	}
	if len(obj.Lines.Data) > 0 {
		data.PeriodStart = unixTime(obj.Lines.Data[0].Period.Start)
		data.PeriodEnd = unixTime(obj.Lines.Data[0].Period.End)
	}
	return data, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

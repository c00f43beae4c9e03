package controller

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"fotopage_backend/internal/billing"
)

// criticalPathTimeout bounds validation plus reconciliation plus the store
// write. Past it we answer failure and let the provider's retry with backoff
// drive recovery instead of an open-ended hang.
const criticalPathTimeout = 10 * time.Second

type WebhookController struct {
	webhookSecret string
	reconciler    *billing.Reconciler
}

func NewWebhookController(webhookSecret string, reconciler *billing.Reconciler) *WebhookController {
	return &WebhookController{
		webhookSecret: webhookSecret,
		reconciler:    reconciler,
	}
}

// HandleBillingWebhook is the single inbound endpoint for provider events.
// 400 for a bad signature, 500 when the store fails (so the provider
// retries), 200 with {"received": true} for everything else including
// idempotent no-ops.
func (wc *WebhookController) HandleBillingWebhook(c *fiber.Ctx) error {
	ev, err := billing.DecodeEvent(c.Body(), c.Get("Stripe-Signature"), wc.webhookSecret)
	if err != nil {
		log.Printf("billing: rejected webhook: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook signature",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), criticalPathTimeout)
	defer cancel()

	outcome, err := wc.reconciler.Process(ctx, ev)
	if err != nil {
		log.Printf("billing: could not apply event %s (%s): %v", ev.ID, ev.Type, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not apply billing event",
		})
	}

	if outcome.Applied {
		log.Printf("billing: applied %s for subscription %s (plan %s -> %s, status %s)",
			ev.Type, outcome.SubscriptionID, outcome.PreviousPlan, outcome.NewPlan, outcome.Status)
	} else if outcome.Note != "" {
		log.Printf("billing: event %s (%s) skipped: %s", ev.ID, ev.Type, outcome.Note)
	}

	return c.JSON(fiber.Map{"received": true})
}

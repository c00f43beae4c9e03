package controller

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
	"github.com/stripe/stripe-go/v74/subscription"

	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/config"
	"fotopage_backend/pkg/database"
	"fotopage_backend/pkg/plan"
	"fotopage_backend/pkg/utils/jwt"
)

type CheckoutInput struct {
	PlanID string `json:"plan_id" validate:"required"`
	Yearly bool   `json:"yearly"`
}

type SubscriptionController struct {
	cfg     *config.Config
	catalog *plan.Catalog
	prices  *plan.PriceResolver
}

func NewSubscriptionController(cfg *config.Config, catalog *plan.Catalog, prices *plan.PriceResolver) *SubscriptionController {
	return &SubscriptionController{cfg: cfg, catalog: catalog, prices: prices}
}

func (sc *SubscriptionController) ListPlans(c *fiber.Ctx) error {
	return c.JSON(sc.catalog.Plans())
}

// CreateCheckoutSession starts a Stripe Checkout session for a paid plan.
// The user ID goes into client_reference_id and the plan into metadata, so
// the webhook can reconcile the completed checkout without a price lookup.
func (sc *SubscriptionController) CreateCheckoutSession(c *fiber.Ctx) error {
	input := new(CheckoutInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid input",
		})
	}

	claims := c.Locals("user").(*jwt.Claims)

	if _, err := sc.catalog.Resolve(input.PlanID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Subscription plan not found",
		})
	}

	priceID, ok := sc.prices.PriceFor(input.PlanID, input.Yearly)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Plan is not purchasable",
		})
	}

	var user model.User
	if err := database.DB.First(&user, claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(fmt.Sprint(user.ID)),
		CustomerEmail:     stripe.String(user.Email),
		SuccessURL:        stripe.String(sc.cfg.Stripe.SuccessURL),
		CancelURL:         stripe.String(sc.cfg.Stripe.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata("plan_id", input.PlanID)
	if input.Yearly {
		params.AddMetadata("billing_cycle", "yearly")
	} else {
		params.AddMetadata("billing_cycle", "monthly")
	}

	checkoutSession, err := session.New(params)
	if err != nil {
		log.Printf("Could not create checkout session for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not create checkout session",
		})
	}

	return c.JSON(fiber.Map{
		"session_id":   checkoutSession.ID,
		"checkout_url": checkoutSession.URL,
	})
}

// CancelSubscription flags the subscription to end at the period boundary.
// The authoritative state change still arrives through the webhook; this
// only asks the provider.
func (sc *SubscriptionController) CancelSubscription(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	var userSub model.Subscription
	if err := database.DB.Where("user_id = ? AND status IN ?", claims.UserID,
		[]string{model.SubStatusActive, model.SubStatusPastDue}).
		First(&userSub).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active subscription found",
		})
	}

	_, err := subscription.Update(userSub.StripeSubID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not cancel Stripe subscription",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Subscription will end at the current period",
	})
}

func (sc *SubscriptionController) GetMySubscription(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	var userSub model.Subscription
	if err := database.DB.Where("user_id = ?", claims.UserID).
		Order("created_at DESC").
		First(&userSub).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No subscription found",
		})
	}

	var user model.User
	if err := database.DB.First(&user, claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	return c.JSON(fiber.Map{
		"subscription": userSub,
		"entitlement":  user.Entitlement(),
	})
}

// GetSupportContact returns the support channel for the user's tier. The
// route is gated by RequireSupportTier, so free-tier users never reach it.
func (sc *SubscriptionController) GetSupportContact(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	var user model.User
	if err := database.DB.First(&user, claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	def, err := sc.catalog.Resolve(user.PlanID)
	if err != nil {
		def = sc.catalog.Floor()
	}

	contact := fiber.Map{
		"support_tier": def.SupportTier,
		"email":        "support@fotopage.io",
	}
	if def.SupportTier == plan.TierPriority {
		contact["email"] = "priority@fotopage.io"
		contact["response_time"] = "4h"
	}

	return c.JSON(contact)
}

// GetEntitlement returns just the projection, for quota meters in the UI.
func (sc *SubscriptionController) GetEntitlement(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	var user model.User
	if err := database.DB.First(&user, claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	return c.JSON(user.Entitlement())
}

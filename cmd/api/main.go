package main

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/stripe/stripe-go/v74"

	"fotopage_backend/internal/billing"
	"fotopage_backend/internal/controller"
	"fotopage_backend/internal/middleware"
	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/config"
	"fotopage_backend/pkg/cron"
	"fotopage_backend/pkg/database"
	"fotopage_backend/pkg/plan"
	"fotopage_backend/pkg/reporting"
	"fotopage_backend/pkg/utils/jwt"
)

func setupRoutes(app *fiber.App, cfg *config.Config, catalog *plan.Catalog, prices *plan.PriceResolver, reconciler *billing.Reconciler) {
	api := app.Group("/api")

	// Billing webhook (signed payloads only, no auth middleware)
	webhooks := controller.NewWebhookController(cfg.Stripe.WebhookSecret, reconciler)
	api.Post("/billing/webhook", webhooks.HandleBillingWebhook)

	// Subscription routes
	subs := controller.NewSubscriptionController(cfg, catalog, prices)
	subscriptions := api.Group("/subscriptions")
	subscriptions.Get("/plans", subs.ListPlans)

	subProtected := subscriptions.Use(middleware.AuthMiddleware())
	subProtected.Post("/create-checkout-session", subs.CreateCheckoutSession)
	subProtected.Post("/cancel", subs.CancelSubscription)
	subProtected.Get("/my", subs.GetMySubscription)

	// Entitlement projection for the dashboard UI
	api.Get("/entitlement", middleware.AuthMiddleware(), subs.GetEntitlement)

	// Upload counting, gated on the quota projection
	uploads := api.Group("/uploads", middleware.AuthMiddleware())
	uploads.Post("/", middleware.CheckUploadQuota(), controller.RecordUpload)

	// Direct support channel for paid tiers
	api.Get("/support/contact",
		middleware.AuthMiddleware(),
		middleware.RequireSupportTier(catalog, plan.TierEmail),
		subs.GetSupportContact)
}

func main() {
	cfg := config.Load()

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is not set in .env")
	}

	jwt.Init(cfg.JWT.Secret)
	stripe.Key = cfg.Stripe.SecretKey

	catalog := plan.Default()
	prices, err := plan.NewPriceResolver(cfg.Stripe.Prices)
	if err != nil {
		log.Fatal("Invalid price configuration:", err)
	}

	database.InitDB(cfg.Database.URL)
	err = database.MigrateDatabase(
		&model.User{},
		&model.Subscription{},
		&model.EventLog{},
	)
	if err != nil {
		log.Printf("Migration warning: %v", err)
	}

	var reporter billing.Reporter
	if cfg.Reporting.Enabled() {
		sink, err := reporting.NewS3Sink(context.Background(), cfg.Reporting.Bucket, cfg.Reporting.Region, cfg.Reporting.Prefix)
		if err != nil {
			log.Printf("Reporting sink disabled: %v", err)
		} else {
			reporter = sink
		}
	}

	store := billing.NewStore(database.GetDB())
	reconciler := billing.NewReconciler(catalog, prices, store, reporter)

	cron.InitSubscriptionSweepCron(catalog)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New())

	setupRoutes(app, cfg, catalog, prices, reconciler)

	log.Printf("Server is running on port %s", cfg.Server.Port)
	log.Fatal(app.Listen(":" + cfg.Server.Port))
}

package config

import (
	"os"

	"github.com/joho/godotenv"

	"fotopage_backend/pkg/plan"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Stripe    StripeConfig
	Reporting ReportingConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	URL string
}

type JWTConfig struct {
	Secret string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// Price IDs per plan and billing cycle, as configured in the Stripe
	// dashboard. Empty entries are skipped by the price resolver.
	Prices []plan.PriceBinding
}

type ReportingConfig struct {
	Bucket string
	Region string
	Prefix string
}

// Enabled reports whether the reporting mirror is configured; without a
// bucket the fan-out is skipped entirely.
func (r ReportingConfig) Enabled() bool {
	return r.Bucket != ""
}

func Load() *Config {
	godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "3000"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "fotopage-dev-secret"),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:    getEnv("CHECKOUT_SUCCESS_URL", "https://app.fotopage.io/billing/success"),
			CancelURL:     getEnv("CHECKOUT_CANCEL_URL", "https://app.fotopage.io/billing/cancelled"),
			Prices: []plan.PriceBinding{
				{PriceID: getEnv("STRIPE_PRICE_SMART_MONTHLY", ""), PlanID: "smart"},
				{PriceID: getEnv("STRIPE_PRICE_SMART_YEARLY", ""), PlanID: "smart", Yearly: true},
				{PriceID: getEnv("STRIPE_PRICE_PRECISION_MONTHLY", ""), PlanID: "precision"},
				{PriceID: getEnv("STRIPE_PRICE_PRECISION_YEARLY", ""), PlanID: "precision", Yearly: true},
			},
		},
		Reporting: ReportingConfig{
			Bucket: getEnv("REPORTING_BUCKET", ""),
			Region: getEnv("REPORTING_REGION", "eu-central-1"),
			Prefix: getEnv("REPORTING_PREFIX", "billing-events"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

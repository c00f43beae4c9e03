package cron

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/database"
	"fotopage_backend/pkg/plan"
)

// gracePeriodDays is how long a past_due subscription keeps its entitlement
// after the period end before the sweep cancels it.
const gracePeriodDays = 14

var sweepCatalog *plan.Catalog

func InitSubscriptionSweepCron(catalog *plan.Catalog) {
	sweepCatalog = catalog

	c := cron.New()

	_, err := c.AddFunc("0 9 * * *", func() {
		sweepLapsedSubscriptions()
	})

	if err != nil {
		log.Printf("Could not initialize subscription sweep cron: %v", err)
		return
	}

	c.Start()
}

// sweepLapsedSubscriptions cancels subscriptions whose grace period ran out
// without a recovered payment. The downgrade runs the same catalog-resolved
// floor cascade the webhook path uses, in one transaction per user.
func sweepLapsedSubscriptions() {
	log.Println("Checking for lapsed past_due subscriptions...")

	cutoff := time.Now().UTC().AddDate(0, 0, -gracePeriodDays)

	var subs []model.Subscription
	err := database.DB.Where("status = ? AND current_period_end < ?", model.SubStatusPastDue, cutoff).
		Find(&subs).Error
	if err != nil {
		log.Printf("Error fetching lapsed subscriptions: %v", err)
		return
	}

	log.Printf("Found %d lapsed subscriptions", len(subs))

	floor := sweepCatalog.Floor()

	for _, sub := range subs {
		err := database.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&model.Subscription{}).
				Where("id = ? AND status = ?", sub.ID, model.SubStatusPastDue).
				Updates(map[string]interface{}{
					"status":               model.SubStatusCanceled,
					"cancel_at_period_end": false,
				}).Error; err != nil {
				return err
			}

			return tx.Model(&model.User{}).
				Where("id = ?", sub.UserID).
				Updates(map[string]interface{}{
					"plan_id":        floor.ID,
					"uploads_limit":  floor.UploadQuota,
					"account_status": model.SubStatusActive,
					"stripe_sub_id":  "",
				}).Error
		})
		if err != nil {
			log.Printf("Error cancelling lapsed subscription %s: %v", sub.StripeSubID, err)
			continue
		}

		log.Printf("Cancelled lapsed subscription %s, user %d downgraded to %s", sub.StripeSubID, sub.UserID, floor.ID)
	}
}

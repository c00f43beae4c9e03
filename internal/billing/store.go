package billing

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fotopage_backend/internal/model"
)

// ErrConcurrentUpdate means another instance applied an event to the same
// subscription between our read and write. The provider retry resolves it.
var ErrConcurrentUpdate = errors.New("subscription record changed concurrently")

type gormStore struct {
	db *gorm.DB
}

// NewStore wraps the database as the persistence gateway. Cross-instance
// coordination happens here through conditional updates, not in-process
// locks.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) SubscriptionByStripeID(ctx context.Context, stripeSubID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).Where("stripe_sub_id = ?", stripeSubID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &sub, nil
}

func (s *gormStore) UserByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &user, nil
}

// Apply writes the subscription record and the entitlement projection in one
// transaction. Existing records are guarded with a conditional WHERE on the
// row version read earlier, so two instances processing events for the same
// subscription cannot interleave.
func (s *gormStore) Apply(ctx context.Context, sub *model.Subscription, user *model.User) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sub.ID == 0 {
			if err := tx.Create(sub).Error; err != nil {
				return err
			}
		} else {
			res := tx.Model(&model.Subscription{}).
				Where("id = ? AND updated_at = ?", sub.ID, sub.UpdatedAt).
				Updates(map[string]interface{}{
					"plan_id":              sub.PlanID,
					"status":               sub.Status,
					"current_period_start": sub.CurrentPeriodStart,
					"current_period_end":   sub.CurrentPeriodEnd,
					"cancel_at_period_end": sub.CancelAtPeriodEnd,
					"last_event_id":        sub.LastEventID,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConcurrentUpdate
			}
		}

		return tx.Model(&model.User{}).
			Where("id = ?", user.ID).
			Updates(map[string]interface{}{
				"plan_id":            user.PlanID,
				"uploads_limit":      user.UploadsLimit,
				"uploads_used":       user.UploadsUsed,
				"account_status":     user.AccountStatus,
				"stripe_customer_id": user.StripeCustomerID,
				"stripe_sub_id":      user.StripeSubID,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *gormStore) LogUnresolved(ctx context.Context, entry *model.EventLog) error {
	// One row per event ID; a replayed broken event does not pile up trail
	// rows.
	err := s.db.WithContext(ctx).Where("event_id = ?", entry.EventID).FirstOrCreate(entry).Error
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

package model

import "gorm.io/gorm"

// User carries the entitlement projection alongside the account row. The
// projection (plan, upload limits, billing IDs, account status) is derived
// from the latest subscription state and owned by the billing reconciler;
// UploadsUsed is incremented by the product upload path and reset only by
// the reconciler on successful payments.
type User struct {
	gorm.Model
	Email    string `json:"email" gorm:"uniqueIndex;not null"`
	Username string `json:"username" gorm:"uniqueIndex;not null"`

	PlanID        string `json:"plan_id" gorm:"default:'start'"`
	UploadsLimit  int    `json:"uploads_limit" gorm:"default:10"`
	UploadsUsed   int    `json:"uploads_used" gorm:"default:0"`
	AccountStatus string `json:"account_status" gorm:"default:'active'"` // active | past_due

	StripeCustomerID string `json:"-" gorm:"index"`
	StripeSubID      string `json:"-"`
}

// CanUpload checks the quota projection. -1 means unlimited.
func (u *User) CanUpload() bool {
	return u.UploadsLimit < 0 || u.UploadsUsed < u.UploadsLimit
}

func (u *User) Entitlement() map[string]interface{} {
	return map[string]interface{}{
		"plan_id":        u.PlanID,
		"uploads_limit":  u.UploadsLimit,
		"uploads_used":   u.UploadsUsed,
		"account_status": u.AccountStatus,
	}
}

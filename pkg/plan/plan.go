package plan

import (
	"errors"
	"fmt"
)

type SupportTier string

const (
	TierCommunity SupportTier = "community"
	TierEmail     SupportTier = "email"
	TierPriority  SupportTier = "priority"
)

// UnlimitedUploads marks a plan without an upload cap.
const UnlimitedUploads = -1

var ErrPlanNotFound = errors.New("plan not found")

type Definition struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	UploadQuota  int         `json:"upload_quota"`
	SupportTier  SupportTier `json:"support_tier"`
	MonthlyPrice float64     `json:"monthly_price"`
	YearlyPrice  float64     `json:"yearly_price"`
}

func (d Definition) Unlimited() bool {
	return d.UploadQuota == UnlimitedUploads
}

// Catalog is the immutable plan table. It is built once at startup and
// passed into everything that needs plan lookups; nothing mutates it after
// construction.
type Catalog struct {
	byID    map[string]Definition
	ordered []Definition
	floorID string
}

func NewCatalog(defs []Definition, floorID string) (*Catalog, error) {
	byID := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return nil, errors.New("plan definition without an ID")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate plan definition %q", d.ID)
		}
		if d.UploadQuota < UnlimitedUploads {
			return nil, fmt.Errorf("plan %q has invalid upload quota %d", d.ID, d.UploadQuota)
		}
		byID[d.ID] = d
	}
	if _, ok := byID[floorID]; !ok {
		return nil, fmt.Errorf("floor plan %q is not in the catalog", floorID)
	}

	return &Catalog{
		byID:    byID,
		ordered: append([]Definition(nil), defs...),
		floorID: floorID,
	}, nil
}

// Resolve returns the definition for a plan ID. An unknown ID is a
// data-integrity problem for the caller, never silently defaulted.
func (c *Catalog) Resolve(planID string) (Definition, error) {
	d, ok := c.byID[planID]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrPlanNotFound, planID)
	}
	return d, nil
}

// Floor returns the plan downgraded users fall back to.
func (c *Catalog) Floor() Definition {
	return c.byID[c.floorID]
}

// Plans returns the catalog in definition order.
func (c *Catalog) Plans() []Definition {
	return append([]Definition(nil), c.ordered...)
}

// Default is the production catalog.
func Default() *Catalog {
	c, err := NewCatalog([]Definition{
		{ID: "start", Name: "Start", UploadQuota: 10, SupportTier: TierCommunity},
		{ID: "smart", Name: "Smart", UploadQuota: 50, SupportTier: TierEmail, MonthlyPrice: 9, YearlyPrice: 90},
		{ID: "precision", Name: "Precision", UploadQuota: UnlimitedUploads, SupportTier: TierPriority, MonthlyPrice: 29, YearlyPrice: 290},
	}, "start")
	if err != nil {
		panic(err)
	}
	return c
}

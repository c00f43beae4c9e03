package plan

import (
	"errors"
	"fmt"
)

var ErrPriceNotFound = errors.New("price not mapped to a plan")

// PriceBinding ties a Stripe price ID to a plan and billing cycle.
type PriceBinding struct {
	PriceID string
	PlanID  string
	Yearly  bool
}

// PriceResolver maps Stripe price IDs back to plans. Checkout sessions
// created from provider-hosted payment links carry no plan metadata, so the
// webhook path resolves the line item price instead. Lookups are exact-match
// only.
type PriceResolver struct {
	byPrice map[string]PriceBinding
}

func NewPriceResolver(bindings []PriceBinding) (*PriceResolver, error) {
	byPrice := make(map[string]PriceBinding, len(bindings))
	for _, b := range bindings {
		if b.PriceID == "" || b.PlanID == "" {
			continue // unset env entries are fine, they just never match
		}
		if _, dup := byPrice[b.PriceID]; dup {
			return nil, fmt.Errorf("price %q bound to more than one plan", b.PriceID)
		}
		byPrice[b.PriceID] = b
	}
	return &PriceResolver{byPrice: byPrice}, nil
}

func (r *PriceResolver) Resolve(priceID string) (planID string, yearly bool, err error) {
	b, ok := r.byPrice[priceID]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrPriceNotFound, priceID)
	}
	return b.PlanID, b.Yearly, nil
}

// PriceFor is the reverse lookup, used when creating checkout sessions.
func (r *PriceResolver) PriceFor(planID string, yearly bool) (string, bool) {
	for _, b := range r.byPrice {
		if b.PlanID == planID && b.Yearly == yearly {
			return b.PriceID, true
		}
	}
	return "", false
}

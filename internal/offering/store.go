// Package offering holds created offers and turns submitted wizard values
// into offer records.
package offering

import (
	"context"

	"github.com/pitabwire/offerdesk/model"
)

// Store persists created offers. It is shared by the submission flow and the
// approval simulation; offers are addressed by id and scoped to a tenant.
type Store interface {
	// AddOffer persists a new offer. Returns CONFLICT if the id exists.
	AddOffer(ctx context.Context, offer model.CreatedOffer) error

	// GetOfferByID returns NOT_FOUND when the offer does not exist or
	// belongs to another tenant.
	GetOfferByID(ctx context.Context, tenantID, offerID string) (model.CreatedOffer, error)

	// ApproveOffer moves a pending offer to approved. Approving an offer that
	// is already approved is a no-op and reports changed=false.
	ApproveOffer(ctx context.Context, tenantID, offerID string) (changed bool, err error)

	// ListOffers returns a tenant's offers, newest first.
	ListOffers(ctx context.Context, tenantID string, filters model.OfferFilters) ([]model.CreatedOffer, error)
}

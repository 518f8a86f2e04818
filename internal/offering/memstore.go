package offering

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/offerdesk/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]model.CreatedOffer
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]model.CreatedOffer),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddOffer stores a copy of offer.
func (s *MemoryStore) AddOffer(_ context.Context, offer model.CreatedOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.offers[offer.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("offer %q already exists", offer.ID))
	}
	offer.FormValues = offer.FormValues.Clone()
	s.offers[offer.ID] = offer
	return nil
}

// GetOfferByID returns a copy of the offer.
func (s *MemoryStore) GetOfferByID(_ context.Context, tenantID, offerID string) (model.CreatedOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offer, exists := s.offers[offerID]
	if !exists || offer.TenantID != tenantID {
		return model.CreatedOffer{}, model.NewNotFoundError(fmt.Sprintf("offer %q not found", offerID))
	}
	offer.FormValues = offer.FormValues.Clone()
	return offer, nil
}

// ApproveOffer marks the offer approved once.
func (s *MemoryStore) ApproveOffer(_ context.Context, tenantID, offerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, exists := s.offers[offerID]
	if !exists || offer.TenantID != tenantID {
		return false, model.NewNotFoundError(fmt.Sprintf("offer %q not found", offerID))
	}
	if offer.Status == model.OfferApproved {
		return false, nil
	}
	now := s.now()
	offer.Status = model.OfferApproved
	offer.ApprovedAt = &now
	s.offers[offerID] = offer
	return true, nil
}

// ListOffers returns the tenant's offers matching filters, newest first.
func (s *MemoryStore) ListOffers(_ context.Context, tenantID string, filters model.OfferFilters) ([]model.CreatedOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CreatedOffer
	for _, offer := range s.offers {
		if offer.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && offer.Status != filters.Status {
			continue
		}
		if filters.Type != "" && offer.Type != filters.Type {
			continue
		}
		offer.FormValues = offer.FormValues.Clone()
		out = append(out, offer)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// Len returns the number of stored offers.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offers)
}

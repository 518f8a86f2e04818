package model

import "time"

// OfferStatus is the lifecycle state of a created offer.
type OfferStatus string

// Offer statuses.
const (
	OfferPendingApproval OfferStatus = "pending_approval"
	OfferApproved        OfferStatus = "approved"
)

// Offer classifications derived from the wizard's security type.
const (
	OfferTypeDebt   = "debt"
	OfferTypeEquity = "equity"
)

// CreatedOffer is the domain record materialized from a submitted wizard.
type CreatedOffer struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	CreatedBy string `json:"created_by"`
	SchemaID  string `json:"schema_id"`

	Name            string `json:"name"`
	Type            string `json:"type"`
	IssuerType      string `json:"issuer_type"`
	SecuritySubType string `json:"security_sub_type"`
	MarketType      string `json:"market_type"`

	TargetAmount  float64 `json:"target_amount"`
	PricePerUnit  float64 `json:"price_per_unit"`
	TotalUnits    float64 `json:"total_units"`
	RaisedAmount  float64 `json:"raised_amount"`
	UnitsSold     float64 `json:"units_sold"`
	InvestorCount int     `json:"investor_count"`

	Status     OfferStatus `json:"status"`
	FormValues FormValues  `json:"form_values"`
	CreatedAt  time.Time   `json:"created_at"`
	ApprovedAt *time.Time  `json:"approved_at,omitempty"`
}

// OfferFilters narrows ListOffers results.
type OfferFilters struct {
	Status OfferStatus
	Type   string
	Limit  int
}

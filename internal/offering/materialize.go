package offering

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/offerdesk/model"
)

// Submission is the input to Materialize: the flat wizard values with every
// formula field already resolved.
type Submission struct {
	SchemaID  string
	TenantID  string
	SubjectID string
	Values    model.FormValues
}

// branch names the form fields that carry the economics of one security
// type. Debt and equity use different ids for the same offer attributes.
type branch struct {
	offerType   string
	amountField string
	priceField  string
	unitsField  string
}

var branches = map[string]branch{
	"DEBT": {
		offerType:   model.OfferTypeDebt,
		amountField: "amountToRaise",
		priceField:  model.ParValueKey,
		unitsField:  "totalUnits",
	},
	"EQUITY": {
		offerType:   model.OfferTypeEquity,
		amountField: "targetRaise",
		priceField:  "pricePerShare",
		unitsField:  "sharesToList",
	},
}

// Descriptive field ids shared by both branches.
const (
	fieldSecurityType    = "securityType"
	fieldOfferName       = "offerName"
	fieldIssuerType      = "issuerType"
	fieldSecuritySubType = "securitySubType"
	fieldMarketType      = "marketType"
)

// Materialize builds a pending offer from a submission. Accumulation
// counters start at zero and the full value map is kept on the record.
func Materialize(sub Submission, offerID string, now time.Time) (model.CreatedOffer, error) {
	securityType := strings.ToUpper(model.CanonicalString(sub.Values[fieldSecurityType]))
	b, ok := branches[securityType]
	if !ok {
		return model.CreatedOffer{}, model.NewValidationError([]model.FieldError{{
			Field:   fieldSecurityType,
			Code:    model.ErrInvalidValue,
			Message: fmt.Sprintf("unsupported security type %q", securityType),
		}})
	}

	return model.CreatedOffer{
		ID:              offerID,
		TenantID:        sub.TenantID,
		CreatedBy:       sub.SubjectID,
		SchemaID:        sub.SchemaID,
		Name:            stringValue(sub.Values, fieldOfferName),
		Type:            b.offerType,
		IssuerType:      stringValue(sub.Values, fieldIssuerType),
		SecuritySubType: stringValue(sub.Values, fieldSecuritySubType),
		MarketType:      stringValue(sub.Values, fieldMarketType),
		TargetAmount:    numberValue(sub.Values, b.amountField),
		PricePerUnit:    numberValue(sub.Values, b.priceField),
		TotalUnits:      numberValue(sub.Values, b.unitsField),
		Status:          model.OfferPendingApproval,
		FormValues:      sub.Values.Clone(),
		CreatedAt:       now.UTC(),
	}, nil
}

func stringValue(values model.FormValues, id string) string {
	v, ok := values[id]
	if !ok || v == nil {
		return ""
	}
	return model.CanonicalString(v)
}

func numberValue(values model.FormValues, id string) float64 {
	n, _ := model.ToNumber(values[id])
	return n
}

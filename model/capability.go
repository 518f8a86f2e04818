package model

import "strings"

// Capabilities checked by the HTTP surface.
const (
	CapOfferingsCreate = "offerings:create"
	CapOfferingsView   = "offerings:view"
	CapOptionsView     = "options:view"
)

// CapabilitySet is a set of capabilities granted to a caller. Keys may end in
// a wildcard segment ("offerings:*") or be the bare "*".
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if every given capability is held.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

//	"*"            matches anything
//	"offerings:*"  matches "offerings:create"
//	"offerings"    matches only itself
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator maps roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	Sync() error
}

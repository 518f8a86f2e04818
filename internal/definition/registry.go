package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/offerdesk/model"
)

// snapshot is an immutable set of schemas indexed by id.
type snapshot struct {
	schemas  map[string]*model.WizardSchema
	ids      []string
	checksum string
}

// Registry is a read-optimized store of loaded wizard schemas. Readers never
// block; Replace swaps the whole snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given schemas.
func NewRegistry(schemas []model.WizardSchema) *Registry {
	r := &Registry{}
	r.Replace(schemas)
	return r
}

// Replace atomically swaps the registry contents. Later schemas win on
// duplicate ids.
func (r *Registry) Replace(schemas []model.WizardSchema) {
	s := &snapshot{schemas: make(map[string]*model.WizardSchema, len(schemas))}

	var parts []string
	for i := range schemas {
		cp := schemas[i]
		if _, seen := s.schemas[cp.ID]; !seen {
			s.ids = append(s.ids, cp.ID)
		}
		s.schemas[cp.ID] = &cp
		parts = append(parts, cp.Checksum)
	}
	sort.Strings(s.ids)
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))

	r.snap.Store(s)
}

// Get returns the schema with the given id. The returned schema is shared and
// must not be modified.
func (r *Registry) Get(id string) (*model.WizardSchema, bool) {
	s, ok := r.snap.Load().schemas[id]
	return s, ok
}

// All returns every schema ordered by id.
func (r *Registry) All() []*model.WizardSchema {
	s := r.snap.Load()
	out := make([]*model.WizardSchema, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.schemas[id])
	}
	return out
}

// Checksum returns the combined checksum of all loaded schemas.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}

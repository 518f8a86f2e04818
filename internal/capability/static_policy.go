package capability

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/offerdesk/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Roles lists the role names defined by the loaded policy, sorted.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	roles := make([]string, 0, len(e.policy.Roles))
	for role := range e.policy.Roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Sync reloads the policy file from disk. A file that fails to parse leaves
// the previous policy in place.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", e.path)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}

// Package workflow holds the in-memory workflow registry and the YAML
// bundle loader. Definitions are immutable once registered; triggers
// resolve a name to a definition here, and the advancer re-reads the
// same definition on every step transition.
package workflow

import (
	"fmt"
	"sync"

	"github.com/konduit-run/konduit/internal/domain"
)

// Registry is a concurrency-safe map of (name, version) ->
// WorkflowDefinition.
//
// Invariants:
//   - At most one definition may be registered per (name, version).
//   - Registration is expected to happen at process startup.
//   - Lookups may happen concurrently from many worker/trigger callers.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]domain.WorkflowDefinition
	// versions preserves registration order per name so Latest can
	// resolve a bare workflow name (the trigger API takes no version).
	versions map[string][]string
}

// NewRegistry constructs an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:    make(map[string]domain.WorkflowDefinition),
		versions: make(map[string][]string),
	}
}

// Register validates and adds a workflow definition. Duplicate
// (name, version) registration is almost always a wiring error, and
// failing fast at startup beats silently picking one.
func (r *Registry) Register(def domain.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow missing Name")
	}
	if def.Version == "" {
		return fmt.Errorf("workflow missing Version")
	}
	if len(def.Elements) == 0 {
		return fmt.Errorf("workflow %s@%s has no elements", def.Name, def.Version)
	}
	if err := validateElements(def.Elements); err != nil {
		return fmt.Errorf("workflow %s@%s: %w", def.Name, def.Version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := def.Key()
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("workflow already registered for %s", key)
	}
	r.byKey[key] = def
	r.versions[def.Name] = append(r.versions[def.Name], def.Version)
	return nil
}

// Latest resolves a bare workflow name to its most recently registered
// version. Registration order, not lexical comparison, defines
// "latest" — version strings are opaque identifiers here, not semver.
func (r *Registry) Latest(name string) (domain.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := r.versions[name]
	if len(vs) == 0 {
		return domain.WorkflowDefinition{}, false
	}
	def, ok := r.byKey[name+"@"+vs[len(vs)-1]]
	return def, ok
}

// Get retrieves a workflow definition by name and version.
func (r *Registry) Get(name, version string) (domain.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byKey[name+"@"+version]
	return def, ok
}

// validateElements rejects malformed elements at registration time. A
// parallel block's children are sequential steps only; nested
// parallel/branch composition is not supported.
func validateElements(elements []domain.ElementDefinition) error {
	for i, el := range elements {
		switch el.Type {
		case domain.StepSequential:
			if el.Step == nil {
				return fmt.Errorf("element %d: SEQUENTIAL missing Step", i)
			}
		case domain.StepParallel:
			if len(el.ParallelSteps) == 0 {
				return fmt.Errorf("element %d: PARALLEL has no child steps", i)
			}
		case domain.StepBranch:
			if len(el.Arms) == 0 && el.FallbackArm == nil {
				return fmt.Errorf("element %d: BRANCH has no arms and no fallback", i)
			}
			for a, arm := range el.Arms {
				if err := validateArm(arm); err != nil {
					return fmt.Errorf("element %d: arm %d: %w", i, a, err)
				}
			}
			if el.FallbackArm != nil {
				if err := validateArm(*el.FallbackArm); err != nil {
					return fmt.Errorf("element %d: fallback arm: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("element %d: unknown type %q", i, el.Type)
		}
	}
	return nil
}

// validateArm rejects malformed arm sequences at registration time
// instead of leaving them to surface as dispatch errors mid-execution.
// An arm's sequence holds sequential steps only.
func validateArm(arm domain.BranchArm) error {
	if len(arm.Sequence) == 0 {
		return fmt.Errorf("empty sequence")
	}
	for i, el := range arm.Sequence {
		if el.Type != domain.StepSequential {
			return fmt.Errorf("sequence element %d: only sequential steps are supported inside a branch arm, got %q", i, el.Type)
		}
		if el.Step == nil {
			return fmt.Errorf("sequence element %d: SEQUENTIAL missing Step", i)
		}
	}
	return nil
}

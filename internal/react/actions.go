package react

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Well-known action names.
const (
	ActionReadFile  = "READ_FILE"
	ActionWriteFile = "WRITE_FILE"
	ActionShellExec = "SHELL_EXEC"
	ActionComplete  = "COMPLETE"
	ActionFail      = "FAIL"
)

// defaultRequiredParams is the per-action required-params table applied
// when a registered action does not declare its own.
var defaultRequiredParams = map[string][]string{
	ActionReadFile:  {"path"},
	ActionWriteFile: {"path", "content"},
	ActionShellExec: {"command"},
	ActionComplete:  {},
	ActionFail:      {"reason"},
}

// ActionResult is what an action handler returns.
type ActionResult struct {
	Success     bool   `json:"success"`
	Observation string `json:"observation"`
	Data        any    `json:"data,omitempty"`
}

// ActionHandler executes an approved proposal.
type ActionHandler func(ctx context.Context, params map[string]any) (*ActionResult, error)

// ActionSpec describes a registered action for the tool catalog and
// validation.
type ActionSpec struct {
	Name        string
	Description string
	Params      map[string]string // param name -> schema hint
	Required    []string          // nil falls back to the default table
	Handler     ActionHandler
}

// ActionRegistry holds the actions a loop may execute.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]ActionSpec
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]ActionSpec)}
}

// Register adds or replaces an action.
func (r *ActionRegistry) Register(spec ActionSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[spec.Name] = spec
}

// Get returns the spec for an action name.
func (r *ActionRegistry) Get(name string) (ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.actions[name]
	return spec, ok
}

// Catalog returns all actions sorted by name, for prompt rendering.
func (r *ActionRegistry) Catalog() []ActionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionSpec, 0, len(r.actions))
	for _, spec := range r.actions {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RequiredParams returns the required parameter names for an action.
func (r *ActionRegistry) RequiredParams(name string) []string {
	r.mu.RLock()
	spec, ok := r.actions[name]
	r.mu.RUnlock()
	if ok && spec.Required != nil {
		return spec.Required
	}
	return defaultRequiredParams[name]
}

// ValidateProposal checks the proposal's structural fields against the
// registry: thought, action, and params must be present, the action must be
// registered, and every required param must be set.
func (r *ActionRegistry) ValidateProposal(p *Proposal) error {
	if p.Thought == "" {
		return fmt.Errorf("missing required field 'thought'")
	}
	if p.Action == "" {
		return fmt.Errorf("missing required field 'action'")
	}
	if p.Params == nil {
		return fmt.Errorf("missing required field 'params' (must be an object)")
	}
	if _, ok := r.Get(p.Action); !ok {
		return fmt.Errorf("unknown action '%s'", p.Action)
	}
	for _, param := range r.RequiredParams(p.Action) {
		if _, ok := p.Params[param]; !ok {
			return fmt.Errorf("action '%s' requires param '%s'", p.Action, param)
		}
	}
	return nil
}

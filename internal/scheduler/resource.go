// Package scheduler provides admission control for task dispatches:
// resource matching, payoff estimation, concurrency caps, degradation,
// and an aging priority queue.
package scheduler

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// ResourceStatus is a resource allocation state.
type ResourceStatus string

const (
	ResourceAvailable ResourceStatus = "available"
	ResourceBusy      ResourceStatus = "busy"
	ResourceDeployed  ResourceStatus = "deployed"
)

// Resource is a unit of capability the scheduler allocates.
type Resource struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Level             int            `json:"level"`
	Status            ResourceStatus `json:"status"`
	CurrentSessionID  string         `json:"current_session_id,omitempty"`
	CurrentWorkflowID string         `json:"current_workflow_id,omitempty"`
	TotalDeployments  int            `json:"total_deployments"`
}

// Requirement names a capability a task needs.
type Requirement struct {
	Type     string `json:"type"`
	MinLevel int    `json:"min_level,omitempty"`
}

// ResourcePool owns resources. Mutation is exclusive; reads return
// snapshots.
type ResourcePool struct {
	mu        sync.Mutex
	resources map[string]*Resource
}

// NewResourcePool creates an empty pool.
func NewResourcePool() *ResourcePool {
	return &ResourcePool{resources: make(map[string]*Resource)}
}

// Add registers a resource. Duplicate ids conflict.
func (p *ResourcePool) Add(res Resource) error {
	if res.ID == "" {
		return apperrors.ValidationError("id", "resource id is required")
	}
	if res.Status == "" {
		res.Status = ResourceAvailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.resources[res.ID]; exists {
		return apperrors.Conflict("resource '" + res.ID + "' already exists")
	}
	p.resources[res.ID] = &res
	return nil
}

// Remove drops a resource from the pool.
func (p *ResourcePool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resources[id]; !ok {
		return false
	}
	delete(p.resources, id)
	return true
}

// Snapshot returns copies of every resource, sorted by id.
func (p *ResourcePool) Snapshot() []Resource {
	p.mu.Lock()
	out := make([]Resource, 0, len(p.resources))
	for _, res := range p.resources {
		out = append(out, *res)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// matching returns available resources satisfying the requirement,
// lowest sufficient level first so weaker resources are spent before
// stronger ones. Caller holds the lock.
func (p *ResourcePool) matching(req Requirement) []*Resource {
	var out []*Resource
	for _, res := range p.resources {
		if res.Status != ResourceAvailable {
			continue
		}
		if res.Type != req.Type {
			continue
		}
		if res.Level < req.MinLevel {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Match reports, for each requirement, how many available resources
// satisfy it. A zero anywhere means the requirement set is unmet.
func (p *ResourcePool) Match(requirements []Requirement) (counts []int, allMet bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	allMet = true
	counts = make([]int, len(requirements))
	for i, req := range requirements {
		counts[i] = len(p.matching(req))
		if counts[i] == 0 {
			allMet = false
		}
	}
	return counts, allMet
}

// Allocate marks one matching resource busy per requirement and returns
// the allocated ids. Allocation is all-or-nothing.
func (p *ResourcePool) Allocate(requirements []Requirement, sessionID, workflowID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocated := make([]string, 0, len(requirements))
	taken := make(map[string]bool)
	for _, req := range requirements {
		var picked *Resource
		for _, res := range p.matching(req) {
			if !taken[res.ID] {
				picked = res
				break
			}
		}
		if picked == nil {
			// Roll back partial allocation.
			for _, id := range allocated {
				p.resources[id].Status = ResourceAvailable
			}
			return nil, apperrors.ResourceError("no available resource of type '" + req.Type + "'")
		}
		picked.Status = ResourceBusy
		picked.CurrentSessionID = sessionID
		picked.CurrentWorkflowID = workflowID
		picked.TotalDeployments++
		taken[picked.ID] = true
		allocated = append(allocated, picked.ID)
	}
	sort.Strings(allocated)
	return allocated, nil
}

// Release returns resources to the pool.
func (p *ResourcePool) Release(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		res, ok := p.resources[id]
		if !ok {
			continue
		}
		res.Status = ResourceAvailable
		res.CurrentSessionID = ""
		res.CurrentWorkflowID = ""
	}
}

// ResourceDecl is the YAML form of a resource in config/resources.yaml.
type ResourceDecl struct {
	ID    string `yaml:"id"`
	Type  string `yaml:"type"`
	Level int    `yaml:"level"`
}

type resourcesFile struct {
	Resources []ResourceDecl `yaml:"resources"`
}

// LoadResourceDecls reads resource declarations from a YAML file. A
// missing file is not an error; it yields no resources.
func LoadResourceDecls(path string) ([]ResourceDecl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resources file: %w", err)
	}
	var parsed resourcesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse resources file %s: %w", path, err)
	}
	return parsed.Resources, nil
}

// Usage returns the busy and total resource counts.
func (p *ResourcePool) Usage() (busy, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, res := range p.resources {
		total++
		if res.Status != ResourceAvailable {
			busy++
		}
	}
	return busy, total
}

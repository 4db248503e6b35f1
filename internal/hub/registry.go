package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
)

// Registry holds the registered modules. Mutations are serialized; listing
// returns a copy-on-write snapshot so readers never observe a partial update.
type Registry struct {
	mu      sync.Mutex
	modules map[string]*Module
	byPath  map[string]string // path -> module id
	list    []*Module         // snapshot rebuilt on mutation
	logger  *logger.Logger
}

// RegisterResult reports the outcome of a module registration.
type RegisterResult struct {
	ID                string `json:"id"`
	AlreadyRegistered bool   `json:"already_registered"`
}

// NewRegistry creates an empty module registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		modules: make(map[string]*Module),
		byPath:  make(map[string]string),
		logger:  log.WithFields(zap.String("component", "module-registry")),
	}
}

// Register adds a module from a descriptor. Registering the same Path twice
// is idempotent; registering a colliding ID is a conflict.
func (r *Registry) Register(desc Descriptor) (*RegisterResult, error) {
	if desc.ID == "" {
		return nil, apperrors.ValidationError("id", "module id is required")
	}
	switch desc.Kind {
	case KindInput:
		if desc.Input == nil {
			return nil, apperrors.ValidationError("handler", "input module requires an input handler")
		}
	case KindOutput, KindAgent:
		if desc.Output == nil {
			return nil, apperrors.ValidationError("handler", "output module requires an output handler")
		}
	default:
		return nil, apperrors.ValidationError("kind", "must be one of: input, output, agent")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.Path != "" {
		if existingID, ok := r.byPath[desc.Path]; ok {
			return &RegisterResult{ID: existingID, AlreadyRegistered: true}, nil
		}
	}
	if _, ok := r.modules[desc.ID]; ok {
		return nil, apperrors.Conflict("module '" + desc.ID + "' is already registered")
	}

	mod := &Module{
		ID:           desc.ID,
		Kind:         desc.Kind,
		Path:         desc.Path,
		Capabilities: desc.Capabilities,
		Metadata:     desc.Metadata,
		RegisteredAt: time.Now().UTC(),
		input:        desc.Input,
		output:       desc.Output,
	}
	r.modules[desc.ID] = mod
	if desc.Path != "" {
		r.byPath[desc.Path] = desc.ID
	}
	r.rebuildLocked()

	r.logger.Info("module registered",
		zap.String("module_id", desc.ID),
		zap.String("kind", string(desc.Kind)))

	return &RegisterResult{ID: desc.ID}, nil
}

// Unregister removes a module by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mod, ok := r.modules[id]
	if !ok {
		return apperrors.NotFound("module", id)
	}
	delete(r.modules, id)
	if mod.Path != "" {
		delete(r.byPath, mod.Path)
	}
	r.rebuildLocked()

	r.logger.Info("module unregistered", zap.String("module_id", id))
	return nil
}

// Get returns the module with the given id.
func (r *Registry) Get(id string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[id]
	return mod, ok
}

// List returns the current snapshot of registered modules.
func (r *Registry) List() []*Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list
}

func (r *Registry) rebuildLocked() {
	snapshot := make([]*Module, 0, len(r.modules))
	for _, mod := range r.modules {
		snapshot = append(snapshot, mod)
	}
	r.list = snapshot
}

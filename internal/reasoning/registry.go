package reasoning

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the configured providers. The first registered one is
// the default.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Chatter
	def       string
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{providers: make(map[string]Chatter), logger: logger}
}

func (r *Registry) Register(c Chatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[c.ID()] = c
	if r.def == "" {
		r.def = c.ID()
	}
	r.logger.Info("Provider registered", zap.String("id", c.ID()), zap.String("model", c.DefaultModel()))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Resolve maps an agent model reference to a provider and model name.
// "provider:model" picks a provider explicitly; anything else goes to
// the default provider, with an empty model meaning its default.
func (r *Registry) Resolve(ref string) (Chatter, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, model := r.def, ref
	if p, m, ok := strings.Cut(ref, ":"); ok {
		if _, known := r.providers[p]; known {
			id, model = p, m
		}
	}
	c, ok := r.providers[id]
	if !ok {
		return nil, "", fmt.Errorf("no provider for model %q", ref)
	}
	if model == "" {
		model = c.DefaultModel()
	}
	return c, model, nil
}

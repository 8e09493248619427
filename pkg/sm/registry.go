package sm

import (
	"fmt"
	"sync"

	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// Registry maps configured module instance ids to their ClientModule
// implementation. One Registry is shared by the executor, the
// transaction builder, and every GlobalContext in a running client.
type Registry struct {
	mu        sync.RWMutex
	instances map[txtypes.ModuleInstanceID]ClientModule
	primary   txtypes.ModuleInstanceID
	hasPrimary bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[txtypes.ModuleInstanceID]ClientModule)}
}

// Register adds module under instance. Returns an error if instance is
// already registered — module kinds are assigned distinct instance ids at
// configuration time, so a collision here is a configuration bug.
func (r *Registry) Register(instance txtypes.ModuleInstanceID, module ClientModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[instance]; exists {
		return fmt.Errorf("sm: module instance %d already registered", instance)
	}
	r.instances[instance] = module
	return nil
}

// Get returns the module registered under instance, if any.
func (r *Registry) Get(instance txtypes.ModuleInstanceID) (ClientModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.instances[instance]
	return m, ok
}

// Decoder returns the decoder for instance, if registered.
func (r *Registry) Decoder(instance txtypes.ModuleInstanceID) (Decoder, bool) {
	m, ok := r.Get(instance)
	if !ok {
		return nil, false
	}
	return m.Decoder(), true
}

// Instances returns every registered module instance id, in no particular
// order.
func (r *Registry) Instances() []txtypes.ModuleInstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]txtypes.ModuleInstanceID, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	return out
}

// SetPrimary designates instance as the primary module. The caller (the
// client builder) is responsible for having already verified instance is
// registered and reports SupportsBeingPrimary() == true.
func (r *Registry) SetPrimary(instance txtypes.ModuleInstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = instance
	r.hasPrimary = true
}

// Primary returns the designated primary module and true, or (nil, false)
// if none was designated or it is no longer registered.
func (r *Registry) Primary() (PrimaryModule, bool) {
	r.mu.RLock()
	instance, has := r.primary, r.hasPrimary
	r.mu.RUnlock()
	if !has {
		return nil, false
	}
	m, ok := r.Get(instance)
	if !ok {
		return nil, false
	}
	pm, ok := m.(PrimaryModule)
	return pm, ok
}

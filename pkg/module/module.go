// Package module builds the registry of live module instances a client
// runs: it matches configured (instance id, kind) pairs against the
// registered ClientModuleGen for that kind, derives each instance its own
// secret from the client root secret, and hands back a populated
// sm.Registry. Unknown kinds are logged and skipped rather than failing
// the whole build, per spec §6.
package module

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// Config is one entry of the client's module configuration: which kind
// of module to instantiate at which instance id, with which config blob.
type Config struct {
	InstanceID txtypes.ModuleInstanceID
	Kind       string
	Config     []byte // opaque, module-interpreted
}

// Gen instantiates one module kind's ClientModule for a given instance,
// given its derived secret and a storage namespace scoped to that
// instance (every key a module writes should start with its own
// instance's active/inactive SM keys, which already happens automatically
// via store's key schema — Gen only needs the secret and raw config).
type Gen interface {
	// ModuleKind names the module kind this generator produces (e.g.
	// "mint", "wallet", "ln").
	ModuleKind() string
	// Init builds the ClientModule for one configured instance.
	Init(ctx context.Context, instance txtypes.ModuleInstanceID, secret []byte, rawConfig []byte) (sm.ClientModule, error)
}

// Registry of Gens keyed by kind, supplied at build time via
// Builder.with_module/with_module_gens (spec §6).
type GenRegistry struct {
	gens map[string]Gen
}

// NewGenRegistry returns an empty GenRegistry.
func NewGenRegistry() *GenRegistry {
	return &GenRegistry{gens: make(map[string]Gen)}
}

// Register adds gen, keyed by its ModuleKind.
func (r *GenRegistry) Register(gen Gen) {
	r.gens[gen.ModuleKind()] = gen
}

// deriveSecret produces a per-instance secret from the client root
// secret, keyed by module kind and instance id so two instances of the
// same kind never collide and a different kind at the same instance id
// (impossible in practice, but defensively) would still differ — the
// derivation path is "kind-specific", per the original implementation's
// comment that "keys were derived using module kind-specific derivation
// paths".
func deriveSecret(rootSecret []byte, kind string, instance txtypes.ModuleInstanceID) ([]byte, error) {
	info := fmt.Sprintf("fedclient-module/%s/%d", kind, instance)
	reader := hkdf.New(sha256.New, rootSecret, nil, []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("module: deriving secret for %s/%d: %w", kind, instance, err)
	}
	return out, nil
}

// BuildRegistry instantiates every configured module whose kind is
// registered in gens, deriving each its own secret from rootSecret.
// Configs naming an unregistered kind are logged and skipped — the
// instance is simply absent from the returned registry, matching spec
// §6's "unknown kinds are logged and skipped (the instance is inactive
// for this session)".
func BuildRegistry(ctx context.Context, gens *GenRegistry, configs []Config, rootSecret []byte, logger core.Logger) (*sm.Registry, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	registry := sm.NewRegistry()
	for _, cfg := range configs {
		if cfg.InstanceID == store.TxSubmissionModuleInstanceID {
			return nil, fmt.Errorf("module: instance id %d is reserved for the tx-submission module", cfg.InstanceID)
		}
		gen, ok := gens.gens[cfg.Kind]
		if !ok {
			logger.Warnf("module: config names unknown module kind %q at instance %d; skipping", cfg.Kind, cfg.InstanceID)
			continue
		}
		secret, err := deriveSecret(rootSecret, cfg.Kind, cfg.InstanceID)
		if err != nil {
			return nil, err
		}
		mod, err := gen.Init(ctx, cfg.InstanceID, secret, cfg.Config)
		if err != nil {
			return nil, fmt.Errorf("module: initializing %s instance %d: %w", cfg.Kind, cfg.InstanceID, err)
		}
		if err := registry.Register(cfg.InstanceID, mod); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// ErrUnsupportedPrimary is returned by SelectPrimary when the named
// instance either isn't configured or can't act as primary.
var ErrUnsupportedPrimary = fmt.Errorf("module: instance is not configured or does not support being primary")

// SelectPrimary validates and designates instance as the registry's
// primary module, per the builder surface's with_primary_module
// contract (spec §6): it must be one of the configured instances and
// must report supports_being_primary() == true.
func SelectPrimary(registry *sm.Registry, instance txtypes.ModuleInstanceID) error {
	mod, ok := registry.Get(instance)
	if !ok {
		return ErrUnsupportedPrimary
	}
	primary, ok := mod.(sm.PrimaryModule)
	if !ok || !primary.SupportsBeingPrimary() {
		return ErrUnsupportedPrimary
	}
	registry.SetPrimary(instance)
	return nil
}

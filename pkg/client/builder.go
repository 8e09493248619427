package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/module"
	"github.com/fluxorio/fedclient/pkg/notifier"
	"github.com/fluxorio/fedclient/pkg/oplog"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txsm"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// ErrBuilderIncomplete is returned by Build/BuildStopped/
// BuildRestoringFromBackup when a required field was never set.
var ErrBuilderIncomplete = errors.New("client: builder missing a required field (database, federation client, or config)")

// ErrBuilderOptionAlreadySet is returned when a single-value With* setter
// (WithConfig, WithPrimaryModule, WithDatabase, WithOldClientDatabase,
// WithFederationClient, WithLogger) is
// called a second time, per spec §6's "deterministic, each setter rejects
// a second call" — a configuration error in the taxonomy of spec §7, so it
// surfaces at Build/BuildStopped/BuildRestoringFromBackup rather than
// panicking immediately. WithModuleGens and WithModule are additive by
// design (a client configures many module instances) and are exempt.
var ErrBuilderOptionAlreadySet = errors.New("client: builder option already set")

// ClientBuilder assembles a Client, mirroring spec §6's with_module/
// with_module_gens/with_config/with_primary_module/with_database/
// with_old_client_database/build surface. Every With* method mutates and
// returns the same builder for chaining; a rejected duplicate setter call
// records its error rather than breaking the chain, surfaced at Build
// time.
type ClientBuilder struct {
	gens       *module.GenRegistry
	configs    []module.Config
	primary    txtypes.ModuleInstanceID
	hasPrimary bool

	clientConfig *Config
	store        *store.Store
	oldStore     *store.Store
	oplogDir     string
	fed          federation.Client
	logger       core.Logger

	err error
}

// NewClientBuilder returns an empty ClientBuilder.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{gens: module.NewGenRegistry()}
}

// setErr records b's first rejection; later errors are dropped so the
// earliest mistake is the one reported.
func (b *ClientBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// WithModuleGens registers one or more ClientModuleGen, keyed by the kind
// each reports. Additive: may be called more than once.
func (b *ClientBuilder) WithModuleGens(gens ...module.Gen) *ClientBuilder {
	for _, g := range gens {
		b.gens.Register(g)
	}
	return b
}

// WithModule configures one module instance to be instantiated at build
// time from a previously registered Gen matching cfg.Kind. Additive: call
// once per module instance.
func (b *ClientBuilder) WithModule(cfg module.Config) *ClientBuilder {
	b.configs = append(b.configs, cfg)
	return b
}

// WithConfig sets the client's static configuration. Rejects a second
// call.
func (b *ClientBuilder) WithConfig(cfg *Config) *ClientBuilder {
	if b.clientConfig != nil {
		b.setErr(fmt.Errorf("%w: config already set", ErrBuilderOptionAlreadySet))
		return b
	}
	b.clientConfig = cfg
	return b
}

// WithPrimaryModule designates instance as the module balancing every
// transaction this client finalizes. Validated at build time: instance
// must be configured and must report supports_being_primary() == true.
// Rejects a second call.
func (b *ClientBuilder) WithPrimaryModule(instance txtypes.ModuleInstanceID) *ClientBuilder {
	if b.hasPrimary {
		b.setErr(fmt.Errorf("%w: primary module already set", ErrBuilderOptionAlreadySet))
		return b
	}
	b.primary = instance
	b.hasPrimary = true
	return b
}

// WithDatabase sets the store the client persists every state machine and
// operation to, and the directory its operation log journal lives in.
// Rejects a second call.
func (b *ClientBuilder) WithDatabase(str *store.Store, oplogDir string) *ClientBuilder {
	if b.store != nil {
		b.setErr(fmt.Errorf("%w: database already set", ErrBuilderOptionAlreadySet))
		return b
	}
	b.store = str
	b.oplogDir = oplogDir
	return b
}

// WithOldClientDatabase names a previous client database to continue
// from: Build/BuildStopped verify its root secret matches the new
// database's (or seed the new database from it, if the new one is still
// empty) rather than silently letting a migration mint an unrelated
// second identity. Optional; most callers never set this. Rejects a
// second call.
func (b *ClientBuilder) WithOldClientDatabase(old *store.Store) *ClientBuilder {
	if b.oldStore != nil {
		b.setErr(fmt.Errorf("%w: old client database already set", ErrBuilderOptionAlreadySet))
		return b
	}
	b.oldStore = old
	return b
}

// WithFederationClient sets the federation RPC handle every module and
// the tx-submission state machine call through. Rejects a second call.
func (b *ClientBuilder) WithFederationClient(fed federation.Client) *ClientBuilder {
	if b.fed != nil {
		b.setErr(fmt.Errorf("%w: federation client already set", ErrBuilderOptionAlreadySet))
		return b
	}
	b.fed = fed
	return b
}

// WithLogger overrides the default logger every component of the built
// client uses. Rejects a second call.
func (b *ClientBuilder) WithLogger(logger core.Logger) *ClientBuilder {
	if b.logger != nil {
		b.setErr(fmt.Errorf("%w: logger already set", ErrBuilderOptionAlreadySet))
		return b
	}
	b.logger = logger
	return b
}

func (b *ClientBuilder) validate() error {
	if b.err != nil {
		return b.err
	}
	if b.store == nil || b.fed == nil || b.clientConfig == nil {
		return ErrBuilderIncomplete
	}
	return nil
}

// Build instantiates every configured module, designates the primary
// module if one was set, and starts the executor over any state machines
// already active in storage (a resumed client) before returning.
func (b *ClientBuilder) Build(ctx context.Context) (*Client, error) {
	c, err := b.BuildStopped(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// BuildStopped does everything Build does except start the executor,
// leaving the caller to call Client.Start explicitly once ready.
func (b *ClientBuilder) BuildStopped(ctx context.Context) (*Client, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	secret, found, err := readRootSecret(ctx, b.store)
	if err != nil {
		return nil, err
	}
	if !found {
		if b.oldStore != nil {
			old, oldFound, err := readRootSecret(ctx, b.oldStore)
			if err != nil {
				return nil, err
			}
			if oldFound {
				secret = old
			}
		}
		if secret == nil {
			secret, err = newRootSecret()
			if err != nil {
				return nil, err
			}
		}
		if err := writeRootSecret(ctx, b.store, secret); err != nil {
			return nil, err
		}
	} else if b.oldStore != nil {
		old, oldFound, err := readRootSecret(ctx, b.oldStore)
		if err != nil {
			return nil, err
		}
		if oldFound && string(old) != string(secret) {
			return nil, fmt.Errorf("client: database root secret does not match old client database's")
		}
	}

	return b.buildInternal(ctx, secret)
}

// BuildRestoringFromBackup writes rootSecret under the client secret key
// before running the normal build path, so a client recovering from a
// backup resumes with the backed-up identity instead of minting a fresh
// one.
func (b *ClientBuilder) BuildRestoringFromBackup(ctx context.Context, rootSecret []byte) (*Client, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if err := writeRootSecret(ctx, b.store, rootSecret); err != nil {
		return nil, err
	}
	c, err := b.buildInternal(ctx, rootSecret)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *ClientBuilder) buildInternal(ctx context.Context, rootSecret []byte) (*Client, error) {
	logger := b.logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	registry, err := module.BuildRegistry(ctx, b.gens, b.configs, rootSecret, logger)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(txsm.InstanceID, txsm.NewModule(b.fed)); err != nil {
		return nil, err
	}
	if b.hasPrimary {
		if err := module.SelectPrimary(registry, b.primary); err != nil {
			return nil, err
		}
	}

	kindByInstance := make(map[txtypes.ModuleInstanceID]string, len(b.configs))
	for _, cfg := range b.configs {
		kindByInstance[cfg.InstanceID] = cfg.Kind
	}

	log, err := oplog.Open(b.oplogDir)
	if err != nil {
		return nil, err
	}

	notif := notifier.New(logger)
	executor := sm.NewExecutor(b.store, registry, notif, logger)

	return &Client{
		store:          b.store,
		oplog:          log,
		registry:       registry,
		executor:       executor,
		fed:            b.fed,
		config:         b.clientConfig,
		logger:         logger,
		kindByInstance: kindByInstance,
	}, nil
}

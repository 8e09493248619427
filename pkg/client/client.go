// Package client implements the client's global context (spec §4.7) and
// the builder surface (spec §6) that assembles one: it owns the store, the
// operation log, the module registry, the executor, and the federation
// client, and wires every state-machine transition back to them through
// the GlobalContext each transition runs with. The Client/Executor
// relationship has a back-reference by design — a GlobalContext reaches
// back into the Client that spawned it to claim inputs and fund outputs —
// mirrored on the teacher's documented GoCMD/EventBus circular reference,
// which is likewise intentional and cleaned up together at Close.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/notifier"
	"github.com/fluxorio/fedclient/pkg/oplog"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txbuilder"
	"github.com/fluxorio/fedclient/pkg/txsm"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// rootSecretLen is the size, in bytes, of the client root secret every
// module instance's own secret is derived from.
const rootSecretLen = 32

// ErrNoPrimaryModule is returned by operations that require a primary
// module when the client was built without one configured.
var ErrNoPrimaryModule = errors.New("client: no primary module configured")

// Config is the client's static configuration, supplied once via
// ClientBuilder.WithConfig and exposed read-only through
// GlobalContext.ClientConfig(). Module-specific configuration travels
// separately through module.Config.Config.
type Config struct {
	// FederationID names the federation this client talks to. Opaque to
	// the client core; modules may interpret it.
	FederationID string
	// Meta holds federation metadata cached at build time, served back
	// through Client.GetMeta without a consensus round trip.
	Meta map[string]string
}

// Client is the global client context: one per running federation
// membership, owning every module instance's state machines and the
// storage/transport they run against.
type Client struct {
	store    *store.Store
	oplog    *oplog.Log
	registry *sm.Registry
	executor *sm.Executor
	fed      federation.Client
	config   *Config
	logger   core.Logger

	kindByInstance map[txtypes.ModuleInstanceID]string

	cancel context.CancelFunc
}

// Store exposes the underlying key/value store, for callers that need to
// start their own operations outside a running state machine (e.g. a CLI
// command kicking off a deposit).
func (c *Client) Store() *store.Store { return c.store }

// Registry exposes the module registry, read-only in practice since every
// mutating method lives on sm.Registry's unexported surface once built.
func (c *Client) Registry() *sm.Registry { return c.registry }

// Notifier exposes the client-wide update bus.
func (c *Client) Notifier() *notifier.Notifier { return c.executor.Notifier() }

// GetActiveOperations returns every operation id with at least one active
// state machine, read from storage.
func (c *Client) GetActiveOperations(ctx context.Context) (map[txtypes.OperationID]struct{}, error) {
	return c.executor.GetActiveOperations(ctx)
}

// GetMeta reads a federation metadata key/value pair cached at build time.
// Pure read: never triggers a consensus round trip.
func (c *Client) GetMeta(key string) (string, bool) {
	if c.config == nil || c.config.Meta == nil {
		return "", false
	}
	v, ok := c.config.Meta[key]
	return v, ok
}

// Start launches the executor over every active state machine found in
// storage and warms up the federation version-discovery cache
// concurrently, per spec §6's "build() instantiates every configured
// module and starts the executor". The two steps share an errgroup whose
// first error is returned rather than silently dropped. A failed executor
// start cancels the discovery call; the executor's workers run under the
// client's run context, not the group's, so a discovery failure does not
// stop them.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.executor.Start(runCtx, c.newGlobalContext)
	})
	g.Go(func() error {
		_, err := c.fed.DiscoverApiVersions(gctx, c.versionSummary())
		return err
	})
	return g.Wait()
}

func (c *Client) versionSummary() federation.VersionSummary {
	summary := make(federation.VersionSummary, len(c.kindByInstance))
	for _, kind := range c.kindByInstance {
		summary[kind] = 0
	}
	return summary
}

// Close shuts the client down in the order gocmd.Close documents for its
// own EventBus/deployment pair: stop accepting new work first (cancel the
// executor's run context and wait for in-flight transitions to reach a
// suspension point), then close the components workers were still allowed
// to touch while draining (the notifier), then the federation connection,
// and finally the durable journal. Each step is independent of the others
// having succeeded, so a failure partway through still attempts the rest.
func (c *Client) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	var errs []error
	if err := c.executor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("client: stop executor: %w", err))
	}
	c.executor.Notifier().Close()
	if closer, ok := c.fed.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("client: close federation client: %w", err))
		}
	}
	if err := c.oplog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("client: close operation log: %w", err))
	}
	return errors.Join(errs...)
}

// FinalizeAndSubmit starts a brand-new client-initiated operation: it
// records the operation log entry, balances builder against the
// configured primary module, and schedules every state machine the
// resulting transaction produces, all atomically. Use the GlobalContext
// passed into a running state machine's transitions for claiming an input
// or funding an output that belongs to an operation already in motion.
func (c *Client) FinalizeAndSubmit(ctx context.Context, opID txtypes.OperationID, kind string, metadata []byte, builder *txbuilder.Builder) (txbuilder.Result, error) {
	primary, ok := c.registry.Primary()
	if !ok {
		return txbuilder.Result{}, ErrNoPrimaryModule
	}
	makeRecord := func(txid txtypes.TransactionID, tx txtypes.Transaction) sm.Record {
		return txsm.NewCreatedRecord(opID, txid, tx)
	}
	return txbuilder.FinalizeAndSubmit(ctx, c.store, c.executor, primary, opID, kind, metadata, builder, makeRecord)
}

// GetFirstInstance returns the first registered module instance id of the
// given kind, if the builder configured one. Kinds are tracked separately
// from sm.Registry (which only knows ClientModule values) so callers that
// don't care which instance answers can look one up without hard-coding
// an instance id.
func (c *Client) GetFirstInstance(kind string) (txtypes.ModuleInstanceID, bool) {
	for _, id := range c.registry.Instances() {
		if c.kindByInstance[id] == kind {
			return id, true
		}
	}
	return 0, false
}

func newRootSecret() ([]byte, error) {
	secret := make([]byte, rootSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("client: generating root secret: %w", err)
	}
	return secret, nil
}

func readRootSecret(ctx context.Context, str *store.Store) ([]byte, bool, error) {
	tx, err := str.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	data, err := tx.Get(ctx, store.ClientSecretKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func writeRootSecret(ctx context.Context, str *store.Store, secret []byte) error {
	return str.Autocommit(ctx, store.AutocommitOptions{}, func(ctx context.Context, tx *store.Tx) error {
		return tx.Put(ctx, store.ClientSecretKey(), secret)
	})
}

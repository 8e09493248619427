// Command fedclient is a runnable demonstration of the client core: it
// wires a single mock "wallet" module in as the primary module, finalizes
// one client-initiated transaction through it, waits for the
// tx-submission state machine to settle, and shuts down cleanly on
// SIGINT/SIGTERM. It is an example, not a wallet product — the mirror of
// the wider pack's cmd/example binary, adapted to this domain's wiring
// instead of a pub/sub demo.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/fedclient/pkg/client"
	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/db"
	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/module"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txbuilder"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

const walletInstance txtypes.ModuleInstanceID = 0

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults fill the rest)")
	flag.Parse()

	logger := core.NewDefaultLogger()
	if err := run(*configPath, logger); err != nil {
		logger.Errorf("fedclient: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, logger core.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := core.InitTracing(ctx, "fedclient")
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(closeCtx); err != nil {
			logger.Errorf("fedclient: shutting down tracing: %v", err)
		}
	}()

	pool, err := db.NewPool(db.DefaultPoolConfig(cfg.Store.DSN, cfg.Store.Driver))
	if err != nil {
		return fmt.Errorf("opening store pool: %w", err)
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool.DB(), cfg.Store.Driver); err != nil {
		return fmt.Errorf("ensuring store schema: %w", err)
	}
	str := store.New(pool, cfg.Store.Driver, logger)

	tokens, err := federation.NewTokenGenerator([]byte(cfg.Auth.SecretKey), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("building token generator: %w", err)
	}
	natsCfg := federation.DefaultNATSConfig()
	natsCfg.URL = cfg.Federation.NATSURL
	natsCfg.Prefix = cfg.Federation.SubjectPrefix
	natsCfg.RequestTimeout = cfg.Federation.RequestTimeout
	natsCfg.Tokens = tokens
	fed, err := federation.NewNATSClient(natsCfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to federation: %w", err)
	}

	wallet := NewWalletGen(logger)
	builder := client.NewClientBuilder().
		WithLogger(logger).
		WithConfig(&client.Config{FederationID: cfg.Federation.ID}).
		WithDatabase(str, cfg.OplogDir).
		WithFederationClient(fed).
		WithModuleGens(wallet).
		WithModule(module.Config{
			InstanceID: walletInstance,
			Kind:       walletKind,
			Config:     walletConfigJSON(cfg.Wallet.StartingBalance),
		}).
		WithPrimaryModule(walletInstance)

	c, err := builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			logger.Errorf("fedclient: closing client: %v", err)
		}
	}()

	if w, ok := client.GetFirstModule[*Wallet](c, walletKind); ok {
		logger.Infof("fedclient: wallet balance before operation: %d", w.Balance())
	}

	if err := demoOperation(ctx, c, logger); err != nil {
		logger.Errorf("fedclient: demo operation failed: %v", err)
	}

	if w, ok := client.GetFirstModule[*Wallet](c, walletKind); ok {
		logger.Infof("fedclient: wallet balance after operation: %d", w.Balance())
	}

	logger.Info("fedclient: running, press Ctrl+C to exit")
	<-ctx.Done()
	logger.Info("fedclient: shutting down")
	return nil
}

// demoOperation builds a transaction with one wallet-supplied output and
// no input, so txbuilder.Finalize's automatic top-up asks the same
// wallet to fund it — exercising CreateExactOutput, CreateSufficientInput,
// and FinalizeAndSubmit in a single self-transfer with no net balance
// change.
func demoOperation(ctx context.Context, c *client.Client, logger core.Logger) error {
	w, ok := client.GetFirstModule[*Wallet](c, walletKind)
	if !ok {
		return fmt.Errorf("no wallet module configured")
	}

	opID, err := newOperationID()
	if err != nil {
		return err
	}

	amount := w.Balance() / 2
	if amount == 0 {
		return fmt.Errorf("wallet balance too low to demo a transfer")
	}

	b := txbuilder.New()
	output, err := createExactOutput(ctx, c, w, opID, amount)
	if err != nil {
		return err
	}
	b.AddOutput(output)

	result, err := c.FinalizeAndSubmit(ctx, opID, walletKind, nil, b)
	if err != nil {
		return fmt.Errorf("finalizing demo transaction: %w", err)
	}
	logger.Infof("fedclient: submitted transaction %s", result.Transaction.TxID)

	updates := c.SubscribeTransactionUpdates(opID)
	defer updates.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := updates.AwaitAccepted(waitCtx); err != nil {
		return fmt.Errorf("awaiting transaction acceptance: %w", err)
	}
	logger.Info("fedclient: transaction accepted")
	return nil
}

// createExactOutput runs the wallet's CreateExactOutput within its
// own throwaway transaction since this call happens outside any running
// state machine's transition (there's no *store.Tx a demo main loop
// would otherwise have on hand).
func createExactOutput(ctx context.Context, c *client.Client, w *Wallet, opID txtypes.OperationID, amount store.Amount) (txtypes.ClientOutput, error) {
	var out txtypes.ClientOutput
	err := c.Store().Autocommit(ctx, store.AutocommitOptions{}, func(ctx context.Context, tx *store.Tx) error {
		var err error
		out, err = w.CreateExactOutput(ctx, tx, opID, amount)
		return err
	})
	return out, err
}

func newOperationID() (txtypes.OperationID, error) {
	var id txtypes.OperationID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating operation id: %w", err)
	}
	return id, nil
}

func walletConfigJSON(startingBalance uint64) []byte {
	if startingBalance == 0 {
		return nil
	}
	data, err := core.JSONEncode(struct {
		StartingBalance uint64 `json:"starting_balance"`
	}{StartingBalance: startingBalance})
	if err != nil {
		return nil
	}
	return data
}

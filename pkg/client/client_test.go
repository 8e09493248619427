package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/fedclient/pkg/client"
	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/db"
	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/module"
	"github.com/fluxorio/fedclient/pkg/oplog"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txbuilder"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := db.NewPool(db.PoolConfig{
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		DriverName:   "sqlite3",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	if err := store.EnsureSchema(context.Background(), pool.DB(), "sqlite3"); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store.New(pool, "sqlite3", core.NewDefaultLogger())
}

// fakeFederation is an in-memory stand-in for the NATS-backed federation
// client: SubmitTransaction immediately resolves every submission
// according to a per-test decision function, so tests don't need a real
// consensus cluster to exercise the tx-submission state machine end to
// end.
type fakeFederation struct {
	mu      sync.Mutex
	decide  func(tx txtypes.Transaction) federation.Outcome
	queried map[txtypes.TransactionID]federation.Outcome
}

func newFakeFederation(decide func(txtypes.Transaction) federation.Outcome) *fakeFederation {
	return &fakeFederation{decide: decide, queried: make(map[txtypes.TransactionID]federation.Outcome)}
}

func (f *fakeFederation) SubmitTransaction(ctx context.Context, tx txtypes.Transaction) (federation.Outcome, error) {
	outcome := f.decide(tx)
	f.mu.Lock()
	f.queried[tx.TxID] = outcome
	f.mu.Unlock()
	return outcome, nil
}

func (f *fakeFederation) QueryTransaction(ctx context.Context, txid txtypes.TransactionID) (federation.Outcome, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome, ok := f.queried[txid]
	return outcome, ok, nil
}

func (f *fakeFederation) AwaitOutputOutcome(ctx context.Context, out txtypes.OutPoint, decode func([]byte) (any, error)) (any, error) {
	return nil, errors.New("not used in these tests")
}

func (f *fakeFederation) DiscoverApiVersions(ctx context.Context, summary federation.VersionSummary) (federation.ApiVersionSet, error) {
	out := make(federation.ApiVersionSet, len(summary))
	for kind := range summary {
		out[kind] = 0
	}
	return out, nil
}

var _ federation.Client = (*fakeFederation)(nil)

func acceptAllFederation() *fakeFederation {
	return newFakeFederation(func(txtypes.Transaction) federation.Outcome {
		return federation.Outcome{Status: federation.StatusAccepted}
	})
}

// walletState is the always-terminal state a wallet note occupies; there
// is no consensus round trip to track beyond the tx-submission machine
// itself, so every note is born settled.
type walletState struct {
	outPoint txtypes.OutPoint
}

func (s *walletState) Encode() ([]byte, error) { return s.outPoint.TxID[:], nil }
func (s *walletState) Identity() []byte        { return s.outPoint.TxID[:] }

type walletDecoder struct{}

func (walletDecoder) Decode(data []byte) (sm.State, error) {
	var id txtypes.TransactionID
	copy(id[:], data)
	return &walletState{outPoint: txtypes.OutPoint{TxID: id}}, nil
}

// fakeWallet is a minimal sm.PrimaryModule keeping its whole balance in
// memory, exercising the builder/executor/federation wiring exactly as
// cmd/fedclient's demo Wallet does, without that binary's config-loading
// concerns.
type fakeWallet struct {
	instance txtypes.ModuleInstanceID

	mu      sync.Mutex
	balance store.Amount
}

func (w *fakeWallet) Decoder() sm.Decoder { return walletDecoder{} }
func (w *fakeWallet) Transitions(ctx context.Context, gctx sm.GlobalContext, state sm.State) ([]sm.Transition, error) {
	return nil, errors.New("wallet: every state is terminal")
}
func (w *fakeWallet) IsTerminal(state sm.State) bool { return true }
func (w *fakeWallet) SupportsBeingPrimary() bool     { return true }

func (w *fakeWallet) CreateSufficientInput(ctx context.Context, tx *store.Tx, opID txtypes.OperationID, amount store.Amount) (txtypes.ClientInput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balance < amount {
		return txtypes.ClientInput{}, fmt.Errorf("wallet: insufficient balance (%d < %d)", w.balance, amount)
	}
	w.balance -= amount
	instance := w.instance
	return txtypes.ClientInput{
		ModuleInstanceID: instance,
		Amount:           amount,
		StateGen: func(txid txtypes.TransactionID, idx uint32) []txtypes.Record {
			st := &walletState{outPoint: txtypes.OutPoint{TxID: txid, OutIdx: idx}}
			data, _ := st.Encode()
			return []txtypes.Record{{ModuleInstanceID: instance, OperationID: opID, Identity: st.Identity(), StateBytes: data}}
		},
	}, nil
}

func (w *fakeWallet) CreateExactOutput(ctx context.Context, tx *store.Tx, opID txtypes.OperationID, amount store.Amount) (txtypes.ClientOutput, error) {
	w.mu.Lock()
	w.balance += amount
	w.mu.Unlock()
	instance := w.instance
	return txtypes.ClientOutput{
		ModuleInstanceID: instance,
		Amount:           amount,
		StateGen: func(txid txtypes.TransactionID, idx uint32) []txtypes.Record {
			st := &walletState{outPoint: txtypes.OutPoint{TxID: txid, OutIdx: idx}}
			data, _ := st.Encode()
			return []txtypes.Record{{ModuleInstanceID: instance, OperationID: opID, Identity: st.Identity(), StateBytes: data}}
		},
	}, nil
}

func (w *fakeWallet) Balance() store.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

var _ sm.PrimaryModule = (*fakeWallet)(nil)

type walletGen struct {
	instance txtypes.ModuleInstanceID
	wallet   *fakeWallet
}

func (g *walletGen) ModuleKind() string { return "wallet" }
func (g *walletGen) Init(ctx context.Context, instance txtypes.ModuleInstanceID, secret []byte, rawConfig []byte) (sm.ClientModule, error) {
	g.wallet = &fakeWallet{instance: instance, balance: 100}
	return g.wallet, nil
}

func buildTestClient(t *testing.T, fed federation.Client) (*client.Client, *fakeWallet) {
	t.Helper()
	str := newTestStore(t)
	gen := &walletGen{}

	builder := client.NewClientBuilder().
		WithModuleGens(gen).
		WithModule(module.Config{InstanceID: 1, Kind: "wallet"}).
		WithPrimaryModule(1).
		WithConfig(&client.Config{FederationID: "test-federation"}).
		WithDatabase(str, t.TempDir()).
		WithFederationClient(fed)

	c, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, gen.wallet
}

func opID(b byte) txtypes.OperationID {
	var id txtypes.OperationID
	id[0] = b
	return id
}

// TestFinalizeAndSubmitAcceptedReachesBalance: a builder funding a
// 50-unit output against a wallet seeded with 100 is accepted, and the
// wallet's balance reflects it.
func TestFinalizeAndSubmitAcceptedReachesBalance(t *testing.T) {
	c, wallet := buildTestClient(t, acceptAllFederation())
	ctx := context.Background()
	op := opID(1)

	b := txbuilder.New()
	b.AddOutput(txtypes.ClientOutput{
		Amount:   50,
		StateGen: func(txtypes.TransactionID, uint32) []txtypes.Record { return nil },
	})

	result, err := c.FinalizeAndSubmit(ctx, op, "test-fund", nil, b)
	if err != nil {
		t.Fatalf("FinalizeAndSubmit: %v", err)
	}

	updates := c.SubscribeTransactionUpdates(op)
	defer updates.Close()
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := updates.AwaitAccepted(waitCtx); err != nil {
		t.Fatalf("AwaitAccepted: %v", err)
	}

	if wallet.Balance() != 50 {
		t.Fatalf("wallet balance after accepted spend = %d, want 50", wallet.Balance())
	}
	if len(result.Transaction.Inputs) != 1 {
		t.Fatalf("expected exactly one wallet input, got %d", len(result.Transaction.Inputs))
	}
}

// TestFinalizeAndSubmitRejected mirrors spec §8 scenario 5: a federation
// that rejects every submission drives the tx-submission state machine
// to Rejected, observable through AwaitRejected.
func TestFinalizeAndSubmitRejected(t *testing.T) {
	fed := newFakeFederation(func(txtypes.Transaction) federation.Outcome {
		return federation.Outcome{Status: federation.StatusRejected, Error: "insufficient signatures"}
	})
	c, _ := buildTestClient(t, fed)
	ctx := context.Background()
	op := opID(2)

	b := txbuilder.New()
	b.AddOutput(txtypes.ClientOutput{
		Amount:   10,
		StateGen: func(txtypes.TransactionID, uint32) []txtypes.Record { return nil },
	})
	if _, err := c.FinalizeAndSubmit(ctx, op, "test-fund", nil, b); err != nil {
		t.Fatalf("FinalizeAndSubmit: %v", err)
	}

	updates := c.SubscribeTransactionUpdates(op)
	defer updates.Close()
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := updates.AwaitRejected(waitCtx); err != nil {
		t.Fatalf("AwaitRejected: %v", err)
	}
}

// TestFinalizeAndSubmitDuplicateOperationID mirrors spec §8 scenario 4.
func TestFinalizeAndSubmitDuplicateOperationID(t *testing.T) {
	c, _ := buildTestClient(t, acceptAllFederation())
	ctx := context.Background()
	op := opID(3)

	newBuilder := func() *txbuilder.Builder {
		b := txbuilder.New()
		b.AddOutput(txtypes.ClientOutput{
			Amount:   5,
			StateGen: func(txtypes.TransactionID, uint32) []txtypes.Record { return nil },
		})
		return b
	}

	if _, err := c.FinalizeAndSubmit(ctx, op, "test-fund", nil, newBuilder()); err != nil {
		t.Fatalf("first FinalizeAndSubmit: %v", err)
	}
	_, err := c.FinalizeAndSubmit(ctx, op, "test-fund", nil, newBuilder())
	if !errors.Is(err, oplog.ErrDuplicateOperation) {
		t.Fatalf("second FinalizeAndSubmit = %v, want oplog.ErrDuplicateOperation", err)
	}
}

// TestFinalizeAndSubmitInsufficientFunds exercises the primary module
// returning an error when it cannot cover the requested amount: no
// operation should be started.
func TestFinalizeAndSubmitInsufficientFunds(t *testing.T) {
	c, _ := buildTestClient(t, acceptAllFederation())
	ctx := context.Background()
	op := opID(4)

	b := txbuilder.New()
	b.AddOutput(txtypes.ClientOutput{
		Amount:   10_000, // far more than the wallet's seeded balance of 100
		StateGen: func(txtypes.TransactionID, uint32) []txtypes.Record { return nil },
	})

	if _, err := c.FinalizeAndSubmit(ctx, op, "test-fund", nil, b); err == nil {
		t.Fatal("expected FinalizeAndSubmit to fail when the primary module cannot cover the amount")
	}

	tx, err := c.Store().Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := oplog.GetEntry(ctx, tx, op); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no operation log entry after a failed finalize, got err=%v", err)
	}
}

// TestGetActiveOperationsReflectsStorage exercises Client.GetActiveOperations
// against the authoritative storage scan, not in-memory bookkeeping.
func TestGetActiveOperationsReflectsStorage(t *testing.T) {
	c, _ := buildTestClient(t, acceptAllFederation())
	ctx := context.Background()
	op := opID(5)

	b := txbuilder.New()
	b.AddOutput(txtypes.ClientOutput{
		Amount:   1,
		StateGen: func(txtypes.TransactionID, uint32) []txtypes.Record { return nil },
	})
	if _, err := c.FinalizeAndSubmit(ctx, op, "test-fund", nil, b); err != nil {
		t.Fatalf("FinalizeAndSubmit: %v", err)
	}

	updates := c.SubscribeTransactionUpdates(op)
	defer updates.Close()
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := updates.AwaitAccepted(waitCtx); err != nil {
		t.Fatalf("AwaitAccepted: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		active, err := c.GetActiveOperations(ctx)
		if err != nil {
			t.Fatalf("GetActiveOperations: %v", err)
		}
		if _, stillActive := active[op]; !stillActive {
			return
		}
		select {
		case <-deadline:
			t.Fatal("operation still reported active after its only tx-submission SM accepted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestBuilderRejectsDuplicateSetters exercises spec §6's "deterministic,
// each setter rejects a second call" for WithConfig, WithPrimaryModule,
// WithDatabase and WithFederationClient.
func TestBuilderRejectsDuplicateSetters(t *testing.T) {
	str := newTestStore(t)
	fed := acceptAllFederation()

	cases := []struct {
		name string
		set  func(b *client.ClientBuilder) *client.ClientBuilder
	}{
		{"WithConfig", func(b *client.ClientBuilder) *client.ClientBuilder {
			return b.WithConfig(&client.Config{}).WithConfig(&client.Config{})
		}},
		{"WithPrimaryModule", func(b *client.ClientBuilder) *client.ClientBuilder {
			return b.WithPrimaryModule(1).WithPrimaryModule(2)
		}},
		{"WithDatabase", func(b *client.ClientBuilder) *client.ClientBuilder {
			return b.WithDatabase(str, t.TempDir()).WithDatabase(str, t.TempDir())
		}},
		{"WithFederationClient", func(b *client.ClientBuilder) *client.ClientBuilder {
			return b.WithFederationClient(fed).WithFederationClient(fed)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.set(client.NewClientBuilder())
			_, err := b.BuildStopped(context.Background())
			if !errors.Is(err, client.ErrBuilderOptionAlreadySet) {
				t.Fatalf("BuildStopped: expected %v, got %v", client.ErrBuilderOptionAlreadySet, err)
			}
		})
	}
}

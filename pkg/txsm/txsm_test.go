package txsm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/txsm"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

func TestBackoffExponentialWithCap(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, time.Minute}, // would be 64s uncapped; capped at 60s
	}
	for _, c := range cases {
		if got := txsm.Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffNeverExceedsOneMinute(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		if d := txsm.Backoff(attempt); d > time.Minute {
			t.Fatalf("Backoff(%d) = %v, exceeds 1 minute cap", attempt, d)
		}
	}
}

func TestNewCreatedRecordIdentityIsTxID(t *testing.T) {
	var opID txtypes.OperationID
	opID[0] = 9
	txid := txtypes.TransactionID{1, 2, 3}
	tx := txtypes.Transaction{TxID: txid}

	rec := txsm.NewCreatedRecord(opID, txid, tx)
	if rec.ModuleInstanceID != txsm.InstanceID {
		t.Fatalf("record module instance = %d, want reserved InstanceID", rec.ModuleInstanceID)
	}
	if rec.OperationID != opID {
		t.Fatalf("record operation id mismatch")
	}
	if string(rec.Identity) != string(txid[:]) {
		t.Fatalf("record identity = %x, want txid %x", rec.Identity, txid)
	}
}

// fakeFederationClient implements federation.Client with a scripted
// submission outcome, for exercising txsm.Module's step transitions
// without a real NATS federation.
type fakeFederationClient struct {
	submitOutcome federation.Outcome
	submitErr     error
	submitCalls   int
}

func (f *fakeFederationClient) SubmitTransaction(ctx context.Context, tx txtypes.Transaction) (federation.Outcome, error) {
	f.submitCalls++
	return f.submitOutcome, f.submitErr
}

func (f *fakeFederationClient) QueryTransaction(ctx context.Context, txid txtypes.TransactionID) (federation.Outcome, bool, error) {
	return federation.Outcome{}, false, nil
}

func (f *fakeFederationClient) AwaitOutputOutcome(ctx context.Context, out txtypes.OutPoint, decode func([]byte) (any, error)) (any, error) {
	return nil, errors.New("not used")
}

func (f *fakeFederationClient) DiscoverApiVersions(ctx context.Context, summary federation.VersionSummary) (federation.ApiVersionSet, error) {
	return nil, errors.New("not used")
}

var _ federation.Client = (*fakeFederationClient)(nil)

func decodeCreated(t *testing.T, mod *txsm.Module, stateBytes []byte) interface {
	Encode() ([]byte, error)
	Identity() []byte
} {
	t.Helper()
	state, err := mod.Decoder().Decode(stateBytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return state
}

func TestModuleTransitionsAcceptedOnSuccess(t *testing.T) {
	var opID txtypes.OperationID
	txid := txtypes.TransactionID{5}
	rec := txsm.NewCreatedRecord(opID, txid, txtypes.Transaction{TxID: txid})

	fed := &fakeFederationClient{submitOutcome: federation.Outcome{Status: federation.StatusAccepted}}
	mod := txsm.NewModule(fed)
	decoded := decodeCreated(t, mod, rec.StateBytes)

	transitions, err := mod.Transitions(context.Background(), nil, decoded)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("Transitions returned %d descriptors, want 2 (submit-and-poll, query-acceptance)", len(transitions))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := transitions[0].Trigger(ctx)
	if err != nil {
		t.Fatalf("submit-and-poll trigger: %v", err)
	}

	next, err := transitions[0].Step(ctx, value, decoded, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !mod.IsTerminal(next) {
		t.Fatal("expected Accepted to be terminal")
	}
	if fed.submitCalls != 1 {
		t.Fatalf("submitCalls = %d, want 1", fed.submitCalls)
	}
}

func TestModuleTransitionsRejected(t *testing.T) {
	var opID txtypes.OperationID
	txid := txtypes.TransactionID{6}
	rec := txsm.NewCreatedRecord(opID, txid, txtypes.Transaction{TxID: txid})

	fed := &fakeFederationClient{submitOutcome: federation.Outcome{Status: federation.StatusRejected, Error: "double spend"}}
	mod := txsm.NewModule(fed)
	decoded := decodeCreated(t, mod, rec.StateBytes)

	transitions, err := mod.Transitions(context.Background(), nil, decoded)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := transitions[0].Trigger(ctx)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	next, err := transitions[0].Step(ctx, value, decoded, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !mod.IsTerminal(next) {
		t.Fatal("expected Rejected to be terminal")
	}
}

func TestModuleTransitionsTransientReschedules(t *testing.T) {
	var opID txtypes.OperationID
	txid := txtypes.TransactionID{7}
	rec := txsm.NewCreatedRecord(opID, txid, txtypes.Transaction{TxID: txid})

	fed := &fakeFederationClient{submitOutcome: federation.Outcome{Status: federation.StatusTransient}}
	mod := txsm.NewModule(fed)
	decoded := decodeCreated(t, mod, rec.StateBytes)

	transitions, err := mod.Transitions(context.Background(), nil, decoded)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := transitions[0].Trigger(ctx)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	next, err := transitions[0].Step(ctx, value, decoded, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if mod.IsTerminal(next) {
		t.Fatal("a transient outcome should not terminate the state machine")
	}
}

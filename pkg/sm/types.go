// Package sm implements the state machine abstraction state §4.1
// describes: persisted records, the module contract that advances them,
// and the global per-(module, operation) capability object every
// transition step runs with. The executor that drives these machines
// lives in executor.go within this same package — it is the one piece of
// the core tightly enough coupled to the abstraction that splitting it
// into its own package would just mean two packages importing each
// other's unexported details through exported seams.
package sm

import (
	"context"

	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/notifier"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// Record re-exports txtypes.Record: the persisted unit the executor
// loads, advances, and writes back.
type Record = txtypes.Record

// Update re-exports notifier.Update: the shape published on every state
// transition.
type Update = notifier.Update

// State is the opaque, module-decoded payload identifying a state
// machine's current state and carrying any data that state needs. Every
// concrete state type a module defines must implement this.
type State interface {
	// Encode serializes the state to the bytes stored in a Record.
	Encode() ([]byte, error)
	// Identity returns the key component that disambiguates this state
	// machine from others sharing the same (module instance, operation)
	// pair — e.g. a transaction id, or an input/output index. Must be
	// stable across the state machine's entire lifetime: transitioning
	// never changes a state machine's Identity, only its encoded
	// contents.
	Identity() []byte
}

// Decoder turns the raw bytes of a Record back into a State, for one
// module.
type Decoder interface {
	Decode(data []byte) (State, error)
}

// TriggerFunc is an awaitable that resolves to a value once some external
// or timed event fires. Implementations must be restartable: a trigger is
// re-evaluated from persisted state after every crash, so it must derive
// what it's waiting for from the state passed to Transitions, never from
// in-memory-only values. Transient I/O errors (a flaky network call)
// should be absorbed inside the trigger with its own retry/backoff —
// returning an error here aborts the surrounding worker's current attempt
// entirely, which is appropriate only for non-retryable conditions (a
// canceled context).
type TriggerFunc func(ctx context.Context) (any, error)

// StepFunc synchronously computes the next state once a trigger has
// fired. It runs inside the storage transaction that also deletes the old
// active record and writes the new one, so any additional storage
// mutations it performs (typically via GlobalContext) are atomic with the
// transition itself. A step must not fail due to business-logic reasons —
// those are expressed by transitioning to a failure state — but may
// return an error for genuine I/O/encoding failures in that storage
// transaction, which aborts the attempt for an Autocommit retry.
type StepFunc func(ctx context.Context, triggerResult any, old State, tx *store.Tx) (State, error)

// Transition pairs one trigger with the step that consumes its result.
type Transition struct {
	Trigger TriggerFunc
	Step    StepFunc
}

// ClientModule is the per-instance contract a module implements so its
// state machines can be driven by the executor. One ClientModule value
// serves every state machine belonging to its module instance.
type ClientModule interface {
	// Decoder returns the decoder for this module's state machine states.
	Decoder() Decoder
	// Transitions returns the transition descriptors applicable to the
	// current state. Returning zero transitions for a non-terminal state
	// is a module bug (the state machine would never advance); returning
	// any for a terminal state is likewise a bug, since IsTerminal states
	// are never passed back through the executor.
	Transitions(ctx context.Context, gctx GlobalContext, state State) ([]Transition, error)
	// IsTerminal reports whether state has no further transitions.
	IsTerminal(state State) bool
}

// PrimaryModule is the single module instance designated at client-build
// time to balance transactions: producing inputs for exact requested
// amounts and absorbing exact change. Exactly one configured instance may
// report SupportsBeingPrimary() == true to be eligible.
type PrimaryModule interface {
	ClientModule
	// SupportsBeingPrimary reports whether this module is capable of
	// acting as the primary module at all (most module kinds are not).
	SupportsBeingPrimary() bool
	// CreateSufficientInput returns an input covering amount plus the
	// input's own fee. The module must never return an input that,
	// net of its own fee, leaves the builder still underfunded.
	CreateSufficientInput(ctx context.Context, tx *store.Tx, opID txtypes.OperationID, amount store.Amount) (txtypes.ClientInput, error)
	// CreateExactOutput returns an output absorbing exactly amount.
	CreateExactOutput(ctx context.Context, tx *store.Tx, opID txtypes.OperationID, amount store.Amount) (txtypes.ClientOutput, error)
}

// GlobalContext is the capability surface passed into every transition
// step, scoped to one (module instance, operation) pair. Every
// storage-tx-taking method is reentrant: it uses the exact *store.Tx the
// caller holds, so whatever it does commits atomically with the rest of
// the step.
type GlobalContext interface {
	// ModuleInstanceID is this context's owning module instance.
	ModuleInstanceID() txtypes.ModuleInstanceID
	// OperationID is this context's owning operation.
	OperationID() txtypes.OperationID

	// ModuleAPI is a federation RPC handle bound to this module's
	// instance id: the module can make calls without learning its own
	// instance id.
	ModuleAPI() federation.ModuleAPI
	// API is an unscoped federation RPC handle, for core operations that
	// aren't attributable to one module (e.g. submitting a transaction
	// that spans several).
	API() federation.API
	// Decoders is an immutable view of every configured module's decoder,
	// keyed by instance id.
	Decoders() *Registry
	// ClientConfig is an immutable view of the client's configuration.
	ClientConfig() any

	// ClaimInput builds and submits a transaction with input as its sole
	// input and a primary-module output absorbing its value, returning
	// the transaction id and the change outpoint if one was needed.
	// Cannot fail due to funding: the input funds the output.
	ClaimInput(ctx context.Context, tx *store.Tx, input txtypes.ClientInput) (txtypes.TransactionID, *txtypes.OutPoint, error)
	// FundOutput builds and submits a transaction funding output via the
	// primary module, failing with ErrInsufficientFunds if the primary
	// module cannot produce a matching input.
	FundOutput(ctx context.Context, tx *store.Tx, output txtypes.ClientOutput) (txtypes.TransactionID, error)
	// AddStateMachine registers a new state machine belonging to the same
	// (module instance, operation) as this context, within tx.
	AddStateMachine(ctx context.Context, tx *store.Tx, rec Record) error
	// TransactionUpdateStream subscribes to the tx-submission state
	// machine's updates for opID.
	TransactionUpdateStream(opID txtypes.OperationID) (<-chan Update, func())
}

// PendingScheduler is an optional capability a GlobalContext implementation
// may provide. ClaimInput/FundOutput/AddStateMachine commit new state
// machine records inside the caller's in-flight transaction, before the
// executor knows whether that transaction will actually commit; a
// GlobalContext that also implements PendingScheduler lets the executor
// reset the pending list before each commit attempt and, once a commit
// truly succeeds, pick up whatever records were produced and schedule them
// immediately rather than waiting for the next restart scan.
type PendingScheduler interface {
	ResetPending()
	TakePending() []Record
}

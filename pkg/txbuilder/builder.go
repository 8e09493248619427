// Package txbuilder assembles a transaction from module-supplied inputs
// and outputs, balances it via the primary module, and finalizes it into
// storage together with every state machine that will track it — the
// "transaction builder and balancer" of spec §4.4.
package txbuilder

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/oplog"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// ErrAmountOverflow is returned when totaling inputs or outputs would
// overflow an Amount.
var ErrAmountOverflow = store.ErrAmountOverflow

// BalanceKind classifies the relationship between a builder's total
// inputs and total outputs-plus-fees.
type BalanceKind int

const (
	// Balanced means inputs exactly cover outputs and fees.
	Balanced BalanceKind = iota
	// Overfunded means inputs exceed outputs and fees by Amount; a change
	// output is needed.
	Overfunded
	// Underfunded means inputs fall short of outputs and fees by Amount;
	// an additional input is needed.
	Underfunded
)

// BalanceState is the result of totaling a Builder's current inputs and
// outputs.
type BalanceState struct {
	Kind   BalanceKind
	Amount store.Amount
}

// Builder accumulates the client-inputs and client-outputs of one
// transaction before it is finalized. It is ephemeral: nothing about a
// Builder is persisted until Finalize succeeds.
type Builder struct {
	inputs  []txtypes.ClientInput
	outputs []txtypes.ClientOutput
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// AddInput appends a module-supplied input.
func (b *Builder) AddInput(in txtypes.ClientInput) {
	b.inputs = append(b.inputs, in)
}

// AddOutput appends a module-supplied output.
func (b *Builder) AddOutput(out txtypes.ClientOutput) {
	b.outputs = append(b.outputs, out)
}

// Balance computes Σ output.amount + Σ (input.fee + output.fee) against
// Σ input.amount, per spec §4.4. All arithmetic is overflow-checked.
func (b *Builder) Balance() (BalanceState, error) {
	var inTotal, outTotal, fees store.Amount
	var err error
	for _, in := range b.inputs {
		if inTotal, err = inTotal.Add(in.Amount); err != nil {
			return BalanceState{}, ErrAmountOverflow
		}
		if fees, err = fees.Add(in.Fee); err != nil {
			return BalanceState{}, ErrAmountOverflow
		}
	}
	for _, out := range b.outputs {
		if outTotal, err = outTotal.Add(out.Amount); err != nil {
			return BalanceState{}, ErrAmountOverflow
		}
		if fees, err = fees.Add(out.Fee); err != nil {
			return BalanceState{}, ErrAmountOverflow
		}
	}
	required, err := outTotal.Add(fees)
	if err != nil {
		return BalanceState{}, ErrAmountOverflow
	}

	switch {
	case inTotal == required:
		return BalanceState{Kind: Balanced}, nil
	case inTotal > required:
		diff, _ := inTotal.Sub(required)
		return BalanceState{Kind: Overfunded, Amount: diff}, nil
	default:
		diff, _ := required.Sub(inTotal)
		return BalanceState{Kind: Underfunded, Amount: diff}, nil
	}
}

// Result is everything Finalize produces: the finalized transaction, the
// index its change output landed at (if any), and the state machine
// records it generated (input records in input order, then output
// records in output order, then the tx-submission record), for the
// caller to hand to the executor.
type Result struct {
	Transaction txtypes.Transaction
	ChangeIdx   *uint32
	Records     []sm.Record
}

// ErrStillUnbalanced is an invariant violation: the primary module
// returned an input that, net of its own fee, left the builder
// underfunded. The primary module contract requires it to cover its own
// fee; a module that doesn't is a module bug, not a retryable condition.
var ErrStillUnbalanced = errors.New("txbuilder: primary module input left transaction underfunded")

// Finalize runs the deterministic finalization algorithm of spec §4.4: it
// tops up or absorbs change via primary, computes the transaction id,
// invokes every input/output's state generator, and appends a fresh
// tx-submission state machine. It does not write anything to storage —
// that is FinalizeAndSubmit's job, so tests can exercise the pure
// balancing/id-assignment logic without a store.
func (b *Builder) Finalize(ctx context.Context, tx *store.Tx, primary sm.PrimaryModule, opID txtypes.OperationID, makeSubmissionRecord func(txtypes.TransactionID, txtypes.Transaction) sm.Record) (Result, error) {
	ctx, span := core.Tracer().Start(ctx, "txbuilder.Finalize",
		trace.WithAttributes(
			attribute.Int("txbuilder.input_count", len(b.inputs)),
			attribute.Int("txbuilder.output_count", len(b.outputs)),
		))
	defer span.End()

	result, err := b.finalize(ctx, tx, primary, opID, makeSubmissionRecord)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.String("txbuilder.txid", result.Transaction.TxID.String()))
	return result, nil
}

func (b *Builder) finalize(ctx context.Context, tx *store.Tx, primary sm.PrimaryModule, opID txtypes.OperationID, makeSubmissionRecord func(txtypes.TransactionID, txtypes.Transaction) sm.Record) (Result, error) {
	state, err := b.Balance()
	if err != nil {
		return Result{}, err
	}

	if state.Kind == Underfunded {
		in, err := primary.CreateSufficientInput(ctx, tx, opID, state.Amount)
		if err != nil {
			return Result{}, fmt.Errorf("txbuilder: primary module could not create a sufficient input: %w", err)
		}
		b.AddInput(in)
		state, err = b.Balance()
		if err != nil {
			return Result{}, err
		}
		if state.Kind == Underfunded {
			return Result{}, ErrStillUnbalanced
		}
	}

	var changeIdx *uint32
	if state.Kind == Overfunded {
		out, err := primary.CreateExactOutput(ctx, tx, opID, state.Amount)
		if err != nil {
			return Result{}, fmt.Errorf("txbuilder: primary module could not create a change output: %w", err)
		}
		idx := uint32(len(b.outputs))
		changeIdx = &idx
		b.AddOutput(out)
	}

	final, err := b.Balance()
	if err != nil {
		return Result{}, err
	}
	if final.Kind != Balanced {
		// An invariant violation: after primary top-up/absorb the builder
		// must balance exactly. Signals a primary-module bug.
		panic(fmt.Sprintf("txbuilder: builder not balanced after finalization (kind=%d amount=%d)", final.Kind, final.Amount))
	}

	txInputs := make([]txtypes.TxInput, len(b.inputs))
	for i, in := range b.inputs {
		txInputs[i] = txtypes.TxInput{ModuleInstanceID: in.ModuleInstanceID, Payload: in.Payload}
	}
	txOutputs := make([]txtypes.TxOutput, len(b.outputs))
	for i, out := range b.outputs {
		txOutputs[i] = txtypes.TxOutput{ModuleInstanceID: out.ModuleInstanceID, Payload: out.Payload}
	}
	txid, err := txtypes.ComputeTransactionID(txInputs, txOutputs)
	if err != nil {
		return Result{}, err
	}

	witnesses := make([][]byte, len(b.inputs))
	for i, in := range b.inputs {
		for _, k := range in.Keys {
			witnesses[i] = append(witnesses[i], k...)
		}
	}
	finalTx := txtypes.Transaction{TxID: txid, Inputs: txInputs, Outputs: txOutputs, Witnesses: witnesses}

	var records []sm.Record
	for i, in := range b.inputs {
		if in.StateGen == nil {
			continue
		}
		records = append(records, in.StateGen(txid, uint32(i))...)
	}
	for i, out := range b.outputs {
		if out.StateGen == nil {
			continue
		}
		records = append(records, out.StateGen(txid, uint32(i))...)
	}
	records = append(records, makeSubmissionRecord(txid, finalTx))

	return Result{Transaction: finalTx, ChangeIdx: changeIdx, Records: records}, nil
}

// FinalizeAndSubmit runs Finalize and writes its results through
// str.Autocommit in a single storage transaction alongside a fresh
// operation log entry, per spec §4.4 step 7 and the atomicity invariant
// of spec §8 property 1. On success it schedules the generated records
// with sched so the executor starts driving them immediately.
func FinalizeAndSubmit(
	ctx context.Context,
	str *store.Store,
	sched interface{ Schedule([]sm.Record) },
	primary sm.PrimaryModule,
	opID txtypes.OperationID,
	kind string,
	metadata []byte,
	builder *Builder,
	makeSubmissionRecord func(txtypes.TransactionID, txtypes.Transaction) sm.Record,
) (Result, error) {
	ctx, span := core.Tracer().Start(ctx, "txbuilder.FinalizeAndSubmit",
		trace.WithAttributes(attribute.String("txbuilder.operation_kind", kind)))
	defer span.End()

	// Autocommit may invoke fn more than once after a storage conflict, but
	// Finalize is not safe to re-run on the same *Builder*: it mutates
	// b.inputs/b.outputs in place and calls the primary module again, which
	// would re-balance on top of change/top-up state left over from the
	// previous, rolled-back attempt. Snapshot the caller-supplied inputs
	// and outputs once, and hand each attempt a fresh Builder seeded from
	// that snapshot so every retry balances and calls primary from the
	// same starting point.
	origInputs := append([]txtypes.ClientInput(nil), builder.inputs...)
	origOutputs := append([]txtypes.ClientOutput(nil), builder.outputs...)

	var result Result
	err := str.Autocommit(ctx, store.AutocommitOptions{}, func(ctx context.Context, tx *store.Tx) error {
		attempt := &Builder{
			inputs:  append([]txtypes.ClientInput(nil), origInputs...),
			outputs: append([]txtypes.ClientOutput(nil), origOutputs...),
		}
		if err := oplog.AddEntry(ctx, tx, opID, kind, metadata); err != nil {
			return err
		}
		r, err := attempt.Finalize(ctx, tx, primary, opID, makeSubmissionRecord)
		if err != nil {
			return err
		}
		if err := sm.AddStateMachines(ctx, tx, r.Records); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.String("txbuilder.txid", result.Transaction.TxID.String()))
	sched.Schedule(result.Records)
	return result, nil
}

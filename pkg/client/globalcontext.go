package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxorio/fedclient/pkg/federation"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txbuilder"
	"github.com/fluxorio/fedclient/pkg/txsm"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// ErrInsufficientFunds is returned by FundOutput when the primary module
// cannot produce an input covering the requested output.
var ErrInsufficientFunds = errors.New("client: primary module could not fund output")

// globalContext is the sm.GlobalContext a state machine transition runs
// with, scoped to one (module instance, operation) pair. It is built fresh
// for every worker loop iteration by Client.newGlobalContext and discarded
// once that iteration's transition commits.
type globalContext struct {
	client  *Client
	module  txtypes.ModuleInstanceID
	opID    txtypes.OperationID
	pending []sm.Record
}

func (c *Client) newGlobalContext(module txtypes.ModuleInstanceID, opID txtypes.OperationID) sm.GlobalContext {
	return &globalContext{client: c, module: module, opID: opID}
}

func (g *globalContext) ModuleInstanceID() txtypes.ModuleInstanceID { return g.module }
func (g *globalContext) OperationID() txtypes.OperationID           { return g.opID }

func (g *globalContext) ModuleAPI() federation.ModuleAPI {
	return federation.NewModuleAPI(g.client.fed, g.module)
}

func (g *globalContext) API() federation.API {
	return g.client.fed
}

func (g *globalContext) Decoders() *sm.Registry {
	return g.client.registry
}

func (g *globalContext) ClientConfig() any {
	return g.client.config
}

func (g *globalContext) makeSubmissionRecord(txid txtypes.TransactionID, tx txtypes.Transaction) sm.Record {
	return txsm.NewCreatedRecord(g.opID, txid, tx)
}

// ClaimInput implements sm.GlobalContext: it builds and finalizes a
// transaction whose sole input is input and whose sole output is the
// primary module's exact-change absorber, inside tx. Cannot fail for
// funding reasons — the input is the funding.
func (g *globalContext) ClaimInput(ctx context.Context, tx *store.Tx, input txtypes.ClientInput) (txtypes.TransactionID, *txtypes.OutPoint, error) {
	primary, ok := g.client.registry.Primary()
	if !ok {
		return txtypes.TransactionID{}, nil, ErrNoPrimaryModule
	}
	b := txbuilder.New()
	b.AddInput(input)
	result, err := b.Finalize(ctx, tx, primary, g.opID, g.makeSubmissionRecord)
	if err != nil {
		return txtypes.TransactionID{}, nil, err
	}
	if err := g.commitRecords(ctx, tx, result.Records); err != nil {
		return txtypes.TransactionID{}, nil, err
	}
	var change *txtypes.OutPoint
	if result.ChangeIdx != nil {
		change = &txtypes.OutPoint{TxID: result.Transaction.TxID, OutIdx: *result.ChangeIdx}
	}
	return result.Transaction.TxID, change, nil
}

// FundOutput implements sm.GlobalContext: it asks the primary module for
// an input covering output's amount plus fees, inside tx.
func (g *globalContext) FundOutput(ctx context.Context, tx *store.Tx, output txtypes.ClientOutput) (txtypes.TransactionID, error) {
	primary, ok := g.client.registry.Primary()
	if !ok {
		return txtypes.TransactionID{}, ErrNoPrimaryModule
	}
	b := txbuilder.New()
	b.AddOutput(output)
	before, err := b.Balance()
	if err != nil {
		return txtypes.TransactionID{}, err
	}
	result, err := b.Finalize(ctx, tx, primary, g.opID, g.makeSubmissionRecord)
	if err != nil {
		if before.Kind == txbuilder.Underfunded {
			return txtypes.TransactionID{}, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return txtypes.TransactionID{}, err
	}
	if err := g.commitRecords(ctx, tx, result.Records); err != nil {
		return txtypes.TransactionID{}, err
	}
	return result.Transaction.TxID, nil
}

// AddStateMachine implements sm.GlobalContext: it registers rec as active
// within tx, belonging to this context's own (module, operation) pair.
func (g *globalContext) AddStateMachine(ctx context.Context, tx *store.Tx, rec sm.Record) error {
	return g.commitRecords(ctx, tx, []sm.Record{rec})
}

func (g *globalContext) commitRecords(ctx context.Context, tx *store.Tx, records []sm.Record) error {
	if err := sm.AddStateMachines(ctx, tx, records); err != nil {
		return err
	}
	g.pending = append(g.pending, records...)
	return nil
}

// TransactionUpdateStream implements sm.GlobalContext.
func (g *globalContext) TransactionUpdateStream(opID txtypes.OperationID) (<-chan sm.Update, func()) {
	return g.client.executor.Notifier().Subscribe(sm.Topic(txsm.InstanceID, opID))
}

// ResetPending and TakePending implement sm.PendingScheduler: the
// executor calls ResetPending before every commit attempt (discarding
// whatever a previous, conflicted attempt queued) and TakePending once a
// commit has actually succeeded, so it knows what to schedule.
func (g *globalContext) ResetPending() {
	g.pending = nil
}

func (g *globalContext) TakePending() []sm.Record {
	p := g.pending
	g.pending = nil
	return p
}

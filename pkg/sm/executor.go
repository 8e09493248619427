package sm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/notifier"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// ContextGenerator produces the GlobalContext a worker uses while driving
// one state machine, given the (module instance, operation) it belongs
// to. Supplied once to Executor.Start and retained for the executor's
// lifetime.
type ContextGenerator func(module txtypes.ModuleInstanceID, opID txtypes.OperationID) GlobalContext

// errStaleRecord aborts an Autocommit attempt without triggering a retry:
// it means another worker already transitioned this record, so this
// worker's race result is moot and it should stop rather than keep
// fighting for a record that no longer exists in the form it expects.
var errStaleRecord = errors.New("sm: active record changed before commit")

// Executor owns every live state machine in a running client: it
// schedules one worker per active record, advances it through
// Transitions/race/step, and persists the result atomically. Per spec
// §4.2/§5, transitions of a single state machine are strictly serialized
// (enforced by the storage conflict on commit plus the in-memory
// scheduling guard below); transitions of different state machines are
// unordered.
type Executor struct {
	store    *store.Store
	registry *Registry
	notif    *notifier.Notifier
	logger   core.Logger

	mu         sync.Mutex
	started    bool
	contextGen ContextGenerator
	runCtx     context.Context
	cancel     context.CancelFunc
	running    map[string]struct{} // storage key -> in-flight worker guard
	wg         sync.WaitGroup
}

// NewExecutor builds an Executor. It does nothing until Start is called.
func NewExecutor(str *store.Store, registry *Registry, notif *notifier.Notifier, logger core.Logger) *Executor {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Executor{
		store:    str,
		registry: registry,
		notif:    notif,
		logger:   logger,
		running:  make(map[string]struct{}),
	}
}

// Notifier exposes the broadcast surface publishers write to and
// subscribers read from.
func (e *Executor) Notifier() *notifier.Notifier {
	return e.notif
}

// AddStateMachines inserts records as active within tx. It does not by
// itself schedule workers for them — callers must call Schedule with the
// same records once their surrounding transaction has committed, mirroring
// the spec's "on commit, the executor (if running) picks them up": this
// storage layer has no native commit hook, so the hand-off is explicit.
func (e *Executor) AddStateMachines(ctx context.Context, tx *store.Tx, records []Record) error {
	return AddStateMachines(ctx, tx, records)
}

// Start scans the active-record prefix and launches one worker per
// record found, then returns. Idempotent: a second call is a no-op. ctx
// governs the lifetime of every worker spawned, both at Start and by any
// later Schedule call — canceling it (or calling Stop) requests shutdown
// at each worker's next suspension point, per spec §5.
func (e *Executor) Start(ctx context.Context, contextGen ContextGenerator) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.started = true
	e.contextGen = contextGen
	e.runCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	records, err := scanActive(ctx, e.store)
	if err != nil {
		return fmt.Errorf("sm: scan active state machines: %w", err)
	}
	for _, rec := range records {
		e.spawn(rec)
	}
	return nil
}

// Stop cancels every worker and waits for them to reach their next
// suspension point, up to ctx's deadline. In-flight transitions whose
// storage commit already started are allowed to finish; the rest roll
// back and leave their record active for the next Start to pick up. No
// work is lost either way.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule launches a worker for each record not already being worked,
// if the executor has been started. Called by txbuilder.FinalizeAndSubmit
// after its Autocommit call returns successfully, and by the worker loop
// itself with the records a PendingScheduler GlobalContext collected
// during a committed transition, so newly-created active records start
// making progress without waiting for the next full restart scan.
func (e *Executor) Schedule(records []Record) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	for _, rec := range records {
		e.spawn(rec)
	}
}

// spawn launches a worker for rec, under the executor's run context,
// unless one is already running for its storage key.
func (e *Executor) spawn(rec Record) {
	key := string(rec.StorageKey(true))

	e.mu.Lock()
	if _, exists := e.running[key]; exists {
		e.mu.Unlock()
		return
	}
	e.running[key] = struct{}{}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()
	activeStateMachines.Inc()

	go func() {
		defer e.wg.Done()
		defer activeStateMachines.Dec()
		defer func() {
			e.mu.Lock()
			delete(e.running, key)
			e.mu.Unlock()
		}()
		e.runWorker(ctx, rec)
	}()
}

// runWorker drives one state machine from rec until it becomes terminal
// or ctx is canceled. It is the executor's "advancement algorithm" from
// spec §4.2, steps 1-5.
func (e *Executor) runWorker(ctx context.Context, rec Record) {
	current := rec
	for {
		if ctx.Err() != nil {
			return
		}

		module, ok := e.registry.Get(current.ModuleInstanceID)
		if !ok {
			e.logger.Errorf("sm: worker for unknown module instance %d, operation %x: abandoning", current.ModuleInstanceID, current.OperationID)
			return
		}
		state, err := module.Decoder().Decode(current.StateBytes)
		if err != nil {
			// A known module that can't decode its own persisted state is
			// an invariant violation, not a transient condition.
			panic(fmt.Sprintf("sm: module instance %d failed to decode its own state for operation %x: %v", current.ModuleInstanceID, current.OperationID, err))
		}
		if module.IsTerminal(state) {
			// Nothing should ever hand the worker a terminal state — it
			// would have been written to the inactive prefix already —
			// but exit cleanly rather than spin if it happens.
			return
		}

		gctx := e.contextGenFor(current.ModuleInstanceID, current.OperationID)
		transitions, err := module.Transitions(ctx, gctx, state)
		if err != nil {
			e.logger.Warnf("sm: module instance %d transitions() failed for operation %x: %v; retrying", current.ModuleInstanceID, current.OperationID, err)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		if len(transitions) == 0 {
			e.logger.Errorf("sm: module instance %d returned no transitions for non-terminal operation %x", current.ModuleInstanceID, current.OperationID)
			return
		}

		triggers := make([]TriggerFunc, len(transitions))
		for i, t := range transitions {
			triggers[i] = t.Trigger
		}
		result := race(ctx, triggers)
		if result.err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warnf("sm: trigger race failed for module %d operation %x: %v; retrying", current.ModuleInstanceID, current.OperationID, result.err)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		step := transitions[result.index].Step
		pending, tracksPending := gctx.(PendingScheduler)

		spanCtx, span := core.Tracer().Start(ctx, "sm.transition", trace.WithAttributes(
			attribute.Int("sm.module_instance", int(current.ModuleInstanceID)),
			attribute.String("sm.operation_id", fmt.Sprintf("%x", current.OperationID)),
			attribute.Int("sm.trigger_index", result.index),
		))

		var next State
		commitErr := e.store.Autocommit(spanCtx, store.AutocommitOptions{}, func(ctx context.Context, tx *store.Tx) error {
			if tracksPending {
				pending.ResetPending()
			}
			still, ok, err := getActive(ctx, tx, current)
			if err != nil {
				return err
			}
			if !ok || !bytes.Equal(still.StateBytes, current.StateBytes) {
				return errStaleRecord
			}
			n, err := step(ctx, result.value, state, tx)
			if err != nil {
				return err
			}
			if err := deactivate(ctx, tx, module, current, n); err != nil {
				return err
			}
			next = n
			return nil
		})
		if errors.Is(commitErr, errStaleRecord) {
			span.End()
			return
		}
		if commitErr != nil {
			span.RecordError(commitErr)
			span.SetStatus(codes.Error, commitErr.Error())
			span.End()
			e.logger.Errorf("sm: committing transition for module %d operation %x: %v; retrying", current.ModuleInstanceID, current.OperationID, commitErr)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		if tracksPending {
			e.Schedule(pending.TakePending())
		}
		e.notif.Publish(notifier.Update{Topic: Topic(current.ModuleInstanceID, current.OperationID), Body: next})
		recordTransition(int(current.ModuleInstanceID), module.IsTerminal(next))
		span.End()

		if module.IsTerminal(next) {
			return
		}
		encoded, err := next.Encode()
		if err != nil {
			e.logger.Errorf("sm: re-encoding transitioned state: %v", err)
			return
		}
		current = Record{
			ModuleInstanceID: current.ModuleInstanceID,
			OperationID:      current.OperationID,
			Identity:         next.Identity(),
			StateBytes:       encoded,
		}
	}
}

func (e *Executor) contextGenFor(module txtypes.ModuleInstanceID, opID txtypes.OperationID) GlobalContext {
	e.mu.Lock()
	gen := e.contextGen
	e.mu.Unlock()
	return gen(module, opID)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// GetActiveOperations returns every operation id with at least one active
// state machine, read directly from storage (the authoritative record,
// per spec §4.3) rather than from in-memory worker bookkeeping.
func (e *Executor) GetActiveOperations(ctx context.Context) (map[txtypes.OperationID]struct{}, error) {
	records, err := scanActive(ctx, e.store)
	if err != nil {
		return nil, err
	}
	out := make(map[txtypes.OperationID]struct{}, len(records))
	for _, rec := range records {
		out[rec.OperationID] = struct{}{}
	}
	return out, nil
}

// Topic builds the notifier topic one module instance's updates for one
// operation are published under.
func Topic(module txtypes.ModuleInstanceID, opID txtypes.OperationID) string {
	return fmt.Sprintf("%x.%04x", opID, uint16(module))
}

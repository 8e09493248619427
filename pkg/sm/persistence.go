package sm

import (
	"context"
	"errors"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/store"
)

// ErrDuplicateStateMachine is returned by AddStateMachines when a record
// with the same storage key is already active.
var ErrDuplicateStateMachine = errors.New("sm: state machine already active")

// AddStateMachines inserts records as active within tx. Every record must
// have a distinct storage key (module instance, operation, identity); an
// attempt to insert a duplicate is rejected without partially applying the
// batch. It does not schedule workers, and neither does
// Executor.AddStateMachines: once the caller's transaction commits, the
// records are handed to Executor.Schedule.
func AddStateMachines(ctx context.Context, tx *store.Tx, records []Record) error {
	for _, rec := range records {
		key := rec.StorageKey(true)
		if _, err := tx.Get(ctx, key); err == nil {
			return ErrDuplicateStateMachine
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	for _, rec := range records {
		data, err := core.JSONEncode(rec)
		if err != nil {
			return err
		}
		if err := tx.Put(ctx, rec.StorageKey(true), data); err != nil {
			return err
		}
	}
	return nil
}

// deactivate removes old's active record inside tx and writes next as
// either a new active record (reschedule) or an inactive terminal record,
// depending on module.IsTerminal(next).
func deactivate(ctx context.Context, tx *store.Tx, module ClientModule, old Record, next State) error {
	if err := tx.Delete(ctx, old.StorageKey(true)); err != nil {
		return err
	}
	encoded, err := next.Encode()
	if err != nil {
		return err
	}
	rec := Record{
		ModuleInstanceID: old.ModuleInstanceID,
		OperationID:      old.OperationID,
		Identity:         next.Identity(),
		StateBytes:       encoded,
	}
	data, err := core.JSONEncode(rec)
	if err != nil {
		return err
	}
	active := !module.IsTerminal(next)
	return tx.Put(ctx, rec.StorageKey(active), data)
}

// scanActive returns every record under the active prefix.
func scanActive(ctx context.Context, str *store.Store) ([]Record, error) {
	tx, err := str.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	raw, err := tx.Prefixed(ctx, store.ActiveStateMachineAllPrefix())
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	for _, v := range raw {
		var rec Record
		if err := core.JSONDecode(v, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// getActive re-reads a record's active form, used by the worker loop to
// confirm it still owns the record before committing a transition.
func getActive(ctx context.Context, tx *store.Tx, rec Record) (Record, bool, error) {
	data, err := tx.Get(ctx, rec.StorageKey(true))
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var current Record
	if err := core.JSONDecode(data, &current); err != nil {
		return Record{}, false, err
	}
	return current, true, nil
}

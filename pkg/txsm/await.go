package txsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/oplog"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// ErrNotFound means the operation log has no entry yet for the given
// operation — the caller raced the operation's own creation.
var ErrNotFound = errors.New("txsm: no operation log entry found")

// pollInterval bounds how often Await* re-checks storage while waiting
// for a terminal record to appear.
const pollInterval = 200 * time.Millisecond

// AwaitAccepted blocks until the tx-submission state machine for opID/
// txid reaches VariantAccepted, or ctx is canceled, or it reaches
// VariantRejected (in which case the rejection error is returned).
func AwaitAccepted(ctx context.Context, str *store.Store, opID txtypes.OperationID, txid txtypes.TransactionID) error {
	state, err := awaitTerminal(ctx, str, opID, txid)
	if err != nil {
		return err
	}
	if state.Variant == VariantRejected {
		return fmt.Errorf("txsm: transaction %s rejected: %s", txid, state.Error)
	}
	return nil
}

// AwaitRejected blocks until the tx-submission state machine for opID/
// txid reaches VariantRejected, returning nil once it does. Returns an
// error if it instead reaches VariantAccepted.
func AwaitRejected(ctx context.Context, str *store.Store, opID txtypes.OperationID, txid txtypes.TransactionID) error {
	state, err := awaitTerminal(ctx, str, opID, txid)
	if err != nil {
		return err
	}
	if state.Variant == VariantAccepted {
		return fmt.Errorf("txsm: transaction %s was accepted, not rejected", txid)
	}
	return nil
}

func awaitTerminal(ctx context.Context, str *store.Store, opID txtypes.OperationID, txid txtypes.TransactionID) (*State, error) {
	if err := checkOperationExists(ctx, str, opID); err != nil {
		return nil, err
	}

	rec := txtypes.Record{ModuleInstanceID: InstanceID, OperationID: opID, Identity: txid[:]}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		state, found, err := readInactive(ctx, str, rec)
		if err != nil {
			return nil, err
		}
		if found {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func checkOperationExists(ctx context.Context, str *store.Store, opID txtypes.OperationID) error {
	tx, err := str.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := oplog.GetEntry(ctx, tx, opID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func readInactive(ctx context.Context, str *store.Store, rec txtypes.Record) (*State, bool, error) {
	tx, err := str.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	data, err := tx.Get(ctx, rec.StorageKey(false))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored txtypes.Record
	if err := core.JSONDecode(data, &stored); err != nil {
		return nil, false, err
	}
	d := decoder{}
	st, err := d.Decode(stored.StateBytes)
	if err != nil {
		return nil, false, err
	}
	return st.(*State), true, nil
}

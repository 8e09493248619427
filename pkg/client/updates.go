package client

import (
	"context"
	"fmt"

	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/txsm"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// TransactionUpdates wraps a subscription to one operation's
// tx-submission updates with the two waits spec §8 scenario 5 names:
// AwaitAccepted and AwaitRejected. Mirrors the original implementation's
// TransactionUpdates type (lib.rs:1008).
type TransactionUpdates struct {
	ch     <-chan sm.Update
	cancel func()
}

// SubscribeTransactionUpdates opens a TransactionUpdates feed for opID.
// The caller must call Close once done to release the underlying
// subscription.
func (c *Client) SubscribeTransactionUpdates(opID txtypes.OperationID) *TransactionUpdates {
	ch, cancel := c.executor.Notifier().Subscribe(sm.Topic(txsm.InstanceID, opID))
	return &TransactionUpdates{ch: ch, cancel: cancel}
}

// Close releases the underlying notifier subscription.
func (u *TransactionUpdates) Close() {
	u.cancel()
}

// AwaitAccepted blocks until the transaction reaches VariantAccepted,
// returning an error if it reaches VariantRejected instead or ctx is
// canceled first.
func (u *TransactionUpdates) AwaitAccepted(ctx context.Context) error {
	state, err := u.awaitTerminal(ctx)
	if err != nil {
		return err
	}
	if state.Variant == txsm.VariantRejected {
		return fmt.Errorf("client: transaction %s rejected: %s", state.TxID, state.Error)
	}
	return nil
}

// AwaitRejected blocks until the transaction reaches VariantRejected,
// returning an error if it reaches VariantAccepted instead or ctx is
// canceled first.
func (u *TransactionUpdates) AwaitRejected(ctx context.Context) error {
	state, err := u.awaitTerminal(ctx)
	if err != nil {
		return err
	}
	if state.Variant == txsm.VariantAccepted {
		return fmt.Errorf("client: transaction %s was accepted, not rejected", state.TxID)
	}
	return nil
}

func (u *TransactionUpdates) awaitTerminal(ctx context.Context) (*txsm.State, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case upd, ok := <-u.ch:
			if !ok {
				return nil, fmt.Errorf("client: transaction update stream closed before a terminal state arrived")
			}
			state, ok := upd.Body.(*txsm.State)
			if !ok {
				continue
			}
			if state.Variant == txsm.VariantAccepted || state.Variant == txsm.VariantRejected {
				return state, nil
			}
		}
	}
}

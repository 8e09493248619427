package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/module"
	"github.com/fluxorio/fedclient/pkg/sm"
	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// walletKind is the module kind the demo client configures as primary.
const walletKind = "wallet"

// walletState is the single, always-terminal state a wallet note
// occupies: there is no consensus round trip to track here, so every
// note this module hands to the builder is born settled.
type walletState struct {
	OutPoint txtypes.OutPoint `json:"out_point"`
	Amount   store.Amount     `json:"amount"`
}

func (s *walletState) Encode() ([]byte, error) { return core.JSONEncode(s) }

func (s *walletState) Identity() []byte {
	id := make([]byte, 0, 32+4)
	id = append(id, s.OutPoint.TxID[:]...)
	return id
}

type walletDecoder struct{}

func (walletDecoder) Decode(data []byte) (sm.State, error) {
	var s walletState
	if err := core.JSONDecode(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// errInsufficientBalance is returned by CreateSufficientInput when the
// wallet's in-memory demo balance cannot cover the requested amount.
var errInsufficientBalance = fmt.Errorf("wallet: insufficient balance")

// Wallet is a minimal sm.PrimaryModule demonstrating end to end wiring:
// it keeps its whole balance in memory rather than deriving it from
// chain state, since the point of cmd/fedclient is to exercise the
// client core's builder/executor/federation plumbing, not to implement a
// real on-chain module.
type Wallet struct {
	instance txtypes.ModuleInstanceID
	logger   core.Logger

	mu      sync.Mutex
	balance store.Amount
}

// NewWallet returns a Wallet seeded with the given starting balance.
func NewWallet(instance txtypes.ModuleInstanceID, startingBalance store.Amount, logger core.Logger) *Wallet {
	return &Wallet{instance: instance, balance: startingBalance, logger: logger}
}

func (w *Wallet) Decoder() sm.Decoder { return walletDecoder{} }

// Transitions is never called: every walletState is terminal.
func (w *Wallet) Transitions(ctx context.Context, gctx sm.GlobalContext, state sm.State) ([]sm.Transition, error) {
	return nil, fmt.Errorf("wallet: transitions requested on a terminal state machine")
}

func (w *Wallet) IsTerminal(state sm.State) bool { return true }

func (w *Wallet) SupportsBeingPrimary() bool { return true }

// CreateSufficientInput debits amount from the in-memory balance and
// hands back a ClientInput whose state generator records the spend as a
// settled, terminal state machine.
func (w *Wallet) CreateSufficientInput(ctx context.Context, tx *store.Tx, opID txtypes.OperationID, amount store.Amount) (txtypes.ClientInput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.balance < amount {
		return txtypes.ClientInput{}, errInsufficientBalance
	}
	remaining, err := w.balance.Sub(amount)
	if err != nil {
		return txtypes.ClientInput{}, err
	}
	w.balance = remaining

	instance := w.instance
	stateGen := func(txid txtypes.TransactionID, idx uint32) []txtypes.Record {
		st := &walletState{OutPoint: txtypes.OutPoint{TxID: txid, OutIdx: idx}, Amount: amount}
		data, err := st.Encode()
		if err != nil {
			return nil
		}
		return []txtypes.Record{{
			ModuleInstanceID: instance,
			OperationID:      opID,
			Identity:         st.Identity(),
			StateBytes:       data,
		}}
	}

	return txtypes.ClientInput{
		ModuleInstanceID: w.instance,
		Amount:           amount,
		Payload:          []byte("wallet-input"),
		StateGen:         stateGen,
	}, nil
}

// CreateExactOutput credits amount back to the in-memory balance (change
// or a deposit being absorbed) and hands back a ClientOutput recording
// the note as settled.
func (w *Wallet) CreateExactOutput(ctx context.Context, tx *store.Tx, opID txtypes.OperationID, amount store.Amount) (txtypes.ClientOutput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	credited, err := w.balance.Add(amount)
	if err != nil {
		return txtypes.ClientOutput{}, err
	}
	w.balance = credited

	instance := w.instance
	stateGen := func(txid txtypes.TransactionID, idx uint32) []txtypes.Record {
		st := &walletState{OutPoint: txtypes.OutPoint{TxID: txid, OutIdx: idx}, Amount: amount}
		data, err := st.Encode()
		if err != nil {
			return nil
		}
		return []txtypes.Record{{
			ModuleInstanceID: instance,
			OperationID:      opID,
			Identity:         st.Identity(),
			StateBytes:       data,
		}}
	}

	return txtypes.ClientOutput{
		ModuleInstanceID: w.instance,
		Amount:           amount,
		Payload:          []byte("wallet-output"),
		StateGen:         stateGen,
	}, nil
}

// Balance returns the wallet's current in-memory balance, for the demo
// main loop to print before and after an operation.
func (w *Wallet) Balance() store.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// WalletGen implements module.Gen for walletKind. rawConfig, if present,
// is a JSON object {"starting_balance": <uint64>}; an empty or missing
// config defaults to defaultStartingBalance.
type WalletGen struct {
	logger core.Logger
}

// NewWalletGen returns a Gen producing Wallet instances.
func NewWalletGen(logger core.Logger) *WalletGen {
	return &WalletGen{logger: logger}
}

func (g *WalletGen) ModuleKind() string { return walletKind }

type walletRawConfig struct {
	StartingBalance store.Amount `json:"starting_balance"`
}

const defaultStartingBalance store.Amount = 1_000_000

func (g *WalletGen) Init(ctx context.Context, instance txtypes.ModuleInstanceID, secret []byte, rawConfig []byte) (sm.ClientModule, error) {
	balance := defaultStartingBalance
	if len(rawConfig) > 0 {
		var cfg walletRawConfig
		if err := core.JSONDecode(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("wallet: decoding module config: %w", err)
		}
		if cfg.StartingBalance > 0 {
			balance = cfg.StartingBalance
		}
	}
	return NewWallet(instance, balance, g.logger), nil
}

var _ module.Gen = (*WalletGen)(nil)
var _ sm.PrimaryModule = (*Wallet)(nil)

// Package txtypes holds the transaction- and state-machine-record
// primitives shared across the client core: the transaction builder, the
// executor, the tx-submission state machine, and the federation client
// all exchange values of these types without importing one another.
package txtypes

import (
	"encoding/hex"

	"github.com/fluxorio/fedclient/pkg/store"
)

// OperationID re-exports store.OperationID so callers that only touch
// transaction-level types don't need a second import.
type OperationID = store.OperationID

// ModuleInstanceID re-exports store.ModuleInstanceID.
type ModuleInstanceID = store.ModuleInstanceID

// TransactionID is the content-addressed identifier of a finalized
// transaction: a hash of its canonical encoding, witnesses excluded.
type TransactionID [32]byte

// String renders the id as lowercase hex.
func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (no transaction assigned).
func (id TransactionID) IsZero() bool {
	return id == TransactionID{}
}

// OutPoint names one output of a transaction.
type OutPoint struct {
	TxID   TransactionID `json:"txid"`
	OutIdx uint32        `json:"out_idx"`
}

// Record is the persisted unit the executor loads, advances, and writes
// back: one state machine belonging to one module instance and operation.
// Identity disambiguates multiple concurrent SMs sharing a
// (ModuleInstanceID, OperationID) pair, e.g. one per input or output of a
// transaction.
type Record struct {
	ModuleInstanceID ModuleInstanceID `json:"module_instance_id"`
	OperationID      OperationID      `json:"operation_id"`
	Identity         []byte           `json:"identity"`
	StateBytes       []byte           `json:"state"`
}

// StorageKey returns the key this record occupies under the active or
// inactive prefix, depending on active.
func (r Record) StorageKey(active bool) []byte {
	smID := append(append([]byte{}, r.OperationID[:]...), r.Identity...)
	if active {
		return store.ActiveStateMachineKey(r.ModuleInstanceID, smID)
	}
	return store.InactiveStateMachineKey(r.ModuleInstanceID, smID)
}

// StateGenerator is a deferred function captured while a client input or
// output is still being assembled. Once the transaction id and output
// index are known, it produces the state machine records that will track
// that input/output through consensus, tagged with the caller's own
// module_instance_id.
type StateGenerator func(txID TransactionID, outIdx uint32) []Record

// ClientInput is one module-supplied input awaiting assembly into a
// transaction.
type ClientInput struct {
	ModuleInstanceID ModuleInstanceID
	Amount           store.Amount
	Fee              store.Amount
	Payload          []byte // module-specific encoded input data
	Keys             [][]byte
	StateGen         StateGenerator
}

// ClientOutput is one module-supplied output awaiting assembly into a
// transaction.
type ClientOutput struct {
	ModuleInstanceID ModuleInstanceID
	Amount           store.Amount
	Fee              store.Amount
	Payload          []byte
	StateGen         StateGenerator
}

// TxInput is one input inside a finalized Transaction, stripped of the
// spending keys and state generator that only matter before finalization.
type TxInput struct {
	ModuleInstanceID ModuleInstanceID `json:"module_instance_id"`
	Payload          []byte           `json:"payload"`
}

// TxOutput is one output inside a finalized Transaction.
type TxOutput struct {
	ModuleInstanceID ModuleInstanceID `json:"module_instance_id"`
	Payload          []byte           `json:"payload"`
}

// Transaction is a finalized (inputs, outputs, witnesses) triple with a
// content-addressed id. Witnesses are excluded from the id's preimage so
// that witness malleability never changes what the federation considers
// "the same" transaction.
type Transaction struct {
	TxID      TransactionID `json:"txid"`
	Inputs    []TxInput     `json:"inputs"`
	Outputs   []TxOutput    `json:"outputs"`
	Witnesses [][]byte      `json:"witnesses"`
}

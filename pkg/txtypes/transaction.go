package txtypes

import (
	"crypto/sha256"

	"github.com/fluxorio/fedclient/pkg/core"
)

// preimage is the part of a Transaction that determines its id. Keeping
// this as its own type (rather than hashing Transaction directly) makes
// the witness exclusion explicit at the call site instead of relying on
// every caller remembering to zero out Witnesses first.
type preimage struct {
	Inputs  []TxInput  `json:"inputs"`
	Outputs []TxOutput `json:"outputs"`
}

// ComputeTransactionID hashes the canonical encoding of inputs and
// outputs, excluding witnesses, per the spec's "hash(canonical-encode(
// inputs, outputs))" finalization step.
func ComputeTransactionID(inputs []TxInput, outputs []TxOutput) (TransactionID, error) {
	data, err := core.JSONEncode(preimage{Inputs: inputs, Outputs: outputs})
	if err != nil {
		return TransactionID{}, err
	}
	return sha256.Sum256(data), nil
}

package txtypes_test

import (
	"strings"
	"testing"

	"github.com/fluxorio/fedclient/pkg/store"
	"github.com/fluxorio/fedclient/pkg/txtypes"
)

func TestComputeTransactionIDDeterministic(t *testing.T) {
	inputs := []txtypes.TxInput{{ModuleInstanceID: 1, Payload: []byte("in")}}
	outputs := []txtypes.TxOutput{{ModuleInstanceID: 2, Payload: []byte("out")}}

	id1, err := txtypes.ComputeTransactionID(inputs, outputs)
	if err != nil {
		t.Fatalf("ComputeTransactionID: %v", err)
	}
	id2, err := txtypes.ComputeTransactionID(inputs, outputs)
	if err != nil {
		t.Fatalf("ComputeTransactionID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ComputeTransactionID not deterministic: %s != %s", id1, id2)
	}
}

func TestComputeTransactionIDIgnoresWitnesses(t *testing.T) {
	inputs := []txtypes.TxInput{{ModuleInstanceID: 1, Payload: []byte("in")}}
	outputs := []txtypes.TxOutput{{ModuleInstanceID: 2, Payload: []byte("out")}}

	id, err := txtypes.ComputeTransactionID(inputs, outputs)
	if err != nil {
		t.Fatalf("ComputeTransactionID: %v", err)
	}

	tx := txtypes.Transaction{TxID: id, Inputs: inputs, Outputs: outputs, Witnesses: [][]byte{[]byte("sig")}}
	withoutWitness, err := txtypes.ComputeTransactionID(tx.Inputs, tx.Outputs)
	if err != nil {
		t.Fatalf("ComputeTransactionID: %v", err)
	}
	if withoutWitness != id {
		t.Fatalf("witnesses changed the id: %s != %s", withoutWitness, id)
	}
}

func TestComputeTransactionIDDiffersOnContent(t *testing.T) {
	a, err := txtypes.ComputeTransactionID(
		[]txtypes.TxInput{{ModuleInstanceID: 1, Payload: []byte("a")}}, nil)
	if err != nil {
		t.Fatalf("ComputeTransactionID: %v", err)
	}
	b, err := txtypes.ComputeTransactionID(
		[]txtypes.TxInput{{ModuleInstanceID: 1, Payload: []byte("b")}}, nil)
	if err != nil {
		t.Fatalf("ComputeTransactionID: %v", err)
	}
	if a == b {
		t.Fatalf("different payloads produced the same id %s", a)
	}
}

func TestTransactionIDStringAndIsZero(t *testing.T) {
	var zero txtypes.TransactionID
	if !zero.IsZero() {
		t.Fatal("zero-value TransactionID reported non-zero")
	}
	if want := strings.Repeat("00", 32); zero.String() != want {
		t.Fatalf("String() = %s, want %s", zero.String(), want)
	}

	id, err := txtypes.ComputeTransactionID(
		[]txtypes.TxInput{{ModuleInstanceID: 1, Payload: []byte("x")}}, nil)
	if err != nil {
		t.Fatalf("ComputeTransactionID: %v", err)
	}
	if id.IsZero() {
		t.Fatal("non-zero TransactionID reported zero")
	}
	if len(id.String()) != 64 {
		t.Fatalf("String() length = %d, want 64", len(id.String()))
	}
}

func TestRecordStorageKeyActiveVsInactive(t *testing.T) {
	rec := txtypes.Record{
		ModuleInstanceID: 7,
		OperationID:      txtypes.OperationID{1, 2, 3},
		Identity:         []byte("id"),
		StateBytes:       []byte("state"),
	}
	active := rec.StorageKey(true)
	inactive := rec.StorageKey(false)
	if string(active) == string(inactive) {
		t.Fatal("active and inactive storage keys collide")
	}
	if active[0] != byte(store.PrefixActiveStateMachine) {
		t.Fatalf("active key prefix = %x, want %x", active[0], store.PrefixActiveStateMachine)
	}
	if inactive[0] != byte(store.PrefixInactiveStateMachine) {
		t.Fatalf("inactive key prefix = %x, want %x", inactive[0], store.PrefixInactiveStateMachine)
	}
}

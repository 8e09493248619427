package store

import "encoding/binary"

// OperationID identifies one client-initiated operation for its entire
// lifetime: the transaction(s) it spawns, the state machines it drives,
// and its single operation log entry.
type OperationID [32]byte

// ModuleInstanceID identifies one instance of a module within a client
// (e.g. "the second mint module"). 0xFFFF is reserved for the built-in
// transaction-submission module and is never assigned to a user module.
type ModuleInstanceID uint16

// TxSubmissionModuleInstanceID is the reserved instance id state machines
// use to address the transaction-submission module's global API.
const TxSubmissionModuleInstanceID ModuleInstanceID = 0xFFFF

// ActiveStateMachineKey builds the storage key for an active state
// machine record: 0x01 || module_instance_id (big-endian u16) || sm_id.
func ActiveStateMachineKey(module ModuleInstanceID, smID []byte) []byte {
	return smKey(PrefixActiveStateMachine, module, smID)
}

// InactiveStateMachineKey builds the storage key for a terminated state
// machine record, in the same shape as ActiveStateMachineKey.
func InactiveStateMachineKey(module ModuleInstanceID, smID []byte) []byte {
	return smKey(PrefixInactiveStateMachine, module, smID)
}

func smKey(prefix Prefix, module ModuleInstanceID, smID []byte) []byte {
	k := make([]byte, 0, 1+2+len(smID))
	k = append(k, byte(prefix))
	k = binary.BigEndian.AppendUint16(k, uint16(module))
	k = append(k, smID...)
	return k
}

// ActiveStateMachinePrefix returns the key range prefix covering every
// active state machine belonging to module, for use with Tx.Prefixed.
func ActiveStateMachinePrefix(module ModuleInstanceID) []byte {
	return smKey(PrefixActiveStateMachine, module, nil)
}

// ActiveStateMachineAllPrefix returns the key range prefix covering every
// active state machine across all module instances.
func ActiveStateMachineAllPrefix() []byte {
	return []byte{byte(PrefixActiveStateMachine)}
}

// OperationLogKey builds the storage key for an operation's log entry:
// 0x03 || operation_id.
func OperationLogKey(id OperationID) []byte {
	k := make([]byte, 0, 1+len(id))
	k = append(k, byte(PrefixOperationLog))
	k = append(k, id[:]...)
	return k
}

// OperationLogPrefix returns the key range prefix covering every
// operation log entry.
func OperationLogPrefix() []byte {
	return []byte{byte(PrefixOperationLog)}
}

// ClientSecretKey is the single fixed key holding the client's root
// secret, from which every module instance's secret is derived.
func ClientSecretKey() []byte {
	return []byte{byte(PrefixClientSecret)}
}

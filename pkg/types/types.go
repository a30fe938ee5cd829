// Copyright 2025 Agger Protocol
//
// On-chain contract data model for the agger query/registry modules.
// These mirror the Move-side structs byte for byte (BCS) so that resource
// and table-item reads can be decoded without a schema registry.

package types

import (
	"fmt"
	"unicode"

	"github.com/aptos-labs/aptos-go-sdk"
	"github.com/aptos-labs/aptos-go-sdk/bcs"
)

// AccountAddress is the 32-byte on-chain account identifier.
type AccountAddress = aptos.AccountAddress

// Names of the on-chain modules, structs and view functions the node consumes.
// All are resolved relative to the agger contract address.
const (
	QueryModuleName      = "query"
	RegistryModuleName   = "registry"
	QueryStructName      = "Query"
	QueriesStructName    = "Queries"
	EventHandlesStruct   = "EventHandles"
	NewEventHandleField  = "new_event_handle"
	RegistryGetModule    = "get_module"
	RegistryGetVK        = "get_vk"
	RegistryGetParam     = "get_param"
	RegistryGetConfig    = "get_config"
)

// NewQueryEvent is emitted by the query module whenever a user submits a
// query. The id indexes into the user's Queries table.
type NewQueryEvent struct {
	User AccountAddress `json:"user"`
	ID   uint64         `json:"id"`
}

// Query is the on-chain query record.
//
// ModuleName and FunctionName must decode to valid Move identifiers; Args and
// TyArgs hold textual transaction-argument and type-tag literals. Success and
// Result are filled in by the contract once a proof is accepted, so they are
// optional on the wire.
type Query struct {
	ModuleAddress []byte   `json:"module_address"`
	ModuleName    []byte   `json:"module_name"`
	FunctionName  []byte   `json:"function_name"`
	Deadline      uint64   `json:"deadline"`
	Args          [][]byte `json:"args"`
	TyArgs        [][]byte `json:"ty_args"`
	Success       *bool    `json:"success,omitempty"`
	Result        []byte   `json:"result,omitempty"`
}

// MarshalBCS implements bcs.Marshaler.
func (q *Query) MarshalBCS(ser *bcs.Serializer) {
	ser.WriteBytes(q.ModuleAddress)
	ser.WriteBytes(q.ModuleName)
	ser.WriteBytes(q.FunctionName)
	ser.U64(q.Deadline)
	serializeBytesVec(ser, q.Args)
	serializeBytesVec(ser, q.TyArgs)
	if q.Success != nil {
		ser.Bool(true)
		ser.Bool(*q.Success)
	} else {
		ser.Bool(false)
	}
	if q.Result != nil {
		ser.Bool(true)
		ser.WriteBytes(q.Result)
	} else {
		ser.Bool(false)
	}
}

// UnmarshalBCS implements bcs.Unmarshaler.
func (q *Query) UnmarshalBCS(des *bcs.Deserializer) {
	q.ModuleAddress = des.ReadBytes()
	q.ModuleName = des.ReadBytes()
	q.FunctionName = des.ReadBytes()
	q.Deadline = des.U64()
	q.Args = deserializeBytesVec(des)
	q.TyArgs = deserializeBytesVec(des)
	if des.Bool() {
		v := des.Bool()
		q.Success = &v
	} else {
		q.Success = nil
	}
	if des.Bool() {
		q.Result = des.ReadBytes()
	} else {
		q.Result = nil
	}
}

// Validate checks the identifier invariants of the record.
func (q *Query) Validate() error {
	if err := validateIdentifier(q.ModuleName); err != nil {
		return fmt.Errorf("module name: %w", err)
	}
	if err := validateIdentifier(q.FunctionName); err != nil {
		return fmt.Errorf("function name: %w", err)
	}
	if len(q.ModuleAddress) != 32 {
		return fmt.Errorf("module address: expected 32 bytes, got %d", len(q.ModuleAddress))
	}
	return nil
}

// Queries is the per-user resource holding the submitted queries table.
type Queries struct {
	QueryCounter uint64
	Queries      TableWithLength
}

func (r *Queries) MarshalBCS(ser *bcs.Serializer) {
	ser.U64(r.QueryCounter)
	r.Queries.MarshalBCS(ser)
}

func (r *Queries) UnmarshalBCS(des *bcs.Deserializer) {
	r.QueryCounter = des.U64()
	r.Queries.UnmarshalBCS(des)
}

// TableWithLength mirrors 0x1::table_with_length::TableWithLength.
type TableWithLength struct {
	Inner  Table
	Length uint64
}

func (t *TableWithLength) MarshalBCS(ser *bcs.Serializer) {
	t.Inner.MarshalBCS(ser)
	ser.U64(t.Length)
}

func (t *TableWithLength) UnmarshalBCS(des *bcs.Deserializer) {
	t.Inner.UnmarshalBCS(des)
	t.Length = des.U64()
}

// Table mirrors 0x1::table::Table; the handle addresses the item storage.
type Table struct {
	Handle AccountAddress
}

func (t *Table) MarshalBCS(ser *bcs.Serializer) {
	ser.FixedBytes(t.Handle[:])
}

func (t *Table) UnmarshalBCS(des *bcs.Deserializer) {
	copy(t.Handle[:], des.ReadFixedBytes(32))
}

// UserQuery is a fully resolved query event. SequenceNumber is the event's
// position on the new_event_handle and is the pipeline's primary key;
// Version pins all ledger reads that resolved this event.
type UserQuery struct {
	Version        uint64         `json:"version"`
	SequenceNumber uint64         `json:"sequence_number"`
	User           AccountAddress `json:"user"`
	ID             uint64         `json:"id"`
	Query          Query          `json:"query"`
}

func (u *UserQuery) MarshalBCS(ser *bcs.Serializer) {
	ser.U64(u.Version)
	ser.U64(u.SequenceNumber)
	ser.FixedBytes(u.User[:])
	ser.U64(u.ID)
	u.Query.MarshalBCS(ser)
}

func (u *UserQuery) UnmarshalBCS(des *bcs.Deserializer) {
	u.Version = des.U64()
	u.SequenceNumber = des.U64()
	copy(u.User[:], des.ReadFixedBytes(32))
	u.ID = des.U64()
	u.Query.UnmarshalBCS(des)
}

// VerificationParameters is the proving material registered on-chain for one
// entry function.
//
// VK carries the serialized verifying key with a trailing little-endian u16
// entry-function index appended. Param is the serialized Groth16 proving key
// in gnark's binary form (see pkg/zkvm for the convention).
type VerificationParameters struct {
	Config []byte
	VK     []byte
	Param  []byte
}

func serializeBytesVec(ser *bcs.Serializer, v [][]byte) {
	ser.Uleb128(uint32(len(v)))
	for _, b := range v {
		ser.WriteBytes(b)
	}
}

func deserializeBytesVec(des *bcs.Deserializer) [][]byte {
	n := des.Uleb128()
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, des.ReadBytes())
	}
	return out
}

// validateIdentifier enforces the Move identifier grammar: a letter or
// underscore followed by letters, digits or underscores, non-empty.
func validateIdentifier(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty identifier")
	}
	for i, c := range string(raw) {
		if c == '_' || unicode.IsLetter(c) && c < 128 {
			continue
		}
		if i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return fmt.Errorf("invalid identifier %q", raw)
	}
	return nil
}

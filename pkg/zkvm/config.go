// Copyright 2025 Agger Protocol
//
// Package zkvm is the node's proving engine: it turns a resolved query into
// an execution witness and proves it against the verification material
// registered on-chain.

package zkvm

import (
	"fmt"

	"github.com/aptos-labs/aptos-go-sdk/bcs"
)

// defaultStepRows bounds the trace when the registered config leaves
// max_step_row unset.
const defaultStepRows = 64

// CircuitConfig carries the sizing knobs of the VM circuit as registered
// on-chain. Unset knobs fall back to circuit defaults.
type CircuitConfig struct {
	MaxStepRow    *uint64
	StackOpsNum   *uint64
	LocalsOpsNum  *uint64
	GlobalOpsNum  *uint64
	MaxFrameIndex *uint64
	MaxLocalsSize *uint64
	MaxStackSize  *uint64
	WordSize      *uint64
}

// MarshalBCS implements bcs.Marshaler.
func (c *CircuitConfig) MarshalBCS(ser *bcs.Serializer) {
	for _, f := range []*uint64{
		c.MaxStepRow, c.StackOpsNum, c.LocalsOpsNum, c.GlobalOpsNum,
		c.MaxFrameIndex, c.MaxLocalsSize, c.MaxStackSize, c.WordSize,
	} {
		if f != nil {
			ser.Bool(true)
			ser.U64(*f)
		} else {
			ser.Bool(false)
		}
	}
}

// UnmarshalBCS implements bcs.Unmarshaler.
func (c *CircuitConfig) UnmarshalBCS(des *bcs.Deserializer) {
	for _, f := range []**uint64{
		&c.MaxStepRow, &c.StackOpsNum, &c.LocalsOpsNum, &c.GlobalOpsNum,
		&c.MaxFrameIndex, &c.MaxLocalsSize, &c.MaxStackSize, &c.WordSize,
	} {
		if des.Bool() {
			v := des.U64()
			*f = &v
		} else {
			*f = nil
		}
	}
}

// DecodeCircuitConfig decodes the BCS config bytes registered on-chain.
func DecodeCircuitConfig(raw []byte) (CircuitConfig, error) {
	var c CircuitConfig
	if err := bcs.Deserialize(&c, raw); err != nil {
		return CircuitConfig{}, fmt.Errorf("decoding circuit config: %w", err)
	}
	return c, nil
}

// StepRows returns the trace length the circuit is sized to.
func (c CircuitConfig) StepRows() int {
	if c.MaxStepRow != nil && *c.MaxStepRow > 0 {
		return int(*c.MaxStepRow)
	}
	return defaultStepRows
}

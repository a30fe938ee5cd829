// Copyright 2025 Agger Protocol
//
// Prover drives gnark over the execution circuit. The verification material
// comes from the on-chain registry: param carries the serialized proving
// key, vk the verifying key with a trailing little-endian u16 entry-function
// index. A proof is only returned if it verifies against the on-chain key,
// which is what ties the local setup to the registered one.

package zkvm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"go.uber.org/zap"

	"github.com/zkmove/agger/pkg/types"
)

// Prover implements the dispatcher's Engine over the gnark Groth16 backend.
type Prover struct {
	log *zap.SugaredLogger
}

// NewProver builds the production proving engine.
func NewProver(log *zap.SugaredLogger) *Prover {
	return &Prover{log: log}
}

// BuildWitness constructs the execution witness for the query.
func (p *Prover) BuildWitness(query types.UserQuery, modules [][]byte, config []byte) (any, error) {
	return BuildWitness(query, modules, config)
}

// Prove generates a proof for the witness and verifies it against the
// on-chain verifying key. Any mismatch between the registered material and
// the locally derived circuit surfaces as a verification failure here rather
// than on-chain.
func (p *Prover) Prove(w any, param, vk []byte) ([]byte, error) {
	witness, ok := w.(*ExecutionWitness)
	if !ok {
		return nil, fmt.Errorf("unexpected witness type %T", w)
	}

	onchainVK, functionIndex, err := SplitVK(vk)
	if err != nil {
		return nil, err
	}
	if functionIndex != witness.FunctionIndex {
		return nil, fmt.Errorf("vk entry-function index %d does not match resolved index %d",
			functionIndex, witness.FunctionIndex)
	}

	circuit := &ExecutionCircuit{Steps: make([]frontend.Variable, len(witness.Steps))}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return nil, fmt.Errorf("compiling circuit: %w", err)
	}

	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(bytes.NewReader(param)); err != nil {
		return nil, fmt.Errorf("decoding proving key: %w", err)
	}
	verifyingKey := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := verifyingKey.ReadFrom(bytes.NewReader(onchainVK)); err != nil {
		return nil, fmt.Errorf("decoding verifying key: %w", err)
	}

	assignment := witness.assignment()
	fullWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("building circuit witness: %w", err)
	}
	proof, err := groth16.Prove(ccs, pk, fullWitness)
	if err != nil {
		return nil, fmt.Errorf("proving: %w", err)
	}

	publicWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return nil, fmt.Errorf("building public witness: %w", err)
	}
	if err := groth16.Verify(proof, verifyingKey, publicWitness); err != nil {
		return nil, fmt.Errorf("proof rejected by on-chain verifying key: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serializing proof: %w", err)
	}
	return buf.Bytes(), nil
}

// assignment maps the witness onto circuit variables.
func (w *ExecutionWitness) assignment() *ExecutionCircuit {
	steps := make([]frontend.Variable, len(w.Steps))
	for i, s := range w.Steps {
		steps[i] = s
	}
	return &ExecutionCircuit{
		Steps:         steps,
		ModuleDigest:  w.ModuleDigest,
		FunctionIndex: w.FunctionIndex,
		ArgsDigest:    w.ArgsDigest,
		TraceDigest:   w.TraceDigest,
	}
}

// SplitVK separates a registered verifying key into the serialized key and
// the trailing little-endian u16 entry-function index.
func SplitVK(vk []byte) ([]byte, uint16, error) {
	if len(vk) < 2 {
		return nil, 0, fmt.Errorf("verifying key too short: %d bytes", len(vk))
	}
	split := len(vk) - 2
	return vk[:split], binary.LittleEndian.Uint16(vk[split:]), nil
}

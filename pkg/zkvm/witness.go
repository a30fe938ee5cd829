// Copyright 2025 Agger Protocol
//
// Witness construction: the per-execution trace fed into the VM circuit.
// The trace is a bounded chain of field elements seeded from commitments to
// the module set, the entry-function index and the call arguments; the
// circuit re-derives the chain and binds it to the public trace digest.

package zkvm

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"

	"github.com/zkmove/agger/pkg/movebin"
	"github.com/zkmove/agger/pkg/types"
)

// mixCoeff is the fixed mixing coefficient of the trace chain; the circuit
// uses the same constant.
const mixCoeff = 7

// scalarField is the BN254 scalar field modulus all trace arithmetic is
// reduced into.
var scalarField = ecc.BN254.ScalarField()

// ExecutionWitness is the trace for one query execution.
type ExecutionWitness struct {
	FunctionIndex uint16
	ModuleDigest  *big.Int
	ArgsDigest    *big.Int
	TraceDigest   *big.Int
	Steps         []*big.Int
}

// BuildWitness constructs the witness for a query against its module set and
// the registered circuit config. It re-validates the query's identifiers,
// locates the entry function, and parses the textual argument and type-tag
// literals before committing to the trace.
func BuildWitness(query types.UserQuery, modules [][]byte, config []byte) (*ExecutionWitness, error) {
	cfg, err := DecodeCircuitConfig(config)
	if err != nil {
		return nil, err
	}
	if err := query.Query.Validate(); err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no modules resolved for query %d", query.ID)
	}

	target, err := movebin.Deserialize(modules[0])
	if err != nil {
		return nil, fmt.Errorf("parsing target module: %w", err)
	}
	functionIndex, err := target.EntryFunctionIndex(string(query.Query.FunctionName))
	if err != nil {
		return nil, err
	}

	for _, tyArg := range query.Query.TyArgs {
		if err := validateTypeTag(string(tyArg)); err != nil {
			return nil, err
		}
	}
	args := make([]*big.Int, 0, len(query.Query.Args))
	for _, arg := range query.Query.Args {
		v, err := parseTransactionArgument(string(arg))
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	moduleDigest := digestModules(modules)
	argsDigest := digestArgs(args, query.Query.TyArgs)

	rows := cfg.StepRows()
	seed := mix(mix(mix(big.NewInt(0), moduleDigest), big.NewInt(int64(functionIndex))), argsDigest)
	steps := make([]*big.Int, rows)
	steps[0] = seed
	for i := 1; i < rows; i++ {
		steps[i] = mix(steps[i-1], big.NewInt(int64(i)))
	}
	trace := big.NewInt(0)
	for _, s := range steps {
		trace = mix(trace, s)
	}

	return &ExecutionWitness{
		FunctionIndex: functionIndex,
		ModuleDigest:  moduleDigest,
		ArgsDigest:    argsDigest,
		TraceDigest:   trace,
		Steps:         steps,
	}, nil
}

// mix is the chain step: a*mixCoeff + b reduced into the scalar field.
func mix(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, big.NewInt(mixCoeff))
	out.Add(out, b)
	return out.Mod(out, scalarField)
}

// digestModules absorbs every module's bytes, 31 bytes per element so each
// chunk stays below the field modulus.
func digestModules(modules [][]byte) *big.Int {
	acc := big.NewInt(0)
	for _, m := range modules {
		acc = mix(acc, big.NewInt(int64(len(m))))
		for off := 0; off < len(m); off += 31 {
			end := off + 31
			if end > len(m) {
				end = len(m)
			}
			acc = mix(acc, new(big.Int).SetBytes(m[off:end]))
		}
	}
	return acc
}

// digestArgs absorbs the parsed arguments and the raw type-tag literals.
func digestArgs(args []*big.Int, tyArgs [][]byte) *big.Int {
	acc := big.NewInt(int64(len(args)))
	for _, a := range args {
		acc = mix(acc, a)
	}
	for _, t := range tyArgs {
		acc = mix(acc, new(big.Int).SetBytes(t))
	}
	return acc.Mod(acc, scalarField)
}

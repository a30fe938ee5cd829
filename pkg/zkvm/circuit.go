// Copyright 2025 Agger Protocol
//
// VM circuit: binds a private execution trace to public commitments over the
// module set, entry function and arguments. The trace chain inside the
// circuit mirrors the witness builder exactly.

package zkvm

import (
	"github.com/consensys/gnark/frontend"
)

// ExecutionCircuit proves knowledge of a step trace consistent with the
// public inputs. Steps is sized from the registered circuit config, so the
// constraint system (and therefore the verifying key) is a function of the
// on-chain configuration.
type ExecutionCircuit struct {
	Steps []frontend.Variable `gnark:",secret"`

	ModuleDigest  frontend.Variable `gnark:",public"`
	FunctionIndex frontend.Variable `gnark:",public"`
	ArgsDigest    frontend.Variable `gnark:",public"`
	TraceDigest   frontend.Variable `gnark:",public"`
}

// Define implements frontend.Circuit.
func (c *ExecutionCircuit) Define(api frontend.API) error {
	seed := mixVar(api, mixVar(api, mixVar(api, 0, c.ModuleDigest), c.FunctionIndex), c.ArgsDigest)

	api.AssertIsEqual(c.Steps[0], seed)
	prev := c.Steps[0]
	for i := 1; i < len(c.Steps); i++ {
		api.AssertIsEqual(c.Steps[i], mixVar(api, prev, i))
		prev = c.Steps[i]
	}

	trace := frontend.Variable(0)
	for _, s := range c.Steps {
		trace = mixVar(api, trace, s)
	}
	api.AssertIsEqual(trace, c.TraceDigest)
	return nil
}

// mixVar is the in-circuit chain step, identical to mix in witness.go.
func mixVar(api frontend.API, a, b frontend.Variable) frontend.Variable {
	return api.Add(api.Mul(a, mixCoeff), b)
}

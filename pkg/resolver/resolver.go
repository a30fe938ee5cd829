// Copyright 2025 Agger Protocol
//
// Resolver fetches the proving material for a query: the target module bytes
// and the (config, vk, param) triple registered on-chain for its entry
// function. All reads are pinned to the version of the originating event.

package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"

	"github.com/zkmove/agger/pkg/aptos"
	"github.com/zkmove/agger/pkg/movebin"
	"github.com/zkmove/agger/pkg/types"
)

var (
	// ErrModuleNotFound is returned when get_module yields no value.
	ErrModuleNotFound = errors.New("module not registered")

	// ErrEmptyViewReturn is returned when a registry view unexpectedly
	// returns no values.
	ErrEmptyViewReturn = errors.New("view returned no value")
)

// Resolver resolves modules and verification parameters against the agger
// registry module.
type Resolver struct {
	client       aptos.Client
	aggerAddress types.AccountAddress
}

// New builds a Resolver bound to the given agger contract address.
func New(client aptos.Client, aggerAddress types.AccountAddress) *Resolver {
	return &Resolver{client: client, aggerAddress: aggerAddress}
}

// ResolveModules returns the bytecode of the query's target module and its
// dependencies, read at the query's version.
//
// TODO: fetch the transitive dependency closure; today the target module is
// assumed self-contained.
func (r *Resolver) ResolveModules(ctx context.Context, q *types.UserQuery) ([][]byte, error) {
	moduleBytes, err := r.getModule(ctx, q.Query.ModuleAddress, q.Query.ModuleName, q.Version)
	if err != nil {
		return nil, err
	}
	return [][]byte{moduleBytes}, nil
}

// ResolveVerificationParams returns the target module bytes together with the
// circuit config, verifying key and setup parameter registered for the entry
// function. The three registry views are issued in parallel at the same
// version; the first failure aborts.
func (r *Resolver) ResolveVerificationParams(ctx context.Context, moduleAddress, moduleName, functionName []byte, version uint64) ([]byte, types.VerificationParameters, error) {
	var vp types.VerificationParameters

	moduleBytes, err := r.getModule(ctx, moduleAddress, moduleName, version)
	if err != nil {
		return nil, vp, err
	}

	module, err := movebin.Deserialize(moduleBytes)
	if err != nil {
		return nil, vp, fmt.Errorf("parsing module %s::%s: %w",
			hexutil.Encode(moduleAddress), moduleName, err)
	}
	functionIndex, err := module.EntryFunctionIndex(string(functionName))
	if err != nil {
		return nil, vp, err
	}

	args := []any{aptos.HexArg(moduleAddress), aptos.HexArg(moduleName), functionIndex}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := r.viewBytes(gctx, types.RegistryGetConfig, args, version)
		vp.Config = b
		return err
	})
	g.Go(func() error {
		b, err := r.viewBytes(gctx, types.RegistryGetVK, args, version)
		vp.VK = b
		return err
	})
	g.Go(func() error {
		b, err := r.viewBytes(gctx, types.RegistryGetParam, args, version)
		vp.Param = b
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, types.VerificationParameters{}, err
	}
	return moduleBytes, vp, nil
}

func (r *Resolver) getModule(ctx context.Context, moduleAddress, moduleName []byte, version uint64) ([]byte, error) {
	args := []any{aptos.HexArg(moduleAddress), aptos.HexArg(moduleName)}
	b, err := r.viewBytes(ctx, types.RegistryGetModule, args, version)
	if err != nil {
		if errors.Is(err, ErrEmptyViewReturn) {
			return nil, fmt.Errorf("%w: %s::%s", ErrModuleNotFound,
				hexutil.Encode(moduleAddress), moduleName)
		}
		return nil, err
	}
	return b, nil
}

// viewBytes invokes a registry view function and decodes its single
// hex-encoded bytes return value.
func (r *Resolver) viewBytes(ctx context.Context, viewName string, args []any, version uint64) ([]byte, error) {
	function := fmt.Sprintf("%s::%s::%s", r.aggerAddress.String(), types.RegistryModuleName, viewName)
	values, err := r.client.View(ctx, function, nil, args, version)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyViewReturn, viewName)
	}
	var hexValue string
	if err := json.Unmarshal(values[0], &hexValue); err != nil {
		return nil, fmt.Errorf("decoding %s return: %w", viewName, err)
	}
	b, err := hexutil.Decode(hexValue)
	if err != nil {
		return nil, fmt.Errorf("decoding %s return: %w", viewName, err)
	}
	return b, nil
}

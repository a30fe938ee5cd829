// Copyright 2025 Agger Protocol
//
// Parsing of the textual transaction-argument and type-tag literals carried
// by on-chain queries.

package zkvm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// parseTransactionArgument maps one textual argument literal to a field
// element. Supported forms follow the Move transaction-argument grammar:
// booleans, 0x-hex addresses, x"..." byte vectors, and decimal integers with
// an optional u8/u16/u32/u64/u128/u256 suffix (bare decimals are u64).
func parseTransactionArgument(literal string) (*big.Int, error) {
	s := strings.TrimSpace(literal)
	switch {
	case s == "":
		return nil, fmt.Errorf("empty argument literal")
	case s == "true":
		return big.NewInt(1), nil
	case s == "false":
		return big.NewInt(0), nil
	case strings.HasPrefix(s, "0x"):
		b, err := hexDecodeRelaxed(s)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", literal, err)
		}
		return new(big.Int).SetBytes(b), nil
	case strings.HasPrefix(s, `x"`) && strings.HasSuffix(s, `"`):
		b, err := hexutil.Decode("0x" + s[2:len(s)-1])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", literal, err)
		}
		return new(big.Int).SetBytes(b), nil
	}

	digits, bits := splitIntSuffix(s)
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("argument %q: not a literal", literal)
	}
	if v.Sign() < 0 || v.BitLen() > bits {
		return nil, fmt.Errorf("argument %q: out of range for u%d", literal, bits)
	}
	return v, nil
}

func splitIntSuffix(s string) (digits string, bits int) {
	for _, suffix := range []struct {
		tag  string
		bits int
	}{
		{"u128", 128}, {"u256", 256}, {"u16", 16}, {"u32", 32}, {"u64", 64}, {"u8", 8},
	} {
		if strings.HasSuffix(s, suffix.tag) {
			return strings.TrimSuffix(s, suffix.tag), suffix.bits
		}
	}
	return s, 64
}

// hexDecodeRelaxed accepts 0x-prefixed hex of any length, padding odd-length
// payloads the way address literals are written on-chain.
func hexDecodeRelaxed(s string) ([]byte, error) {
	body := strings.TrimPrefix(s, "0x")
	if len(body)%2 == 1 {
		body = "0" + body
	}
	return hexutil.Decode("0x" + body)
}

// validateTypeTag checks that a textual type-tag literal is well formed:
// a primitive, vector<T>, or address::module::Name with optional type
// arguments.
func validateTypeTag(literal string) error {
	s := strings.TrimSpace(literal)
	if s == "" {
		return fmt.Errorf("empty type tag")
	}
	switch s {
	case "bool", "u8", "u16", "u32", "u64", "u128", "u256", "address", "signer":
		return nil
	}
	if strings.HasPrefix(s, "vector<") && strings.HasSuffix(s, ">") {
		return validateTypeTag(s[len("vector<") : len(s)-1])
	}
	return validateStructTag(s)
}

func validateStructTag(s string) error {
	base := s
	if open := strings.Index(s, "<"); open >= 0 {
		if !strings.HasSuffix(s, ">") {
			return fmt.Errorf("type tag %q: unbalanced type arguments", s)
		}
		base = s[:open]
		for _, arg := range splitTypeArgs(s[open+1 : len(s)-1]) {
			if err := validateTypeTag(arg); err != nil {
				return err
			}
		}
	}
	parts := strings.Split(base, "::")
	if len(parts) != 3 {
		return fmt.Errorf("type tag %q: expected address::module::name", s)
	}
	if _, err := hexDecodeRelaxed(parts[0]); err != nil {
		return fmt.Errorf("type tag %q: bad address: %w", s, err)
	}
	for _, ident := range parts[1:] {
		if ident == "" {
			return fmt.Errorf("type tag %q: empty identifier", s)
		}
	}
	return nil
}

// splitTypeArgs splits a comma-separated type-argument list at depth zero.
func splitTypeArgs(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

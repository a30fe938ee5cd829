// Copyright 2025 Agger Protocol
//
// Minimal reader for the compiled Move module format. The node only needs to
// map an entry-function name to its 0-based definition index, so this parses
// the table of contents plus the identifiers, function-handles and
// function-definitions tables and skips everything else.

package movebin

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var moduleMagic = []byte{0xA1, 0x1C, 0xEB, 0x0B}

// ErrFunctionNotFound is returned when no function definition carries the
// requested name.
var ErrFunctionNotFound = errors.New("function not found in module")

// Table kinds of the binary table of contents, per the Move file format.
const (
	tableModuleHandles   = 0x1
	tableStructHandles   = 0x2
	tableFunctionHandles = 0x3
	tableFunctionInst    = 0x4
	tableSignatures      = 0x5
	tableConstantPool    = 0x6
	tableIdentifiers     = 0x7
	tableAddressIdents   = 0x8
	tableStructDefs      = 0xA
	tableStructDefInst   = 0xB
	tableFunctionDefs    = 0xC
)

// Module is a partially decoded compiled module: just enough structure to
// resolve function definitions by name.
type Module struct {
	Version     uint32
	identifiers []string
	// handleNames[i] is the identifier index of function handle i's name.
	handleNames []uint32
	// defHandles[i] is the function-handle index of definition i.
	defHandles []uint32
}

// Deserialize parses the module bytes.
func Deserialize(data []byte) (*Module, error) {
	r := &reader{buf: data}
	magic := r.fixed(4)
	if r.err != nil || string(magic) != string(moduleMagic) {
		return nil, fmt.Errorf("bad module magic")
	}
	version := binary.LittleEndian.Uint32(r.fixed(4))
	if r.err != nil {
		return nil, r.err
	}

	type tableHeader struct {
		kind          byte
		offset, count uint64
	}
	n := r.uleb()
	headers := make([]tableHeader, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		headers = append(headers, tableHeader{
			kind:   byte(r.uleb()),
			offset: r.uleb(),
			count:  r.uleb(),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	// Self-module handle index trails the table data; irrelevant here.
	tableBase := r.pos

	m := &Module{Version: version}
	section := func(h tableHeader) (*reader, error) {
		start := tableBase + h.offset
		end := start + h.count
		if start > uint64(len(data)) || end > uint64(len(data)) {
			return nil, fmt.Errorf("table 0x%x out of bounds", h.kind)
		}
		return &reader{buf: data[start:end]}, nil
	}

	for _, h := range headers {
		switch h.kind {
		case tableIdentifiers:
			tr, err := section(h)
			if err != nil {
				return nil, err
			}
			if err := m.parseIdentifiers(tr); err != nil {
				return nil, err
			}
		case tableFunctionHandles:
			tr, err := section(h)
			if err != nil {
				return nil, err
			}
			if err := m.parseFunctionHandles(tr); err != nil {
				return nil, err
			}
		case tableFunctionDefs:
			tr, err := section(h)
			if err != nil {
				return nil, err
			}
			if err := m.parseFunctionDefs(tr); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// EntryFunctionIndex returns the 0-based index of the function definition
// whose handle name equals name.
func (m *Module) EntryFunctionIndex(name string) (uint16, error) {
	for i, h := range m.defHandles {
		if int(h) >= len(m.handleNames) {
			return 0, fmt.Errorf("function definition %d: handle %d out of range", i, h)
		}
		nameIdx := m.handleNames[h]
		if int(nameIdx) >= len(m.identifiers) {
			return 0, fmt.Errorf("function handle %d: identifier %d out of range", h, nameIdx)
		}
		if m.identifiers[nameIdx] == name {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
}

func (m *Module) parseIdentifiers(r *reader) error {
	for r.remaining() > 0 && r.err == nil {
		n := r.uleb()
		m.identifiers = append(m.identifiers, string(r.fixed(int(n))))
	}
	return r.err
}

func (m *Module) parseFunctionHandles(r *reader) error {
	for r.remaining() > 0 && r.err == nil {
		r.uleb() // module handle
		name := r.uleb()
		r.uleb() // parameters signature
		r.uleb() // return signature
		tyParams := r.uleb()
		for i := uint64(0); i < tyParams; i++ {
			r.uleb() // ability set per type parameter
		}
		m.handleNames = append(m.handleNames, uint32(name))
	}
	return r.err
}

func (m *Module) parseFunctionDefs(r *reader) error {
	for r.remaining() > 0 && r.err == nil {
		handle := r.uleb()
		r.fixed(1) // visibility
		if m.Version >= 5 {
			r.fixed(1) // flags (entry, native, ...)
		}
		acquires := r.uleb()
		for i := uint64(0); i < acquires; i++ {
			r.uleb()
		}
		hasCode := r.fixed(1)
		if r.err != nil {
			return r.err
		}
		if hasCode[0] != 0 {
			if err := skipCodeUnit(r); err != nil {
				return err
			}
		}
		m.defHandles = append(m.defHandles, uint32(handle))
	}
	return r.err
}

func skipCodeUnit(r *reader) error {
	r.uleb() // locals signature index
	count := r.uleb()
	for i := uint64(0); i < count && r.err == nil; i++ {
		if err := skipInstruction(r); err != nil {
			return err
		}
	}
	return r.err
}

// Operand widths per opcode; opcodes absent from both maps take no operand.
var ulebOperand = map[byte]bool{
	0x03: true, 0x04: true, 0x05: true, // br_true, br_false, branch
	0x07: true,             // ld_const
	0x0A: true, 0x0B: true, 0x0C: true, // copy_loc, move_loc, st_loc
	0x0D: true, 0x0E: true, // borrow_loc
	0x0F: true, 0x10: true, // borrow_field
	0x11: true,             // call
	0x12: true, 0x13: true, // pack, unpack
	0x29: true,             // exists
	0x2A: true, 0x2B: true, // borrow_global
	0x2C: true, 0x2D: true, // move_from, move_to
	0x36: true, 0x37: true, // borrow_field_generic
	0x38: true,             // call_generic
	0x39: true, 0x3A: true, // pack_generic, unpack_generic
	0x3B: true,             // exists_generic
	0x3C: true, 0x3D: true, // borrow_global_generic
	0x3E: true, 0x3F: true, // move_from_generic, move_to_generic
	0x41: true, 0x42: true, 0x43: true, 0x44: true, 0x45: true, 0x47: true, // vector ops
}

var fixedOperand = map[byte]int{
	0x06: 8,  // ld_u64
	0x31: 1,  // ld_u8
	0x32: 16, // ld_u128
	0x48: 2,  // ld_u16
	0x49: 4,  // ld_u32
	0x4A: 32, // ld_u256
}

func skipInstruction(r *reader) error {
	op := r.fixed(1)
	if r.err != nil {
		return r.err
	}
	switch {
	case op[0] == 0x40 || op[0] == 0x46:
		// vec_pack and vec_unpack carry a signature index plus a u64 count.
		r.uleb()
		r.fixed(8)
	case ulebOperand[op[0]]:
		r.uleb()
	default:
		if n, ok := fixedOperand[op[0]]; ok {
			r.fixed(n)
		}
	}
	return r.err
}

// reader is a bounds-checked cursor over the module bytes.
type reader struct {
	buf []byte
	pos uint64
	err error
}

func (r *reader) remaining() int { return len(r.buf) - int(r.pos) }

func (r *reader) fixed(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = fmt.Errorf("unexpected end of module at offset %d", r.pos)
		return nil
	}
	out := r.buf[r.pos : r.pos+uint64(n)]
	r.pos += uint64(n)
	return out
}

func (r *reader) uleb() uint64 {
	if r.err != nil {
		return 0
	}
	var value uint64
	var shift uint
	for {
		b := r.fixed(1)
		if r.err != nil {
			return 0
		}
		value |= uint64(b[0]&0x7F) << shift
		if b[0]&0x80 == 0 {
			return value
		}
		shift += 7
		if shift > 63 {
			r.err = fmt.Errorf("uleb128 overflow at offset %d", r.pos)
			return 0
		}
	}
}

// Package disasm decodes x86-64 machine code into a simplified
// instruction representation used by the diagnostics engine.
package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Inst is a simplified decoded instruction.
type Inst struct {
	VA   uint64 // virtual address of instruction
	Len  int    // encoded length in bytes
	Op   string // mnemonic in lowercase
	Args string // formatted operands
	Text string // formatted disassembly string (GNU syntax)
	Bad  bool   // placeholder for an undecodable byte
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Decoder walks a byte window and yields instructions one at a time.
// Each NewDecoder starts fresh at the window base, so decoding the same
// window twice yields identical streams. Bytes that do not decode are
// reported as one-byte "(bad)" placeholders and the window advances past
// them rather than aborting.
type Decoder struct {
	code []byte
	base uint64
	off  int
}

// NewDecoder returns a decoder over code, anchored at virtual address base.
func NewDecoder(code []byte, base uint64) *Decoder {
	return &Decoder{code: code, base: base}
}

// Next decodes the next instruction. It returns false once the window is
// exhausted.
func (d *Decoder) Next() (Inst, bool) {
	if d.off >= len(d.code) {
		return Inst{}, false
	}
	va := d.base + uint64(d.off)

	inst, err := x86asm.Decode(d.code[d.off:], 64)
	if err != nil || inst.Len <= 0 {
		// Unknown or truncated encoding: consume a single byte so the
		// rest of the window still gets decoded.
		d.off++
		return Inst{VA: va, Len: 1, Op: "(bad)", Text: "(bad)", Bad: true}, true
	}
	d.off += inst.Len

	text := x86asm.GNUSyntax(inst, va, nil)
	op, args, _ := strings.Cut(text, " ")
	return Inst{
		VA:   va,
		Len:  inst.Len,
		Op:   strings.ToLower(op),
		Args: strings.TrimSpace(args),
		Text: text,
	}, true
}

// Decode disassembles up to max instructions from code anchored at base.
// max <= 0 decodes the whole window. The result is deterministic for
// identical inputs.
func Decode(code []byte, base uint64, max int) Stream {
	d := NewDecoder(code, base)
	var out Stream
	for max <= 0 || len(out) < max {
		inst, ok := d.Next()
		if !ok {
			break
		}
		out = append(out, inst)
	}
	return out
}

// Package disasm decodes x86-64 instructions at hook sites.
package disasm

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrTruncated is returned when the code ends inside an instruction.
	ErrTruncated = errors.New("disasm: truncated instruction")
	// ErrFunctionEnd is returned when a return or trap is reached before
	// enough bytes were covered.
	ErrFunctionEnd = errors.New("disasm: function ends inside the hook site")
)

// Decoder decodes instructions for one processor mode.
type Decoder struct {
	mode int
}

// Init returns a decoder for 64-bit code, the mode the hooked kernel runs in.
func Init() *Decoder {
	return &Decoder{mode: 64}
}

// New returns a decoder for mode 16, 32 or 64.
func New(mode int) (*Decoder, error) {
	switch mode {
	case 16, 32, 64:
		return &Decoder{mode: mode}, nil
	}
	return nil, fmt.Errorf("disasm: unsupported mode %d", mode)
}

// Decode decodes the instruction at the start of code.
func (d *Decoder) Decode(code []byte) (x86asm.Inst, error) {
	if len(code) == 0 {
		return x86asm.Inst{}, ErrTruncated
	}
	inst, err := x86asm.Decode(code, d.mode)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return inst, ErrTruncated
		}
		return inst, fmt.Errorf("disasm: decode % x: %w", code[:min(len(code), 15)], err)
	}
	return inst, nil
}

// InstructionLength returns the length of the instruction at code.
func (d *Decoder) InstructionLength(code []byte) (int, error) {
	inst, err := d.Decode(code)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}

// Site describes the instructions a hook overwrites.
type Site struct {
	// Length covers whole instructions and is at least the requested size.
	Length int
	Insts  []x86asm.Inst
	// Relative is set when one of the instructions uses a RIP relative
	// operand or branch and cannot be copied verbatim.
	Relative bool
}

// LengthForHook walks whole instructions from the start of code until at
// least size bytes are covered.
func (d *Decoder) LengthForHook(code []byte, size int) (Site, error) {
	var site Site
	for site.Length < size {
		inst, err := d.Decode(code[site.Length:])
		if err != nil {
			return site, err
		}
		site.Insts = append(site.Insts, inst)
		site.Length += inst.Len
		if isRelative(inst) {
			site.Relative = true
		}
		if site.Length < size && endsFlow(inst) {
			return site, fmt.Errorf("%w: %s after %d bytes", ErrFunctionEnd, inst.Op, site.Length)
		}
	}
	return site, nil
}

func isRelative(inst x86asm.Inst) bool {
	if inst.PCRel != 0 {
		return true
	}
	for _, a := range inst.Args {
		switch a := a.(type) {
		case x86asm.Rel:
			return true
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				return true
			}
		}
	}
	return false
}

func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ, x86asm.INT, x86asm.UD2, x86asm.JMP:
		return true
	}
	return false
}

// Line is one disassembled instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

// Disassemble decodes up to n instructions of code loaded at pc in Intel
// syntax. Undecodable bytes are emitted as a one byte "(bad)" line.
func (d *Decoder) Disassemble(code []byte, pc uint64, n int) []Line {
	var out []Line
	for off := 0; off < len(code) && len(out) < n; {
		inst, err := d.Decode(code[off:])
		if err != nil {
			out = append(out, Line{Addr: pc + uint64(off), Bytes: code[off : off+1], Text: "(bad)"})
			off++
			continue
		}
		out = append(out, Line{
			Addr:  pc + uint64(off),
			Bytes: code[off : off+inst.Len],
			Text:  x86asm.IntelSyntax(inst, pc+uint64(off), nil),
		})
		off += inst.Len
	}
	return out
}

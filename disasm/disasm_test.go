package disasm

import (
	"errors"
	"strings"
	"testing"
)

// Prologue of a typical kernel function.
var prologue = []byte{
	0x55,             // push rbp
	0x48, 0x89, 0xe5, // mov rbp, rsp
	0x41, 0x57, // push r15
	0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00, // mov rax, [rip+0x10]
	0xc3, // ret
}

func TestInstructionLength(t *testing.T) {
	d := Init()
	tests := []struct {
		off  int
		want int
	}{
		{0, 1},
		{1, 3},
		{4, 2},
		{6, 7},
		{13, 1},
	}
	for _, tt := range tests {
		got, err := d.InstructionLength(prologue[tt.off:])
		if err != nil {
			t.Fatalf("InstructionLength(+%d) error = %v", tt.off, err)
		}
		if got != tt.want {
			t.Errorf("InstructionLength(+%d) = %d, want %d", tt.off, got, tt.want)
		}
	}
	if _, err := d.InstructionLength(prologue[6:8]); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated decode error = %v", err)
	}
	if _, err := d.InstructionLength(nil); !errors.Is(err, ErrTruncated) {
		t.Errorf("empty decode error = %v", err)
	}
}

func TestLengthForHook(t *testing.T) {
	d := Init()

	site, err := d.LengthForHook(prologue, 5)
	if err != nil {
		t.Fatal(err)
	}
	if site.Length != 6 || len(site.Insts) != 3 || site.Relative {
		t.Errorf("LengthForHook(5) = %d bytes, %d insts, relative %v", site.Length, len(site.Insts), site.Relative)
	}

	site, err = d.LengthForHook(prologue, 12)
	if err != nil {
		t.Fatal(err)
	}
	if site.Length != 13 || !site.Relative {
		t.Errorf("LengthForHook(12) = %d bytes, relative %v", site.Length, site.Relative)
	}

	if _, err := d.LengthForHook(prologue, 16); !errors.Is(err, ErrFunctionEnd) && !errors.Is(err, ErrTruncated) {
		t.Errorf("LengthForHook past ret error = %v", err)
	}
	if _, err := d.LengthForHook([]byte{0xc3, 0x90, 0x90, 0x90, 0x90, 0x90}, 5); !errors.Is(err, ErrFunctionEnd) {
		t.Errorf("LengthForHook on ret error = %v", err)
	}
}

func TestDisassemble(t *testing.T) {
	d := Init()
	lines := d.Disassemble(prologue, 0xffffffff81000000, 10)
	if len(lines) != 5 {
		t.Fatalf("Disassemble() returned %d lines, want 5", len(lines))
	}
	if lines[0].Addr != 0xffffffff81000000 || !strings.HasPrefix(lines[0].Text, "push") {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if lines[4].Addr != 0xffffffff8100000d || !strings.HasPrefix(lines[4].Text, "ret") {
		t.Errorf("line 4 = %+v", lines[4])
	}
	if got := d.Disassemble(prologue, 0, 2); len(got) != 2 {
		t.Errorf("Disassemble(n=2) returned %d lines", len(got))
	}
}

func TestNew(t *testing.T) {
	if _, err := New(64); err != nil {
		t.Error(err)
	}
	if _, err := New(8); err == nil {
		t.Error("New(8) succeeded")
	}
}

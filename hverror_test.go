package svm

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/blacktop/go-svm/cpu"
)

func TestSVMError(t *testing.T) {
	tests := []struct {
		name     string
		code     uint32
		expected string
	}{
		{
			name:     "SVM_SUCCESS",
			code:     SVM_SUCCESS,
			expected: "svm: success",
		},
		{
			name:     "SVM_ERROR",
			code:     SVM_ERROR,
			expected: "svm: general error (SVM_ERROR) - check platform access and privileges",
		},
		{
			name:     "SVM_BUSY",
			code:     SVM_BUSY,
			expected: "svm: resource busy (SVM_BUSY) - a hypervisor is already active in this process",
		},
		{
			name:     "SVM_UNSUPPORTED",
			code:     SVM_UNSUPPORTED,
			expected: "svm: unsupported (SVM_UNSUPPORTED) - processor does not implement AMD SVM (CPUID 0x80000001 ECX[2])",
		},
		{
			name:     "SVM_LOCKED",
			code:     SVM_LOCKED,
			expected: "svm: disabled (SVM_LOCKED) - VM_CR.SVMDIS is set, enable SVM in firmware setup",
		},
		{
			name:     "SVM_NO_NESTED_PAGING",
			code:     SVM_NO_NESTED_PAGING,
			expected: "svm: no nested paging (SVM_NO_NESTED_PAGING) - CPUID 0x8000000A EDX[0] is clear",
		},
		{
			name:     "SVM_NO_RESOURCES",
			code:     SVM_NO_RESOURCES,
			expected: "svm: insufficient resources (SVM_NO_RESOURCES) - pinned memory allocation failed",
		},
		{
			name:     "SVM_ILLEGAL_GUEST_STATE",
			code:     SVM_ILLEGAL_GUEST_STATE,
			expected: "svm: illegal guest state (SVM_ILLEGAL_GUEST_STATE) - VMCB fails the VMRUN consistency checks",
		},
		{
			name:     "SVM_ENTRY_REJECTED",
			code:     SVM_ENTRY_REJECTED,
			expected: "svm: entry rejected (SVM_ENTRY_REJECTED) - VMRUN failed on the control block",
		},
		{
			name:     "Unknown error code",
			code:     0x12345678,
			expected: "svm: unknown error code 0x12345678",
		},
	}

	t.Setenv("SVM_ENV", "")
	t.Setenv("SVM_DEBUG", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SVMError{Code: tt.code}
			got := err.Error()
			if got != tt.expected {
				t.Errorf("SVMError{Code: 0x%08x}.Error() = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestSanitizedErrors(t *testing.T) {
	for _, env := range []struct{ key, value string }{
		{"SVM_ENV", "production"},
		{"SVM_DEBUG", "false"},
	} {
		t.Run(env.key, func(t *testing.T) {
			t.Setenv(env.key, env.value)
			err := SVMError{Code: SVM_LOCKED}
			if got := err.Error(); got != "svm: disabled" {
				t.Errorf("Error() = %q, want %q", got, "svm: disabled")
			}
			if got := (SVMError{Code: 0x12345678}).Error(); got != "svm: hypervisor error" {
				t.Errorf("unknown code leaked detail: %q", got)
			}
		})
	}
}

func TestErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("core 3: allocate: %w", fmt.Errorf("%w: %w", ErrNoResources, errors.New("out of memory")))
	if !errors.Is(wrapped, ErrNoResources) {
		t.Error("wrapped ErrNoResources not matched")
	}
	if errors.Is(wrapped, ErrInvalidGuestState) {
		t.Error("ErrNoResources matched ErrInvalidGuestState")
	}
	if !errors.Is(SVMError{Code: SVM_BUSY}, ErrAlreadyActive) {
		t.Error("codes compare by value")
	}
	if !strings.Contains(ErrAlreadyActive.Error(), "already active") {
		t.Errorf("custom message lost: %q", ErrAlreadyActive.Error())
	}
	if !errors.Is(ErrRequiresRing0, cpu.ErrRequiresRing0) {
		t.Error("ErrRequiresRing0 is not the platform error")
	}
}

func TestCheckCapabilities(t *testing.T) {
	full := cpu.Capabilities{Vendor: "AuthenticAMD", SVM: true, Unlocked: true, NestedPaging: true}
	tests := []struct {
		name string
		edit func(*cpu.Capabilities)
		want error
	}{
		{"supported", func(*cpu.Capabilities) {}, nil},
		{"no svm", func(c *cpu.Capabilities) { c.SVM = false }, ErrSVMUnsupported},
		{"locked", func(c *cpu.Capabilities) { c.Unlocked = false }, ErrSVMLocked},
		{"no npt", func(c *cpu.Capabilities) { c.NestedPaging = false }, ErrNestedPagingUnsupported},
		{"svm checked first", func(c *cpu.Capabilities) { *c = cpu.Capabilities{} }, ErrSVMUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := full
			tt.edit(&caps)
			err := CheckCapabilities(caps)
			if tt.want == nil {
				if err != nil {
					t.Errorf("CheckCapabilities() = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckCapabilities() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestErrorConstants(t *testing.T) {
	expectedCodes := map[string]uint32{
		"SVM_SUCCESS":             0x00000000,
		"SVM_ERROR":               0x5E4D0001,
		"SVM_BUSY":                0x5E4D0002,
		"SVM_UNSUPPORTED":         0x5E4D0003,
		"SVM_LOCKED":              0x5E4D0004,
		"SVM_NO_NESTED_PAGING":    0x5E4D0005,
		"SVM_NO_RESOURCES":        0x5E4D0006,
		"SVM_ILLEGAL_GUEST_STATE": 0x5E4D0007,
		"SVM_ENTRY_REJECTED":      0x5E4D0008,
		"SVM_NOT_INITIALIZED":     0x5E4D0009,
	}

	actualCodes := map[string]uint32{
		"SVM_SUCCESS":             SVM_SUCCESS,
		"SVM_ERROR":               SVM_ERROR,
		"SVM_BUSY":                SVM_BUSY,
		"SVM_UNSUPPORTED":         SVM_UNSUPPORTED,
		"SVM_LOCKED":              SVM_LOCKED,
		"SVM_NO_NESTED_PAGING":    SVM_NO_NESTED_PAGING,
		"SVM_NO_RESOURCES":        SVM_NO_RESOURCES,
		"SVM_ILLEGAL_GUEST_STATE": SVM_ILLEGAL_GUEST_STATE,
		"SVM_ENTRY_REJECTED":      SVM_ENTRY_REJECTED,
		"SVM_NOT_INITIALIZED":     SVM_NOT_INITIALIZED,
	}

	for name, expected := range expectedCodes {
		actual, exists := actualCodes[name]
		if !exists {
			t.Errorf("Missing constant %s", name)
			continue
		}
		if actual != expected {
			t.Errorf("Constant %s = 0x%08x, want 0x%08x", name, actual, expected)
		}
	}
}

package svm

import (
	"fmt"
	"os"
	"strconv"

	"github.com/blacktop/go-svm/cpu"
)

// Bring-up status codes.
const (
	SVM_SUCCESS             uint32 = 0x00000000
	SVM_ERROR               uint32 = 0x5E4D0001
	SVM_BUSY                uint32 = 0x5E4D0002
	SVM_UNSUPPORTED         uint32 = 0x5E4D0003
	SVM_LOCKED              uint32 = 0x5E4D0004
	SVM_NO_NESTED_PAGING    uint32 = 0x5E4D0005
	SVM_NO_RESOURCES        uint32 = 0x5E4D0006
	SVM_ILLEGAL_GUEST_STATE uint32 = 0x5E4D0007
	SVM_ENTRY_REJECTED      uint32 = 0x5E4D0008
	SVM_NOT_INITIALIZED     uint32 = 0x5E4D0009
)

// SVMError carries a bring-up status code.
type SVMError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e SVMError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is matches any SVMError with the same code, so wrapped sentinels compare
// equal to the sentinel.
func (e SVMError) Is(target error) bool {
	switch t := target.(type) {
	case *SVMError:
		return t != nil && t.Code == e.Code
	case SVMError:
		return t.Code == e.Code
	}
	return false
}

// detailedError provides full error context for development
func (e SVMError) detailedError() string {
	switch e.Code {
	case SVM_SUCCESS:
		return "svm: success"
	case SVM_ERROR:
		return "svm: general error (SVM_ERROR) - check platform access and privileges"
	case SVM_BUSY:
		return "svm: resource busy (SVM_BUSY) - a hypervisor is already active in this process"
	case SVM_UNSUPPORTED:
		return "svm: unsupported (SVM_UNSUPPORTED) - processor does not implement AMD SVM (CPUID 0x80000001 ECX[2])"
	case SVM_LOCKED:
		return "svm: disabled (SVM_LOCKED) - VM_CR.SVMDIS is set, enable SVM in firmware setup"
	case SVM_NO_NESTED_PAGING:
		return "svm: no nested paging (SVM_NO_NESTED_PAGING) - CPUID 0x8000000A EDX[0] is clear"
	case SVM_NO_RESOURCES:
		return "svm: insufficient resources (SVM_NO_RESOURCES) - pinned memory allocation failed"
	case SVM_ILLEGAL_GUEST_STATE:
		return "svm: illegal guest state (SVM_ILLEGAL_GUEST_STATE) - VMCB fails the VMRUN consistency checks"
	case SVM_ENTRY_REJECTED:
		return "svm: entry rejected (SVM_ENTRY_REJECTED) - VMRUN failed on the control block"
	case SVM_NOT_INITIALIZED:
		return "svm: not initialized (SVM_NOT_INITIALIZED) - call Initialize first"
	default:
		return fmt.Sprintf("svm: unknown error code 0x%08x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e SVMError) sanitizedError() string {
	switch e.Code {
	case SVM_SUCCESS:
		return "svm: success"
	case SVM_ERROR:
		return "svm: general error"
	case SVM_BUSY:
		return "svm: resource busy"
	case SVM_UNSUPPORTED:
		return "svm: unsupported"
	case SVM_LOCKED:
		return "svm: disabled"
	case SVM_NO_NESTED_PAGING:
		return "svm: no nested paging"
	case SVM_NO_RESOURCES:
		return "svm: insufficient resources"
	case SVM_ILLEGAL_GUEST_STATE:
		return "svm: illegal guest state"
	case SVM_ENTRY_REJECTED:
		return "svm: entry rejected"
	case SVM_NOT_INITIALIZED:
		return "svm: not initialized"
	default:
		return "svm: hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("SVM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("SVM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers
var (
	ErrSVMUnsupported          = &SVMError{Code: SVM_UNSUPPORTED}
	ErrSVMLocked               = &SVMError{Code: SVM_LOCKED}
	ErrNestedPagingUnsupported = &SVMError{Code: SVM_NO_NESTED_PAGING}
	ErrNoResources             = &SVMError{Code: SVM_NO_RESOURCES}
	ErrInvalidGuestState       = &SVMError{Code: SVM_ILLEGAL_GUEST_STATE}
	ErrEntryRejected           = &SVMError{Code: SVM_ENTRY_REJECTED}
	ErrAlreadyActive           = &SVMError{Code: SVM_BUSY, message: "svm: hypervisor already active in this process"}
	ErrNotInitialized          = &SVMError{Code: SVM_NOT_INITIALIZED}

	// ErrRequiresRing0 is returned by platforms that cannot capture a
	// supervisor context or issue VMRUN from user space.
	ErrRequiresRing0 = cpu.ErrRequiresRing0
)

// CheckCapabilities maps the first missing capability to its sentinel.
func CheckCapabilities(caps cpu.Capabilities) error {
	switch {
	case !caps.SVM:
		return fmt.Errorf("%w: vendor %q", ErrSVMUnsupported, caps.Vendor)
	case !caps.Unlocked:
		return ErrSVMLocked
	case !caps.NestedPaging:
		return ErrNestedPagingUnsupported
	}
	return nil
}

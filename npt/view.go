package npt

import (
	"fmt"
	"strings"
)

// View names one complete nested translation hierarchy.
type View int

const (
	Primary View = iota
	NoExecute
	Sandbox
	SandboxSingleStep

	// NumViews is the number of views every Set holds.
	NumViews = 4
)

// Views lists all views in index order.
var Views = [NumViews]View{Primary, NoExecute, Sandbox, SandboxSingleStep}

var viewNames = [NumViews]string{"primary", "noexecute", "sandbox", "sandbox_single_step"}

func (v View) String() string {
	if v.Valid() {
		return viewNames[v]
	}
	return fmt.Sprintf("view(%d)", int(v))
}

// Valid reports whether v is one of the defined views.
func (v View) Valid() bool {
	return v >= 0 && v < NumViews
}

// ParseView converts a view name back into a View.
func ParseView(name string) (View, error) {
	for i, n := range viewNames {
		if strings.EqualFold(n, name) {
			return View(i), nil
		}
	}
	return 0, fmt.Errorf("npt: unknown view %q", name)
}

// Access is the permission policy applied to leaf entries.
type Access struct {
	Read    bool `yaml:"read" json:"read"`
	Write   bool `yaml:"write" json:"write"`
	Execute bool `yaml:"execute" json:"execute"`
}

var (
	// RWX allows every access.
	RWX = Access{Read: true, Write: true, Execute: true}
	// RW allows data accesses and faults on instruction fetch.
	RW = Access{Read: true, Write: true}
	// RX allows reads and instruction fetch.
	RX = Access{Read: true, Execute: true}
)

func (a Access) String() string {
	b := []byte("---")
	if a.Read {
		b[0] = 'r'
	}
	if a.Write {
		b[1] = 'w'
	}
	if a.Execute {
		b[2] = 'x'
	}
	return string(b)
}

// Validate rejects policies nested paging cannot express: a page that is
// not readable is not present, so it cannot be writable or executable.
func (a Access) Validate() error {
	if !a.Read && (a.Write || a.Execute) {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, a)
	}
	return nil
}

// Policies holds one Access per view, indexed by View.
type Policies [NumViews]Access

// DefaultPolicies are the policies the views are built with unless
// configured otherwise.
func DefaultPolicies() Policies {
	return Policies{
		Primary:           RWX,
		NoExecute:         RW,
		Sandbox:           RW,
		SandboxSingleStep: RWX,
	}
}

// Package kernel resolves modules and processes of the running operating
// system by name.
//
// Callers depend on Introspector only. Each implementation is tied to one
// operating system and reports the layout revision it understands through
// Version, so code that walks OS structures stays in one place.
package kernel

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no module or process matches.
var ErrNotFound = errors.New("kernel: not found")

// Module is a loaded image.
type Module struct {
	Name string `json:"name"`
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
}

// Contains reports whether addr lies inside the module image.
func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

func (m Module) String() string {
	return fmt.Sprintf("%s [%#x-%#x]", m.Name, m.Base, m.Base+m.Size)
}

// Introspector is the versioned view of kernel state the hook manager
// needs.
type Introspector interface {
	// Version identifies the OS and structure revision.
	Version() string
	// Module returns the kernel module called name.
	Module(name string) (Module, error)
	// ModuleFromAddress returns the image of process pid containing addr.
	ModuleFromAddress(pid int, addr uint64) (Module, error)
	// ProcessID returns the first process whose image name is name.
	ProcessID(name string) (int, error)
	// ProcessAlive reports whether pid still exists.
	ProcessAlive(pid int) bool
}

package kernel

import (
	"fmt"
	"strings"

	"github.com/Binject/debug/pe"

	"github.com/blacktop/go-svm/scan"
)

const scnMemExecute = 0x20000000

// Section is one section of an on-disk kernel image.
type Section struct {
	Name           string `json:"name"`
	VirtualAddress uint64 `json:"virtual_address"`
	Size           uint64 `json:"size"`
	Executable     bool   `json:"executable"`
	data           []byte
}

// Image is a PE kernel image (ntoskrnl.exe, a driver) opened for offline
// signature work.
type Image struct {
	Path     string     `json:"path"`
	Base     uint64     `json:"image_base"`
	Sections []*Section `json:"sections"`
	file     *pe.File
}

// OpenImage parses the PE file at path.
func OpenImage(path string) (*Image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: open image %s: %w", path, err)
	}
	img := &Image{Path: path, file: f}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		img.Base = oh.ImageBase
	case *pe.OptionalHeader32:
		img.Base = uint64(oh.ImageBase)
	}
	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("kernel: read section %s: %w", s.Name, err)
		}
		img.Sections = append(img.Sections, &Section{
			Name:           s.Name,
			VirtualAddress: uint64(s.VirtualAddress),
			Size:           uint64(s.VirtualSize),
			Executable:     s.Characteristics&scnMemExecute != 0,
			data:           data,
		})
	}
	return img, nil
}

// Close releases the underlying file.
func (i *Image) Close() error {
	return i.file.Close()
}

// Section returns the section called name.
func (i *Image) Section(name string) (*Section, error) {
	for _, s := range i.Sections {
		if strings.EqualFold(s.Name, name) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: section %s in %s", ErrNotFound, name, i.Path)
}

// Data returns the raw bytes of the section.
func (s *Section) Data() []byte { return s.data }

// Find searches the named section, or every executable section when name
// is empty, and returns the virtual address of the first match relative
// to the preferred image base.
func (i *Image) Find(sig scan.Signature, name string) (uint64, error) {
	for _, s := range i.Sections {
		if name != "" && !strings.EqualFold(s.Name, name) {
			continue
		}
		if name == "" && !s.Executable {
			continue
		}
		if off, ok := sig.Find(s.data); ok {
			return i.Base + s.VirtualAddress + uint64(off), nil
		}
	}
	return 0, fmt.Errorf("%w: pattern %s in %s", ErrNotFound, sig, i.Path)
}

// Export returns the virtual address of the exported symbol name.
func (i *Image) Export(name string) (uint64, error) {
	exports, err := i.file.Exports()
	if err != nil {
		return 0, fmt.Errorf("kernel: read exports of %s: %w", i.Path, err)
	}
	for _, e := range exports {
		if e.Name == name {
			return i.Base + uint64(e.VirtualAddress), nil
		}
	}
	return 0, fmt.Errorf("%w: export %s in %s", ErrNotFound, name, i.Path)
}

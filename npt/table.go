package npt

import "fmt"

// Translation is the result of walking a view for one guest physical
// address.
type Translation struct {
	GPA    uint64 `json:"gpa"`
	HPA    uint64 `json:"hpa"`
	Size   uint64 `json:"size"`
	Access Access `json:"access"`
}

// Table is the translation hierarchy of a single view. The guest physical
// range [0, limit) is identity mapped with 2 MiB leaves; a leaf is split
// into 4 KiB entries the first time a page inside it is overridden.
type Table struct {
	view     View
	access   Access
	limit    uint64
	alloc    Allocator
	root     *PTEs
	rootPhys uint64
	pages    []uint64
}

func buildTable(alloc Allocator, v View, a Access, limit uint64) (*Table, error) {
	root, phys, err := alloc.NewPTEs()
	if err != nil {
		return nil, err
	}
	t := &Table{
		view:     v,
		access:   a,
		limit:    limit,
		alloc:    alloc,
		root:     root,
		rootPhys: phys,
		pages:    []uint64{phys},
	}
	for gpa := uint64(0); gpa < limit; gpa += LargePageSize {
		pd, err := t.pd(gpa, true)
		if err != nil {
			t.release()
			return nil, fmt.Errorf("npt: build %s at %#x: %w", v, gpa, err)
		}
		pd[index(gpa, pmdShift)] = leaf(gpa, a, true)
	}
	return t, nil
}

// View returns the view the table implements.
func (t *Table) View() View { return t.view }

// Access returns the policy the table was built with.
func (t *Table) Access() Access { return t.access }

// NCR3 returns the value to load into the VMCB nested CR3 field.
func (t *Table) NCR3() uint64 { return t.rootPhys }

// Pages returns the number of table pages the hierarchy uses.
func (t *Table) Pages() int { return len(t.pages) }

// next follows e to the next level, allocating it when alloc is set.
func (t *Table) next(e *PTE, alloc bool) (*PTEs, error) {
	if e.Valid() {
		ptes := t.alloc.LookupPTEs(e.Address())
		if ptes == nil {
			return nil, fmt.Errorf("npt: dangling table reference %#x", e.Address())
		}
		return ptes, nil
	}
	if !alloc {
		return nil, ErrNotMapped
	}
	ptes, phys, err := t.alloc.NewPTEs()
	if err != nil {
		return nil, err
	}
	t.pages = append(t.pages, phys)
	*e = table(phys)
	return ptes, nil
}

// pd returns the page directory covering gpa.
func (t *Table) pd(gpa uint64, alloc bool) (*PTEs, error) {
	pdpt, err := t.next(&t.root[index(gpa, pgdShift)], alloc)
	if err != nil {
		return nil, err
	}
	return t.next(&pdpt[index(gpa, pudShift)], alloc)
}

// Translate walks the table for gpa.
func (t *Table) Translate(gpa uint64) (Translation, error) {
	if gpa >= t.limit {
		return Translation{}, fmt.Errorf("%w: %#x (limit %#x)", ErrNotMapped, gpa, t.limit)
	}
	pd, err := t.pd(gpa, false)
	if err != nil {
		return Translation{}, err
	}
	pde := pd[index(gpa, pmdShift)]
	if !pde.Valid() {
		return Translation{}, fmt.Errorf("%w: %#x", ErrNotMapped, gpa)
	}
	if pde.IsLarge() {
		return Translation{
			GPA:    gpa,
			HPA:    pde.Address() + gpa&(LargePageSize-1),
			Size:   LargePageSize,
			Access: pde.Access(),
		}, nil
	}
	pt := t.alloc.LookupPTEs(pde.Address())
	if pt == nil {
		return Translation{}, fmt.Errorf("npt: dangling table reference %#x", pde.Address())
	}
	pte := pt[index(gpa, pteShift)]
	if !pte.Valid() {
		return Translation{}, fmt.Errorf("%w: %#x", ErrNotMapped, gpa)
	}
	return Translation{
		GPA:    gpa,
		HPA:    pte.Address() + gpa&(PageSize-1),
		Size:   PageSize,
		Access: pte.Access(),
	}, nil
}

// leafPT returns the 4 KiB table holding gpa, splitting a large leaf.
func (t *Table) leafPT(gpa uint64) (*PTEs, error) {
	if gpa >= t.limit {
		return nil, fmt.Errorf("%w: %#x (limit %#x)", ErrNotMapped, gpa, t.limit)
	}
	pd, err := t.pd(gpa, false)
	if err != nil {
		return nil, err
	}
	i := index(gpa, pmdShift)
	pde := pd[i]
	if !pde.Valid() {
		return nil, fmt.Errorf("%w: %#x", ErrNotMapped, gpa)
	}
	if !pde.IsLarge() {
		return t.next(&pd[i], false)
	}

	pt, phys, err := t.alloc.NewPTEs()
	if err != nil {
		return nil, err
	}
	base, acc := pde.Address(), pde.Access()
	for j := range pt {
		pt[j] = leaf(base+uint64(j)*PageSize, acc, false)
	}
	t.pages = append(t.pages, phys)
	pd[i] = table(phys)
	return pt, nil
}

// override points the 4 KiB page at gpa to hpa with access a.
func (t *Table) override(gpa, hpa uint64, a Access) error {
	pt, err := t.leafPT(gpa)
	if err != nil {
		return err
	}
	pt[index(gpa, pteShift)] = leaf(hpa&^(PageSize-1), a, false)
	return nil
}

// restore returns the page at gpa to the identity mapping and view policy.
func (t *Table) restore(gpa uint64) error {
	pt, err := t.leafPT(gpa)
	if err != nil {
		return err
	}
	pt[index(gpa, pteShift)] = leaf(gpa&^(PageSize-1), t.access, false)
	return nil
}

func (t *Table) release() {
	for _, phys := range t.pages {
		t.alloc.FreePTEs(phys)
	}
	t.pages = nil
	t.root = nil
}

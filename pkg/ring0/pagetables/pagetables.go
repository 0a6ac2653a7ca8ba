// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pagetables provides a four-level page table with the x86-64 entry
// layout.
//
// Tables live in frames drawn from an Allocator. Only 4K leaf entries are
// supported.
package pagetables

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// PageTables is a set of page tables.
//
// PageTables is not safe for concurrent mutation; callers serialize Map,
// Unmap, Protect and Release. Lookup, Translate and Touch may run
// concurrently with each other.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the root table.
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical hostarch.PhysAddr
}

// New returns new PageTables with an empty root.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// RootAddress returns the physical address of the root table.
func (p *PageTables) RootAddress() hostarch.PhysAddr {
	return p.rootPhysical
}

// mapVisitor is used for map.
type mapVisitor struct {
	frame hostarch.Frame
	flags hostarch.PageFlags
	prev  bool
}

func (v *mapVisitor) visit(_ hostarch.Page, pte *PTE) bool {
	v.prev = pte.Valid()
	pte.Set(v.frame, v.flags)
	return true
}

func (*mapVisitor) requiresAlloc() bool { return true }

func (*mapVisitor) mayClear() bool { return false }

// Map installs a mapping from page to frame with the given flags, allocating
// intermediate tables as needed. It returns true if a previous mapping of
// page was replaced.
//
// Preconditions: flags.HasPresent().
func (p *PageTables) Map(page hostarch.Page, frame hostarch.Frame, flags hostarch.PageFlags) (bool, error) {
	if !flags.HasPresent() {
		panic(fmt.Sprintf("Map(%v, %v) with non-present flags", page, frame))
	}
	w := Walker[*mapVisitor]{
		pageTables: p,
		visitor:    &mapVisitor{frame: frame, flags: flags},
	}
	if _, err := w.iterateRange(page, page+1); err != nil {
		return false, fmt.Errorf("mapping %v: %w", page, err)
	}
	return w.visitor.prev, nil
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	frame hostarch.Frame
	flags hostarch.PageFlags
	count int
}

func (v *unmapVisitor) visit(_ hostarch.Page, pte *PTE) bool {
	v.frame, v.flags = pte.Frame(), pte.Flags()
	pte.Clear()
	v.count++
	return true
}

func (*unmapVisitor) requiresAlloc() bool { return false }

func (*unmapVisitor) mayClear() bool { return true }

// Unmap removes the mapping of page and returns the frame and flags it had.
// Tables left empty are freed.
func (p *PageTables) Unmap(page hostarch.Page) (hostarch.Frame, hostarch.PageFlags, bool) {
	w := Walker[*unmapVisitor]{
		pageTables: p,
		visitor:    &unmapVisitor{},
	}
	w.iterateRange(page, page+1)
	if w.visitor.count == 0 {
		return 0, 0, false
	}
	return w.visitor.frame, w.visitor.flags, true
}

// protectVisitor is used for protect.
type protectVisitor struct {
	flags hostarch.PageFlags
	found bool
}

func (v *protectVisitor) visit(_ hostarch.Page, pte *PTE) bool {
	// Accessed and dirty are owned by the MMU and survive a protection
	// change.
	old := pte.Flags()
	pte.SetFlags(v.flags&^(hostarch.FlagAccessed|hostarch.FlagDirty) | old&(hostarch.FlagAccessed|hostarch.FlagDirty))
	v.found = true
	return true
}

func (*protectVisitor) requiresAlloc() bool { return false }

func (*protectVisitor) mayClear() bool { return false }

// Protect replaces the flags of an existing mapping of page. It returns
// false if page is not mapped.
//
// Preconditions: flags.HasPresent().
func (p *PageTables) Protect(page hostarch.Page, flags hostarch.PageFlags) bool {
	if !flags.HasPresent() {
		panic(fmt.Sprintf("Protect(%v) with non-present flags", page))
	}
	w := Walker[*protectVisitor]{
		pageTables: p,
		visitor:    &protectVisitor{flags: flags},
	}
	w.iterateRange(page, page+1)
	return w.visitor.found
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	entry *PTE
}

func (v *lookupVisitor) visit(_ hostarch.Page, pte *PTE) bool {
	v.entry = pte
	return false
}

func (*lookupVisitor) requiresAlloc() bool { return false }

func (*lookupVisitor) mayClear() bool { return false }

func (p *PageTables) leaf(page hostarch.Page) *PTE {
	w := Walker[*lookupVisitor]{
		pageTables: p,
		visitor:    &lookupVisitor{},
	}
	w.iterateRange(page, page+1)
	return w.visitor.entry
}

// Lookup returns the frame and flags that page maps to.
func (p *PageTables) Lookup(page hostarch.Page) (hostarch.Frame, hostarch.PageFlags, bool) {
	pte := p.leaf(page)
	if pte == nil {
		return 0, 0, false
	}
	return pte.Frame(), pte.Flags(), true
}

// Translate returns the physical address and flags that addr maps to.
func (p *PageTables) Translate(addr hostarch.Addr) (hostarch.PhysAddr, hostarch.PageFlags, bool) {
	f, flags, ok := p.Lookup(hostarch.PageContaining(addr))
	if !ok {
		return 0, 0, false
	}
	return f.Start() + hostarch.PhysAddr(addr.PageOffset()), flags, true
}

// Touch performs the accessed/dirty update the MMU makes on an access to
// page, and returns the resulting flags. A write sets dirty; the caller is
// responsible for checking write permission first.
func (p *PageTables) Touch(page hostarch.Page, write bool) (hostarch.PageFlags, bool) {
	pte := p.leaf(page)
	if pte == nil {
		return 0, false
	}
	bits := hostarch.FlagAccessed
	if write {
		bits |= hostarch.FlagDirty
	}
	return pte.orFlags(bits), true
}

// Mapping is a present leaf entry.
type Mapping struct {
	Page  hostarch.Page
	Frame hostarch.Frame
	Flags hostarch.PageFlags
}

// enumerateVisitor is used for ForEachUserMapping.
type enumerateVisitor struct {
	fn func(Mapping) bool
}

func (v *enumerateVisitor) visit(page hostarch.Page, pte *PTE) bool {
	return v.fn(Mapping{Page: page, Frame: pte.Frame(), Flags: pte.Flags()})
}

func (*enumerateVisitor) requiresAlloc() bool { return false }

func (*enumerateVisitor) mayClear() bool { return false }

// userEnd is the first page above the user half.
var userEnd = hostarch.PageFromIndices(hostarch.UserP4Entries, 0, 0, 0)

// ForEachUserMapping calls fn for every present leaf in the user half in
// ascending page order, descending only through present entries. It stops
// when fn returns false.
func (p *PageTables) ForEachUserMapping(fn func(Mapping) bool) {
	p.ForEachMapping(0, userEnd, fn)
}

// ForEachMapping calls fn for every present leaf in [start, end).
func (p *PageTables) ForEachMapping(start, end hostarch.Page, fn func(Mapping) bool) {
	w := Walker[*enumerateVisitor]{
		pageTables: p,
		visitor:    &enumerateVisitor{fn: fn},
	}
	w.iterateRange(start, end)
}

// Release frees every table, including the root. p must not be used
// afterwards. Leaf frames are not touched; the caller owns them.
func (p *PageTables) Release() {
	if p.root == nil {
		return
	}
	p.release(p.root, hostarch.Levels-1)
	p.Allocator.FreePTEs(p.root)
	p.root = nil
}

func (p *PageTables) release(t *PTEs, level int) {
	if level == 0 {
		return
	}
	for i := range t {
		if !t[i].Valid() {
			continue
		}
		next := p.Allocator.LookupPTEs(t[i].Address())
		p.release(next, level-1)
		t[i].Clear()
		p.Allocator.FreePTEs(next)
	}
}

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

package pagetables

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
)

const (
	// addressMask selects the physical address bits of an entry.
	addressMask = 0x000f_ffff_ffff_f000

	// tableFlags are the flags of a non-leaf entry. Intermediate levels
	// grant everything; the leaf decides.
	tableFlags = hostarch.FlagPresent | hostarch.FlagWritable | hostarch.FlagUser
)

// PTE is a page table entry. Entries are read and written atomically so
// that hardware-style accessed/dirty updates can race with inspection.
type PTE struct {
	v atomic.Uint64
}

// PTEs is a collection of entries forming one table at any level.
type PTEs [hostarch.EntriesPerTable]PTE

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return p.v.Load()&uint64(hostarch.FlagPresent) != 0
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	p.v.Store(0)
}

// Flags returns the attribute bits of the entry.
func (p *PTE) Flags() hostarch.PageFlags {
	return hostarch.PageFlags(p.v.Load()) & hostarch.FlagsMask
}

// Address returns the physical address this entry points to.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p.v.Load() & addressMask)
}

// Frame returns the frame this entry points to.
func (p *PTE) Frame() hostarch.Frame {
	return hostarch.FrameContaining(p.Address())
}

// Set sets this PTE to map frame with flags.
//
// Preconditions: flags.HasPresent().
func (p *PTE) Set(frame hostarch.Frame, flags hostarch.PageFlags) {
	if !flags.HasPresent() {
		panic(fmt.Sprintf("mapping %v with non-present flags %#x", frame, uint64(flags)))
	}
	p.v.Store(uint64(frame.Start())&addressMask | uint64(flags&hostarch.FlagsMask))
}

// SetFlags replaces the attribute bits of a valid entry, keeping the address.
func (p *PTE) SetFlags(flags hostarch.PageFlags) {
	for {
		old := p.v.Load()
		next := old&addressMask | uint64(flags&hostarch.FlagsMask)
		if p.v.CompareAndSwap(old, next) {
			return
		}
	}
}

// orFlags sets bits in a valid entry and returns the resulting flags.
func (p *PTE) orFlags(bits hostarch.PageFlags) hostarch.PageFlags {
	for {
		old := p.v.Load()
		next := old | uint64(bits)
		if old == next || p.v.CompareAndSwap(old, next) {
			return hostarch.PageFlags(next) & hostarch.FlagsMask
		}
	}
}

// setPageTable sets this PTE to point at the table at phys.
func (p *PTE) setPageTable(phys hostarch.PhysAddr) {
	p.v.Store(uint64(phys)&addressMask | uint64(tableFlags))
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "empty"
	}
	return fmt.Sprintf("%v %v", p.Address(), p.Flags())
}

// empty returns true if no entry of t is present.
func (t *PTEs) empty() bool {
	for i := range t {
		if t[i].Valid() {
			return false
		}
	}
	return true
}

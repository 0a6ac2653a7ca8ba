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

// Package hostarch describes the addressing model of the virtual memory
// core: virtual and physical addresses, pages, frames and the attribute bits
// attached to a mapping.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page (and of a frame) in bytes.
	PageSize = 1 << PageShift

	// LevelBits is the number of page number bits consumed by each level of
	// the page table.
	LevelBits = 9

	// EntriesPerTable is the number of entries in one page table at any
	// level.
	EntriesPerTable = 1 << LevelBits

	// Levels is the number of page table levels.
	Levels = 4

	// UserTop is the first address above the lower canonical half. User
	// mappings live below it, which restricts them to level-4 indices
	// [0, UserP4Entries).
	UserTop Addr = 0x0000_8000_0000_0000

	// UserP4Entries is the number of level-4 entries covering the user half.
	UserP4Entries = EntriesPerTable / 2

	pageMask = PageSize - 1
)

// Addr is a virtual address.
type Addr uint64

// PhysAddr is a physical address. It is deliberately a distinct type from
// Addr; the two are only related through a page table lookup.
type PhysAddr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ pageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + pageMask).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is a multiple of the page size.
func (v Addr) IsPageAligned() bool {
	return v&pageMask == 0
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & pageMask)
}

// IsUser returns true if v lies in the lower canonical half.
func (v Addr) IsUser() bool {
	return v < UserTop
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#016x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest frame boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ pageMask
}

// IsPageAligned returns true if p is a multiple of the page size.
func (p PhysAddr) IsPageAligned() bool {
	return p&pageMask == 0
}

// PageOffset returns the offset of p into its frame.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & pageMask)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("phys %#x", uint64(p))
}

// RoundDownPages rounds a byte count down to a multiple of PageSize.
func RoundDownPages(n uint64) uint64 {
	return n - n%PageSize
}

// RoundUpPages rounds a byte count up to a multiple of PageSize. ok is false
// if the result does not fit in a uint64.
func RoundUpPages(n uint64) (r uint64, ok bool) {
	r = RoundDownPages(n + pageMask)
	ok = r >= n
	return
}

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

package hostarch

import (
	"fmt"
	"iter"
)

const levelMask = EntriesPerTable - 1

// Page is a virtual page number.
type Page uint64

// PageContaining returns the page that contains addr.
func PageContaining(addr Addr) Page {
	return Page(addr / PageSize)
}

// PageFromIndices rebuilds a page number from its four table indices. Each
// index must be less than EntriesPerTable.
func PageFromIndices(p4, p3, p2, p1 uint64) Page {
	return Page(p4<<(3*LevelBits) | p3<<(2*LevelBits) | p2<<LevelBits | p1)
}

// Start returns the first address of p.
func (p Page) Start() Addr {
	return Addr(p) * PageSize
}

// End returns the first address after p.
func (p Page) End() Addr {
	return p.Next().Start()
}

// P4Index returns the index of p in the level-4 (root) table.
func (p Page) P4Index() uint64 {
	return (uint64(p) >> (3 * LevelBits)) & levelMask
}

// P3Index returns the index of p in its level-3 table.
func (p Page) P3Index() uint64 {
	return (uint64(p) >> (2 * LevelBits)) & levelMask
}

// P2Index returns the index of p in its level-2 table.
func (p Page) P2Index() uint64 {
	return (uint64(p) >> LevelBits) & levelMask
}

// P1Index returns the index of p in its leaf table.
func (p Page) P1Index() uint64 {
	return uint64(p) & levelMask
}

// Indices returns the four table indices of p, root first.
func (p Page) Indices() [Levels]uint64 {
	return [Levels]uint64{p.P4Index(), p.P3Index(), p.P2Index(), p.P1Index()}
}

// Next returns the page after p.
func (p Page) Next() Page {
	return p.NextBy(1)
}

// NextBy returns the page n pages after p.
func (p Page) NextBy(n uint64) Page {
	return p + Page(n)
}

// OffsetFrom returns the number of pages from other to p.
//
// Preconditions: other <= p.
func (p Page) OffsetFrom(other Page) uint64 {
	return uint64(p - other)
}

// String implements fmt.Stringer.String.
func (p Page) String() string {
	return fmt.Sprintf("page %#x", uint64(p))
}

// RangeInclusive returns the pages [start, last]. A range ending at the last
// page cannot be represented and loses that page.
func RangeInclusive(start, last Page) PageRange {
	if last == ^Page(0) {
		return PageRange{Start: start, End: last}
	}
	return PageRange{Start: start, End: last.Next()}
}

// RangeExclusive returns the pages [start, end).
func RangeExclusive(start, end Page) PageRange {
	return PageRange{Start: start, End: end}
}

// PageRange is a half-open range of pages. It is a value; every call to Iter
// or All starts a new pass from Start.
type PageRange struct {
	Start Page
	End   Page
}

// PageSpan returns the count pages starting at base.
func PageSpan(base Page, count uint64) PageRange {
	return PageRange{Start: base, End: base.NextBy(count)}
}

// Len returns the number of pages in r.
func (r PageRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End.OffsetFrom(r.Start)
}

// Contains returns true if p is in r.
func (r PageRange) Contains(p Page) bool {
	return r.Start <= p && p < r.End
}

// Overlaps returns true if r and o share at least one page.
func (r PageRange) Overlaps(o PageRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersect returns the pages in both r and o.
func (r PageRange) Intersect(o PageRange) PageRange {
	if o.Start > r.Start {
		r.Start = o.Start
	}
	if o.End < r.End {
		r.End = o.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Iter returns a fresh iterator over r.
func (r PageRange) Iter() PageIter {
	return PageIter{next: r.Start, end: r.End}
}

// All returns a sequence of the pages in r, in ascending order.
func (r PageRange) All() iter.Seq[Page] {
	return func(yield func(Page) bool) {
		for it := r.Iter(); ; {
			p, ok := it.Next()
			if !ok || !yield(p) {
				return
			}
		}
	}
}

// String implements fmt.Stringer.String.
func (r PageRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start.Start()), uint64(r.End.Start()))
}

// PageIter walks a PageRange one page at a time.
type PageIter struct {
	next Page
	end  Page
}

// Next returns the next page, or false once the range is exhausted.
func (it *PageIter) Next() (Page, bool) {
	if it.next < it.end {
		p := it.next
		it.next = it.next.Next()
		return p, true
	}
	return 0, false
}

// Frame is a physical frame number. There is no conversion between Frame and
// Page.
type Frame uint64

// FrameContaining returns the frame that contains addr.
func FrameContaining(addr PhysAddr) Frame {
	return Frame(addr / PageSize)
}

// Start returns the first physical address of f.
func (f Frame) Start() PhysAddr {
	return PhysAddr(f) * PageSize
}

// Next returns the frame after f.
func (f Frame) Next() Frame {
	return f.NextBy(1)
}

// NextBy returns the frame n frames after f.
func (f Frame) NextBy(n uint64) Frame {
	return f + Frame(n)
}

// OffsetFrom returns the number of frames from other to f.
//
// Preconditions: other <= f.
func (f Frame) OffsetFrom(other Frame) uint64 {
	return uint64(f - other)
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %#x", uint64(f))
}

// FrameRange is a half-open range of frames.
type FrameRange struct {
	Start Frame
	End   Frame
}

// Len returns the number of frames in r.
func (r FrameRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End.OffsetFrom(r.Start)
}

// Contains returns true if f is in r.
func (r FrameRange) Contains(f Frame) bool {
	return r.Start <= f && f < r.End
}

// String implements fmt.Stringer.String.
func (r FrameRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start.Start()), uint64(r.End.Start()))
}

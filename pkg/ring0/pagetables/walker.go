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
	"gvisor.dev/vmcore/pkg/hostarch"
)

// visitor is applied to each leaf entry in a walked range.
type visitor interface {
	// visit is called for a leaf entry. It returns false to stop the walk.
	//
	// If requiresAlloc returns false, visit is only called for valid
	// entries.
	visit(page hostarch.Page, entry *PTE) bool

	// requiresAlloc indicates that missing tables should be allocated.
	requiresAlloc() bool

	// mayClear indicates that visit may clear entries, so emptied tables
	// should be freed.
	mayClear() bool
}

// Walker walks page tables.
type Walker[V visitor] struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the visitor.
	visitor V
}

// levelPages returns the number of pages covered by one entry at level.
// Level 0 is the leaf level.
func levelPages(level int) uint64 {
	return 1 << (hostarch.LevelBits * level)
}

// indexAt returns the index of page in a table at level.
func indexAt(page hostarch.Page, level int) uint64 {
	return (uint64(page) >> (hostarch.LevelBits * level)) & (hostarch.EntriesPerTable - 1)
}

// pageEnd returns the end of the entry containing page at level, clamped to
// end.
func pageEnd(page, end hostarch.Page, size uint64) hostarch.Page {
	next := hostarch.Page((uint64(page) + size) &^ (size - 1))
	if next < page || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all leaf entries in [start, end).
//
// The walk stops early when the visitor returns false or a table cannot be
// allocated; the returned error is non-nil only in the latter case.
func (w *Walker[V]) iterateRange(start, end hostarch.Page) (bool, error) {
	if start >= end {
		return true, nil
	}
	ok, _, err := w.walkTable(w.pageTables.root, hostarch.Levels-1, start, end)
	return ok, err
}

// walkTable walks entries of a table at level covering [start, end). It
// returns whether the walk should continue and the number of entries of
// this table within the range that are clear afterwards.
func (w *Walker[V]) walkTable(entries *PTEs, level int, start, end hostarch.Page) (bool, uint16, error) {
	var clearEntries uint16
	size := levelPages(level)
	for start < end {
		nextBoundary := pageEnd(start, end, size)
		entry := &entries[indexAt(start, level)]

		if level == 0 {
			if !entry.Valid() && !w.visitor.requiresAlloc() {
				clearEntries++
				start = nextBoundary
				continue
			}
			if !w.visitor.visit(start, entry) {
				return false, clearEntries, nil
			}
			if !entry.Valid() {
				clearEntries++
			}
			start = nextBoundary
			continue
		}

		var next *PTEs
		if !entry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				clearEntries++
				start = nextBoundary
				continue
			}
			ptes, err := w.pageTables.Allocator.NewPTEs()
			if err != nil {
				return false, clearEntries, err
			}
			entry.setPageTable(w.pageTables.Allocator.PhysicalFor(ptes))
			next = ptes
		} else {
			next = w.pageTables.Allocator.LookupPTEs(entry.Address())
		}

		ok, clearNext, err := w.walkTable(next, level-1, start, nextBoundary)

		// Check if we no longer need the next table. A full count means
		// the walk covered and cleared every entry; otherwise a clearing
		// visitor, or a failed allocation below, may have left a table
		// empty that was only partly walked.
		if clearNext == hostarch.EntriesPerTable || ((w.visitor.mayClear() || err != nil) && next.empty()) {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(next)
			clearEntries++
		}
		if !ok || err != nil {
			return ok, clearEntries, err
		}

		start = nextBoundary
	}
	return true, clearEntries, nil
}

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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// frameCounter is a FrameSource with a fixed budget.
type frameCounter struct {
	next   hostarch.Frame
	limit  int
	live   map[hostarch.Frame]bool
	frees  int
	failed int
}

func newFrameCounter(limit int) *frameCounter {
	return &frameCounter{next: 0x1000, limit: limit, live: make(map[hostarch.Frame]bool)}
}

var errBudget = errors.New("budget exhausted")

func (c *frameCounter) Allocate() (hostarch.Frame, error) {
	if len(c.live) >= c.limit {
		c.failed++
		return 0, errBudget
	}
	f := c.next
	c.next++
	c.live[f] = true
	return f, nil
}

func (c *frameCounter) Free(f hostarch.Frame) {
	if !c.live[f] {
		panic("free of unallocated frame")
	}
	delete(c.live, f)
	c.frees++
}

func newTestTables(t *testing.T, limit int) (*PageTables, *RuntimeAllocator, *frameCounter) {
	t.Helper()
	src := newFrameCounter(limit)
	a := NewRuntimeAllocator(src)
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pt, a, src
}

type mapping struct {
	page  hostarch.Page
	frame hostarch.Frame
	flags hostarch.PageFlags
}

func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	pt.ForEachUserMapping(func(m Mapping) bool {
		got = append(got, mapping{m.Page, m.Frame, m.Flags})
		return true
	})
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

var (
	ro = hostarch.UserFlags(false, false)
	rw = hostarch.UserFlags(true, false)
)

func TestMapLookup(t *testing.T) {
	pt, a, _ := newTestTables(t, 64)
	page := hostarch.PageFromIndices(1, 2, 3, 4)
	if prev, err := pt.Map(page, 0x42, rw); err != nil || prev {
		t.Fatalf("Map = %t, %v; want false, nil", prev, err)
	}
	// Root plus one table per lower level.
	if got := a.Tables(); got != 4 {
		t.Errorf("Tables() = %d, want 4", got)
	}

	f, flags, ok := pt.Lookup(page)
	if !ok || f != 0x42 || flags != rw {
		t.Errorf("Lookup = %v, %v, %t; want 0x42, %v, true", f, flags, ok, rw)
	}
	if _, _, ok := pt.Lookup(page + 1); ok {
		t.Errorf("Lookup of unmapped neighbour succeeded")
	}

	addr := page.Start() + 0x123
	pa, _, ok := pt.Translate(addr)
	if want := hostarch.Frame(0x42).Start() + 0x123; !ok || pa != want {
		t.Errorf("Translate(%v) = %v, %t; want %v", addr, pa, ok, want)
	}

	if prev, err := pt.Map(page, 0x43, ro); err != nil || !prev {
		t.Errorf("remap = %t, %v; want true, nil", prev, err)
	}
}

func TestForEachUserMappingOrder(t *testing.T) {
	pt, _, _ := newTestTables(t, 64)
	want := []mapping{
		{hostarch.PageFromIndices(0, 0, 0, 1), 0x10, rw},
		{hostarch.PageFromIndices(0, 0, 1, 0), 0x11, ro},
		{hostarch.PageFromIndices(0, 511, 511, 511), 0x12, rw},
		{hostarch.PageFromIndices(255, 0, 0, 0), 0x13, ro},
	}
	for i := len(want) - 1; i >= 0; i-- {
		if _, err := pt.Map(want[i].page, want[i].frame, want[i].flags); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
	}
	// Kernel half entries are not enumerated.
	if _, err := pt.Map(hostarch.PageFromIndices(256, 0, 0, 0), 0x99, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, want)
}

func TestUnmapFreesTables(t *testing.T) {
	pt, a, src := newTestTables(t, 64)
	p1 := hostarch.PageFromIndices(3, 4, 5, 6)
	p2 := p1 + 1
	pt.Map(p1, 0x10, rw)
	pt.Map(p2, 0x11, rw)

	f, flags, ok := pt.Unmap(p1)
	if !ok || f != 0x10 || flags != rw {
		t.Fatalf("Unmap = %v, %v, %t", f, flags, ok)
	}
	if got := a.Tables(); got != 4 {
		t.Errorf("Tables() = %d after partial unmap, want 4", got)
	}
	if _, _, ok := pt.Unmap(p1); ok {
		t.Errorf("second Unmap succeeded")
	}
	pt.Unmap(p2)
	if got := a.Tables(); got != 1 {
		t.Errorf("Tables() = %d after unmapping everything, want 1", got)
	}
	if got := len(src.live); got != 1 {
		t.Errorf("%d frames held, want 1 (root)", got)
	}
	checkMappings(t, pt, nil)
}

func TestProtectKeepsHardwareBits(t *testing.T) {
	pt, _, _ := newTestTables(t, 64)
	page := hostarch.Page(0x400)
	if pt.Protect(page, ro) {
		t.Errorf("Protect of unmapped page succeeded")
	}
	pt.Map(page, 0x10, rw)
	if flags, ok := pt.Touch(page, true); !ok || !flags.HasDirty() || !flags.HasAccessed() {
		t.Fatalf("Touch = %v, %t", flags, ok)
	}
	if !pt.Protect(page, ro) {
		t.Fatalf("Protect failed")
	}
	_, flags, _ := pt.Lookup(page)
	if want := ro | hostarch.FlagAccessed | hostarch.FlagDirty; flags != want {
		t.Errorf("flags = %v, want %v", flags, want)
	}
}

func TestTouch(t *testing.T) {
	pt, _, _ := newTestTables(t, 64)
	page := hostarch.Page(0x400)
	if _, ok := pt.Touch(page, false); ok {
		t.Errorf("Touch of unmapped page succeeded")
	}
	pt.Map(page, 0x10, rw)
	flags, _ := pt.Touch(page, false)
	if !flags.HasAccessed() || flags.HasDirty() {
		t.Errorf("read Touch flags = %v, want accessed only", flags)
	}
	if !hostarch.PolicyEqual(flags, rw) {
		t.Errorf("Touch changed policy bits: %v vs %v", flags, rw)
	}
}

func TestMapOutOfTableMemory(t *testing.T) {
	// Root plus two tables: the third level cannot be allocated.
	pt, a, src := newTestTables(t, 3)
	page := hostarch.PageFromIndices(7, 7, 7, 7)
	_, err := pt.Map(page, 0x10, rw)
	if !errors.Is(err, ErrNoTableMemory) {
		t.Fatalf("Map = %v, want %v", err, ErrNoTableMemory)
	}
	if src.failed != 1 {
		t.Errorf("%d failed allocations, want 1", src.failed)
	}
	// The partially built path is torn down.
	if got := a.Tables(); got != 1 {
		t.Errorf("Tables() = %d after failed Map, want 1", got)
	}
	if _, _, ok := pt.Lookup(page); ok {
		t.Errorf("failed Map left a mapping")
	}
}

func TestRelease(t *testing.T) {
	pt, a, src := newTestTables(t, 64)
	for i := uint64(0); i < 4; i++ {
		pt.Map(hostarch.PageFromIndices(i, i, i, i), hostarch.Frame(0x10+i), rw)
	}
	pt.Release()
	if got := a.Tables(); got != 0 {
		t.Errorf("Tables() = %d after Release, want 0", got)
	}
	if got := len(src.live); got != 0 {
		t.Errorf("%d frames held after Release", got)
	}
}

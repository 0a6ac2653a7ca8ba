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
	"math"
	"math/rand"
	"testing"
)

func sampleAddrs() []uint64 {
	addrs := []uint64{0, 1, PageSize - 1, PageSize, PageSize + 1, EntriesPerTable*PageSize - 1, uint64(UserTop) - 1, math.MaxUint64 - PageSize, math.MaxUint64}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		addrs = append(addrs, r.Uint64())
	}
	return addrs
}

func TestPageContaining(t *testing.T) {
	for _, a := range sampleAddrs() {
		addr := Addr(a)
		p := PageContaining(addr)
		if p.Start() > addr {
			t.Errorf("PageContaining(%v).Start() = %v, want <= addr", addr, p.Start())
		}
		if uint64(addr)-uint64(p.Start()) >= PageSize {
			t.Errorf("PageContaining(%v).Start() = %v, want within one page", addr, p.Start())
		}
		if got := addr.RoundDown(); got != p.Start() {
			t.Errorf("%v.RoundDown() = %v, want %v", addr, got, p.Start())
		}
	}
}

func TestRoundPages(t *testing.T) {
	for _, n := range sampleAddrs() {
		down := RoundDownPages(n)
		if down > n || down%PageSize != 0 {
			t.Errorf("RoundDownPages(%#x) = %#x", n, down)
		}
		if again := RoundDownPages(down); again != down {
			t.Errorf("RoundDownPages is not idempotent: %#x -> %#x -> %#x", n, down, again)
		}
		up, ok := RoundUpPages(n)
		if !ok {
			if n <= math.MaxUint64-PageSize+1 {
				t.Errorf("RoundUpPages(%#x) overflowed unexpectedly", n)
			}
			continue
		}
		if up < n || up%PageSize != 0 || up-n >= PageSize {
			t.Errorf("RoundUpPages(%#x) = %#x", n, up)
		}
	}
}

func TestAddrRoundUp(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{PageSize + 1, 2 * PageSize, true},
		{math.MaxUint64, 0, false},
	} {
		got, ok := tc.addr.RoundUp()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIndicesRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	pages := []Page{0, 1, 511, 512, 1<<18 - 1, 1 << 27, 1<<36 - 1}
	for i := 0; i < 1000; i++ {
		pages = append(pages, Page(r.Uint64()&(1<<36-1)))
	}
	for _, p := range pages {
		idx := p.Indices()
		for level, i := range idx {
			if i >= EntriesPerTable {
				t.Fatalf("%v: level %d index %d out of range", p, 4-level, i)
			}
		}
		if got := PageFromIndices(idx[0], idx[1], idx[2], idx[3]); got != p {
			t.Errorf("PageFromIndices(%v) = %v, want %v", idx, got, p)
		}
	}
}

func TestIndicesMatchAddressShifts(t *testing.T) {
	addr := Addr(0x0000_7f12_3456_7000)
	p := PageContaining(addr)
	want := [Levels]uint64{
		uint64(addr>>39) & 0x1ff,
		uint64(addr>>30) & 0x1ff,
		uint64(addr>>21) & 0x1ff,
		uint64(addr>>12) & 0x1ff,
	}
	if got := p.Indices(); got != want {
		t.Errorf("%v.Indices() = %v, want %v", p, got, want)
	}
	if p.P4Index() >= UserP4Entries {
		t.Errorf("user address %v has P4 index %d, want < %d", addr, p.P4Index(), UserP4Entries)
	}
}

func TestRangeIteration(t *testing.T) {
	for _, k := range []uint64{0, 1, 5, 513} {
		base := Page(10)
		r := RangeExclusive(base, base.NextBy(k))
		if r.Len() != k {
			t.Errorf("Len() = %d, want %d", r.Len(), k)
		}
		// Two passes over the same range must agree.
		for pass := 0; pass < 2; pass++ {
			it := r.Iter()
			var n uint64
			for {
				p, ok := it.Next()
				if !ok {
					break
				}
				if want := base.NextBy(n); p != want {
					t.Fatalf("pass %d: page %d = %v, want %v", pass, n, p, want)
				}
				n++
			}
			if n != k {
				t.Errorf("pass %d: got %d pages, want %d", pass, n, k)
			}
			if _, ok := it.Next(); ok {
				t.Errorf("pass %d: iterator yielded past exhaustion", pass)
			}
		}
	}
}

func TestRangeInclusive(t *testing.T) {
	var got []Page
	for p := range RangeInclusive(3, 5).All() {
		got = append(got, p)
	}
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Errorf("RangeInclusive(3, 5) = %v, want [3 4 5]", got)
	}

	last := ^Page(0)
	r := RangeInclusive(last-1, last)
	if r.Len() != 1 || !r.Contains(last-1) {
		t.Errorf("RangeInclusive(%v, %v) = %v, want the page before the last", last-1, last, r)
	}
}

func TestPageRangeIntersect(t *testing.T) {
	a := PageSpan(10, 5)
	for _, tc := range []struct {
		b    PageRange
		want PageRange
	}{
		{PageSpan(0, 12), RangeExclusive(10, 12)},
		{PageSpan(12, 10), RangeExclusive(12, 15)},
		{PageSpan(11, 2), RangeExclusive(11, 13)},
		{PageSpan(0, 100), a},
		{PageSpan(20, 3), RangeExclusive(20, 20)},
	} {
		got := a.Intersect(tc.b)
		if got != tc.want {
			t.Errorf("%v.Intersect(%v) = %v, want %v", a, tc.b, got, tc.want)
		}
		if got.Len() != tc.b.Intersect(a).Len() {
			t.Errorf("Intersect is not symmetric for %v and %v", a, tc.b)
		}
	}
}

func TestAddrIsUser(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{UserTop - 1, true},
		{UserTop, false},
		{^Addr(0), false},
	} {
		if got := tc.addr.IsUser(); got != tc.want {
			t.Errorf("%v.IsUser() = %t, want %t", tc.addr, got, tc.want)
		}
	}
}

func TestEmptyRange(t *testing.T) {
	r := RangeExclusive(7, 3)
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	it := r.Iter()
	if p, ok := it.Next(); ok {
		t.Errorf("empty range yielded %v", p)
	}
}

func TestPageRangeOverlaps(t *testing.T) {
	a := PageSpan(10, 5)
	for _, tc := range []struct {
		b    PageRange
		want bool
	}{
		{PageSpan(0, 10), false},
		{PageSpan(0, 11), true},
		{PageSpan(14, 1), true},
		{PageSpan(15, 3), false},
		{PageSpan(11, 2), true},
	} {
		if got := a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", a, tc.b, got, tc.want)
		}
	}
}

func TestPolicyEqual(t *testing.T) {
	grant := UserFlags(true, false)
	hw := grant.WithWrite(false) | FlagAccessed | FlagDirty
	if !PolicyEqual(grant, hw) {
		t.Errorf("PolicyEqual(%v, %v) = false, want true", grant, hw)
	}
	if PolicyEqual(grant, hw.WithExecute(true)) {
		t.Errorf("execute bit should not be excluded from policy comparison")
	}
	if PolicyEqual(grant, hw.WithUser(false)) {
		t.Errorf("user bit should not be excluded from policy comparison")
	}
	if PolicyEqual(grant, hw.WithMemoryType(MemoryTypeUncached)) {
		t.Errorf("memory type should not be excluded from policy comparison")
	}
}

func TestMemoryTypeFlags(t *testing.T) {
	for mt := MemoryTypeWriteBack; mt < NumMemoryTypes; mt++ {
		f := UserFlags(true, false).WithMemoryType(mt)
		if got := f.MemoryType(); got != mt {
			t.Errorf("WithMemoryType(%v).MemoryType() = %v", mt, got)
		}
		parsed, err := ParseMemoryType(mt.ShortString())
		if err != nil || parsed != mt {
			t.Errorf("ParseMemoryType(%q) = (%v, %v), want %v", mt.ShortString(), parsed, err, mt)
		}
	}
}

func TestPageFlagsString(t *testing.T) {
	for _, tc := range []struct {
		f    PageFlags
		want string
	}{
		{0, "none"},
		{UserFlags(true, false), "rw-u WB"},
		{UserFlags(false, true) | FlagAccessed, "r-xu WB A"},
		{NewPageFlags().WithMemoryType(MemoryTypeUncached).WithWrite(true), "rw-- UC"},
	} {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

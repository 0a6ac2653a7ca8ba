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


package mm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/hostarch"
)

func privateGrant(base hostarch.Page, count uint64) Grant {
	return Grant{Base: base, Count: count, Flags: rw, Provider: Provider{Kind: ProviderPrivate}}
}

func newTestSet(t *testing.T, gs ...Grant) GrantSet {
	t.Helper()
	s := NewGrantSet()
	for _, g := range gs {
		if err := s.Insert(g); err != nil {
			t.Fatalf("Insert(%v) failed: %v", g, err)
		}
	}
	return s
}

func TestGrantSetInsert(t *testing.T) {
	s := newTestSet(t, privateGrant(10, 5), privateGrant(20, 2))
	for _, tc := range []struct {
		g    Grant
		want error
	}{
		{privateGrant(14, 1), ErrGrantOverlap},
		{privateGrant(5, 6), ErrGrantOverlap},
		{privateGrant(8, 20), ErrGrantOverlap},
		{privateGrant(21, 1), ErrGrantOverlap},
		{privateGrant(15, 0), ErrInvalidRange},
		{privateGrant(^hostarch.Page(0), 2), ErrInvalidRange},
		{privateGrant(15, 5), nil},
		{privateGrant(5, 5), nil},
	} {
		if err := s.Insert(tc.g); !errors.Is(err, tc.want) {
			t.Errorf("Insert(%v) = %v, want %v", tc.g, err, tc.want)
		}
	}
	if got, want := s.Span(), uint64(5+2+5+5); got != want {
		t.Errorf("Span() = %d, want %d", got, want)
	}
	if got, want := s.Len(), 4; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}

func TestGrantSetContains(t *testing.T) {
	s := newTestSet(t, privateGrant(10, 5), privateGrant(20, 2))
	for _, tc := range []struct {
		page hostarch.Page
		base hostarch.Page
		ok   bool
	}{
		{9, 0, false},
		{10, 10, true},
		{14, 10, true},
		{15, 0, false},
		{21, 20, true},
		{22, 0, false},
	} {
		g, ok := s.Contains(tc.page)
		if ok != tc.ok || (ok && g.Base != tc.base) {
			t.Errorf("Contains(%v) = %v, %t, want base %v, %t", tc.page, g, ok, tc.base, tc.ok)
		}
	}
}

func TestGrantSetIsolate(t *testing.T) {
	phys := Grant{Base: 30, Count: 4, Flags: ro, Provider: Provider{Kind: ProviderPhysical, Phys: 0x100000}}
	s := newTestSet(t, privateGrant(10, 10), phys)

	s.Isolate(12, 3)
	s.Isolate(31, 2)
	want := []Grant{
		privateGrant(10, 2),
		privateGrant(12, 3),
		privateGrant(15, 5),
		{Base: 30, Count: 1, Flags: ro, Provider: Provider{Kind: ProviderPhysical, Phys: 0x100000}},
		{Base: 31, Count: 2, Flags: ro, Provider: Provider{Kind: ProviderPhysical, Phys: 0x101000}},
		{Base: 33, Count: 1, Flags: ro, Provider: Provider{Kind: ProviderPhysical, Phys: 0x103000}},
	}
	if diff := cmp.Diff(want, s.All()); diff != "" {
		t.Errorf("grants mismatch (-want +got):\n%s", diff)
	}
	if got, want := s.Span(), uint64(14); got != want {
		t.Errorf("Span() = %d, want %d", got, want)
	}

	// Isolating on existing boundaries changes nothing.
	s.Isolate(10, 10)
	if got := s.Len(); got != len(want) {
		t.Errorf("Len() = %d after no-op Isolate, want %d", got, len(want))
	}
}

func TestGrantSetConflicts(t *testing.T) {
	s := newTestSet(t, privateGrant(10, 5), privateGrant(20, 2), privateGrant(30, 1))
	var got []hostarch.Page
	s.Conflicts(12, 10, func(g Grant) bool {
		got = append(got, g.Base)
		return true
	})
	if diff := cmp.Diff([]hostarch.Page{10, 20}, got); diff != "" {
		t.Errorf("Conflicts mismatch (-want +got):\n%s", diff)
	}
}

func TestGrantSetFindFree(t *testing.T) {
	s := newTestSet(t, privateGrant(10, 5), privateGrant(17, 3), privateGrant(25, 5))
	for _, tc := range []struct {
		from, limit hostarch.Page
		count       uint64
		want        hostarch.Page
		ok          bool
	}{
		{0, 100, 10, 0, true},
		{10, 100, 2, 15, true},
		{10, 100, 3, 20, true},
		{12, 100, 6, 30, true},
		{10, 24, 5, 0, false},
		{10, 25, 5, 20, true},
		{0, 100, 0, 0, false},
		{50, 40, 1, 0, false},
	} {
		got, ok := s.FindFree(tc.from, tc.limit, tc.count)
		if got != tc.want || ok != tc.ok {
			t.Errorf("FindFree(%v, %v, %d) = %v, %t, want %v, %t", tc.from, tc.limit, tc.count, got, ok, tc.want, tc.ok)
		}
	}
}

func TestGrantString(t *testing.T) {
	g := Grant{Base: 0x400, Count: 3, Flags: rw, Provider: Provider{Kind: ProviderCopyOnWrite}}
	want := "virt 0x0000000000400000:0x0000000000402fff size 0x00003000 CopyOnWrite"
	if got := g.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

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
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// btreeDegree is the degree of the grant tree.
const btreeDegree = 8

// GrantSet is the set of non-overlapping grants of an address space, ordered
// by base page.
//
// The zero value is not usable; use NewGrantSet. GrantSet is not
// synchronized.
type GrantSet struct {
	tree *btree.BTreeG[Grant]

	// span is the total number of pages covered.
	span uint64
}

func grantLess(a, b Grant) bool {
	return a.Base < b.Base
}

// NewGrantSet returns an empty set.
func NewGrantSet() GrantSet {
	return GrantSet{tree: btree.NewG[Grant](btreeDegree, grantLess)}
}

// Len returns the number of grants.
func (s *GrantSet) Len() int {
	return s.tree.Len()
}

// Span returns the number of pages covered by s.
func (s *GrantSet) Span() uint64 {
	return s.span
}

// Contains returns the grant whose range contains page.
func (s *GrantSet) Contains(page hostarch.Page) (Grant, bool) {
	var (
		found Grant
		ok    bool
	)
	s.tree.DescendLessOrEqual(Grant{Base: page}, func(g Grant) bool {
		found, ok = g, g.Contains(page)
		return false
	})
	return found, ok
}

// Conflicts calls fn, in ascending order, for every grant that intersects
// [base, base+count). It stops when fn returns false.
func (s *GrantSet) Conflicts(base hostarch.Page, count uint64, fn func(Grant) bool) {
	if count == 0 {
		return
	}
	end := base.NextBy(count)
	if g, ok := s.Contains(base); ok && g.Base < base {
		if !fn(g) {
			return
		}
	}
	s.tree.AscendRange(Grant{Base: base}, Grant{Base: end}, fn)
}

// Insert adds g.
//
// It fails with ErrInvalidRange if g is empty or wraps, and with
// ErrGrantOverlap if any page of g is already granted.
func (s *GrantSet) Insert(g Grant) error {
	if g.Count == 0 || g.End() < g.Base {
		return fmt.Errorf("%w: grant of %d pages at %v", ErrInvalidRange, g.Count, g.Base)
	}
	var conflict *Grant
	s.Conflicts(g.Base, g.Count, func(c Grant) bool {
		conflict = &c
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%w: %v collides with %v", ErrGrantOverlap, g.Range(), conflict.Range())
	}
	s.tree.ReplaceOrInsert(g)
	s.span += g.Count
	return nil
}

// Remove removes the grant starting at base.
func (s *GrantSet) Remove(base hostarch.Page) (Grant, bool) {
	g, ok := s.tree.Delete(Grant{Base: base})
	if ok {
		s.span -= g.Count
	}
	return g, ok
}

// replace swaps an existing grant for g, which must have the same base.
func (s *GrantSet) replace(g Grant) {
	old, ok := s.tree.ReplaceOrInsert(g)
	if !ok {
		panic(fmt.Sprintf("replace of missing grant at %v", g.Base))
	}
	s.span = s.span - old.Count + g.Count
}

// Ascend calls fn for every grant in ascending order until fn returns false.
func (s *GrantSet) Ascend(fn func(Grant) bool) {
	s.tree.Ascend(fn)
}

// All returns every grant in ascending order.
func (s *GrantSet) All() []Grant {
	gs := make([]Grant, 0, s.tree.Len())
	s.tree.Ascend(func(g Grant) bool {
		gs = append(gs, g)
		return true
	})
	return gs
}

// Isolate splits the grants straddling base and base+count so that no grant
// crosses either boundary. Afterwards every grant intersecting the span lies
// entirely inside it.
func (s *GrantSet) Isolate(base hostarch.Page, count uint64) {
	if count == 0 {
		return
	}
	for _, at := range [2]hostarch.Page{base, base.NextBy(count)} {
		g, ok := s.Contains(at)
		if !ok || g.Base == at {
			continue
		}
		lo, hi := g.split(at)
		s.replace(lo)
		s.tree.ReplaceOrInsert(hi)
		s.span += hi.Count
	}
}

// FindFree returns the lowest page p >= from such that [p, p+count) is
// ungranted and lies below limit.
func (s *GrantSet) FindFree(from, limit hostarch.Page, count uint64) (hostarch.Page, bool) {
	if count == 0 || from >= limit || limit.OffsetFrom(from) < count {
		return 0, false
	}
	candidate := from
	if g, ok := s.Contains(from); ok {
		candidate = g.End()
	}
	s.tree.AscendGreaterOrEqual(Grant{Base: candidate}, func(g Grant) bool {
		if g.Base.OffsetFrom(candidate) >= count {
			return false
		}
		candidate = g.End()
		return candidate < limit
	})
	if candidate >= limit || limit.OffsetFrom(candidate) < count {
		return 0, false
	}
	return candidate, true
}

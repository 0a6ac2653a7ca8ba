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

// Package mm provides address spaces: grants, their hardware mappings and
// the copy-on-write machinery that keeps both consistent with the frame
// table.
//
// Lock order:
//
//	AddressSpace.mu (lower id first when two are held)
//	  pagetables.RuntimeAllocator.mu
//	  pgalloc.MemoryFile.mu
package mm

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/frametable"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sync"
)

// checkInvariants enables internal consistency checks that panic on
// failure.
const checkInvariants = true

var (
	// ErrGrantOverlap is returned when a new grant collides with an
	// existing one.
	ErrGrantOverlap = errors.New("grant overlaps an existing grant")

	// ErrNoGrant is returned when an address is not covered by a grant.
	ErrNoGrant = errors.New("no grant covers address")

	// ErrPermission is returned when an access or operation is not
	// permitted by the covering grant.
	ErrPermission = errors.New("permission denied")

	// ErrNotMapped is returned when a granted page has no hardware mapping.
	ErrNotMapped = errors.New("page not mapped")

	// ErrOutOfMemory is returned when frames or tables cannot be allocated.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidRange is returned for empty, misaligned, wrapping or
	// non-user ranges.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidFlags is returned when requested flags are not present or
	// carry hardware managed bits.
	ErrInvalidFlags = errors.New("invalid page flags")

	// ErrFileBacked is returned when a file-backed grant is requested.
	ErrFileBacked = errors.New("file-backed mappings are not supported")

	// ErrRefKindMismatch is frametable.ErrRefKindMismatch, surfaced when a
	// mapping would add the wrong kind of reference to a frame.
	ErrRefKindMismatch = frametable.ErrRefKindMismatch
)

const (
	// mmapBase is where searches for unhinted mappings start.
	mmapBase = hostarch.Page(0x10000)

	// userEnd is the first page above the user half.
	userEnd = hostarch.Page(hostarch.UserTop / hostarch.PageSize)
)

// nextID numbers address spaces for lock ordering and logs.
var nextID atomic.Uint64

// AddressSpace is one set of user mappings: a page table, the grants that
// authorize its entries, and the user count of the tasks sharing it.
type AddressSpace struct {
	// id is unique among address spaces. It is immutable.
	id uint64

	// mf supplies frames. It is immutable.
	mf *pgalloc.MemoryFile

	// frames is the shared frame table. It is immutable.
	frames *frametable.Table

	// logger prefixes messages with the id. It is immutable.
	logger log.Logger

	// users is the number of tasks using the address space. When it drops
	// to zero the address space is torn down.
	users atomic.Int32

	// mu protects the fields below. Mutation requires mu exclusively;
	// inspection requires it for reading.
	mu sync.RWMutex

	// pt is the hardware page table. It is nil after teardown.
	pt *pagetables.PageTables

	// alloc backs pt.
	alloc *pagetables.RuntimeAllocator

	// grants are the grants of the address space.
	grants GrantSet
}

// NewAddressSpace returns an empty address space with one user.
func NewAddressSpace(mf *pgalloc.MemoryFile, frames *frametable.Table) (*AddressSpace, error) {
	alloc := pagetables.NewRuntimeAllocator(mf)
	pt, err := pagetables.New(alloc)
	if err != nil {
		return nil, fmt.Errorf("%w: root page table: %w", ErrOutOfMemory, err)
	}
	as := &AddressSpace{
		id:     nextID.Add(1),
		mf:     mf,
		frames: frames,
		pt:     pt,
		alloc:  alloc,
		grants: NewGrantSet(),
	}
	as.logger = log.Prefixed(log.Log(), fmt.Sprintf("as %d: ", as.id))
	as.users.Store(1)
	as.logger.Debugf("created, root table at %v", pt.RootAddress())
	return as, nil
}

// ID returns a number unique to as.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// Frames returns the frame table that as references.
func (as *AddressSpace) Frames() *frametable.Table {
	return as.frames
}

// Users returns the current user count.
func (as *AddressSpace) Users() int32 {
	return as.users.Load()
}

// IncUsers adds a user, as when a task is created sharing as. It returns
// false if as has already been torn down.
func (as *AddressSpace) IncUsers() bool {
	for {
		users := as.users.Load()
		if users == 0 {
			return false
		}
		if as.users.CompareAndSwap(users, users+1) {
			return true
		}
	}
}

// DecUsers drops a user. The last user tears the address space down:
// every grant is released, every frame reference dropped, and the page
// table freed. Frames whose last reference goes are decommitted before
// they return to the allocator.
func (as *AddressSpace) DecUsers() {
	if users := as.users.Add(-1); users > 0 {
		return
	} else if users < 0 {
		panic(fmt.Sprintf("as %d: invalid users count %d", as.id, users))
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	for _, g := range as.grants.All() {
		as.grants.Remove(g.Base)
	}
	// Every present entry holds a reference, including those left without
	// a grant by ForgetGrant.
	var pages []hostarch.Page
	as.pt.ForEachUserMapping(func(m pagetables.Mapping) bool {
		pages = append(pages, m.Page)
		return true
	})
	var dead []hostarch.Frame
	for _, page := range pages {
		if f, _, ok := as.pt.Unmap(page); ok && as.dropRef(f) {
			dead = append(dead, f)
		}
	}
	as.decommitAndFree(dead)
	as.pt.Release()
	as.pt = nil
	as.logger.Debugf("torn down")
}

// isDeadLocked returns true after teardown.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) isDeadLocked() bool {
	return as.pt == nil
}

// hardwareFlags returns the flags the entry for a page of g backed by f
// must carry. A Cow frame is never hardware writable.
func (as *AddressSpace) hardwareFlags(g Grant, f hostarch.Frame) hostarch.PageFlags {
	flags := g.Flags
	if flags.HasWrite() && as.frames.Tracked(f) && !as.frames.CanMapWritable(f) {
		flags = flags.WithWrite(false)
	}
	return flags
}

// refKind returns the kind of reference a page of g holds on its frame.
func refKind(g Grant) frametable.RefKind {
	if g.Provider.Kind.private() {
		return frametable.RefCow
	}
	return frametable.RefShared
}

// releaseFrame drops one reference to f and frees it when none remain.
// Frames outside the frame table, and reserved frames, are never freed.
//
// An underflow means the tables disagree beyond repair; releasing further
// could double free, so it panics.
func (as *AddressSpace) releaseFrame(f hostarch.Frame) {
	if as.dropRef(f) {
		as.mf.Free(f)
	}
}

// dropRef drops one reference to f and returns true if f must now be freed.
func (as *AddressSpace) dropRef(f hostarch.Frame) bool {
	if !as.frames.Tracked(f) {
		return false
	}
	rc, err := as.frames.DecRef(f)
	if err != nil {
		panic(fmt.Sprintf("as %d: releasing %v: %v", as.id, f, err))
	}
	return rc.State() == frametable.StateZero && !as.mf.IsReserved(f)
}

// decommitAndFree returns the host memory behind dead to the host, one
// contiguous run at a time, then frees the frames. dead is sorted in place.
func (as *AddressSpace) decommitAndFree(dead []hostarch.Frame) {
	slices.Sort(dead)
	for len(dead) > 0 {
		n := 1
		for n < len(dead) && dead[n] == dead[n-1].Next() {
			n++
		}
		r := hostarch.FrameRange{Start: dead[0], End: dead[n-1].Next()}
		if err := as.mf.Decommit(r); err != nil {
			as.logger.Warningf("decommit of %v failed: %v", r, err)
		}
		for _, f := range dead[:n] {
			as.mf.Free(f)
		}
		dead = dead[n:]
	}
}

// unmapPageLocked removes the entry for page and releases its frame.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) unmapPageLocked(page hostarch.Page) {
	if f, _, ok := as.pt.Unmap(page); ok {
		as.releaseFrame(f)
	}
}

// unmapGrantLocked removes the entries for every page of g.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) unmapGrantLocked(g Grant) {
	for page := range g.Range().All() {
		as.unmapPageLocked(page)
	}
}

// lockTwo locks a and b for writing in id order and returns the unlock
// function. a and b may be the same.
func lockTwo(a, b *AddressSpace) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if a.id > b.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// Grants returns a snapshot of the grants in ascending order.
func (as *AddressSpace) Grants() []Grant {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.grants.All()
}

// Translate returns the frame and hardware flags that addr maps to.
func (as *AddressSpace) Translate(addr hostarch.Addr) (hostarch.Frame, hostarch.PageFlags, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.isDeadLocked() {
		return 0, 0, false
	}
	return as.pt.Lookup(hostarch.PageContaining(addr))
}

// TranslatePhys is Translate returning the physical address of addr.
func (as *AddressSpace) TranslatePhys(addr hostarch.Addr) (hostarch.PhysAddr, hostarch.PageFlags, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.isDeadLocked() {
		return 0, 0, false
	}
	return as.pt.Translate(addr)
}

// Usage describes the footprint of an address space.
type Usage struct {
	Grants       int
	GrantedPages uint64
	MappedPages  uint64
	Tables       int
}

// Usage returns the footprint of as.
func (as *AddressSpace) Usage() Usage {
	as.mu.RLock()
	defer as.mu.RUnlock()
	u := Usage{
		Grants:       as.grants.Len(),
		GrantedPages: as.grants.Span(),
		Tables:       as.alloc.Tables(),
	}
	if !as.isDeadLocked() {
		as.pt.ForEachUserMapping(func(pagetables.Mapping) bool {
			u.MappedPages++
			return true
		})
	}
	return u
}

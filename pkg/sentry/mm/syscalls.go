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
	"fmt"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/frametable"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// MapOpts specifies options to MapAnonymous.
type MapOpts struct {
	// Addr is the requested base. If Fixed is false it is a hint and may
	// be zero.
	Addr hostarch.Addr

	// Length is the length in bytes. It is rounded up to a page.
	Length uint64

	// Fixed requires the mapping to be placed at Addr, which must be page
	// aligned.
	Fixed bool

	// Unmap removes existing grants in the way of a Fixed mapping instead
	// of failing with ErrGrantOverlap.
	Unmap bool

	// Shared makes the mapping ProviderShared instead of ProviderPrivate.
	Shared bool

	// File requests a ProviderFile mapping. File-backed paging is not
	// implemented; such requests fail with ErrFileBacked.
	File bool

	// Flags are the permissions. FlagPresent must be set; accessed and
	// dirty must not be. The user bit is always added.
	Flags hostarch.PageFlags
}

// checkFlags validates requested grant flags and returns them normalized.
func checkFlags(flags hostarch.PageFlags) (hostarch.PageFlags, error) {
	if !flags.HasPresent() || flags&^hostarch.FlagsMask != 0 || flags.HasAccessed() || flags.HasDirty() {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidFlags, uint64(flags))
	}
	return flags.WithUser(true), nil
}

// pageSpan converts a byte range to pages.
func pageSpan(addr hostarch.Addr, length uint64) (hostarch.Page, uint64, error) {
	if !addr.IsPageAligned() || !addr.IsUser() || length == 0 {
		return 0, 0, fmt.Errorf("%w: [%v, +%#x)", ErrInvalidRange, addr, length)
	}
	n, ok := hostarch.RoundUpPages(length)
	if !ok {
		return 0, 0, fmt.Errorf("%w: length %#x", ErrInvalidRange, length)
	}
	base := hostarch.PageContaining(addr)
	count := n / hostarch.PageSize
	if userEnd.OffsetFrom(base) < count {
		return 0, 0, fmt.Errorf("%w: [%v, +%#x) leaves the user half", ErrInvalidRange, addr, n)
	}
	return base, count, nil
}

// placeLocked chooses the base of a new grant of count pages.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) placeLocked(addr hostarch.Addr, count uint64, fixed, unmap bool) (hostarch.Page, error) {
	if fixed {
		base, _, err := pageSpan(addr, count*hostarch.PageSize)
		if err != nil {
			return 0, err
		}
		if unmap {
			as.unmapLocked(base, count)
		}
		return base, nil
	}
	hint := max(hostarch.PageContaining(addr), mmapBase)
	if base, ok := as.grants.FindFree(hint, userEnd, count); ok {
		return base, nil
	}
	if base, ok := as.grants.FindFree(mmapBase, userEnd, count); ok {
		return base, nil
	}
	return 0, fmt.Errorf("%w: no room for %d pages", ErrOutOfMemory, count)
}

// MapAnonymous establishes an anonymous grant and backs every page with a
// fresh zeroed frame. It returns the base address.
func (as *AddressSpace) MapAnonymous(opts MapOpts) (hostarch.Addr, error) {
	flags, err := checkFlags(opts.Flags)
	if err != nil {
		return 0, err
	}
	if opts.File {
		return 0, ErrFileBacked
	}
	if opts.Length == 0 {
		return 0, fmt.Errorf("%w: zero length", ErrInvalidRange)
	}
	n, ok := hostarch.RoundUpPages(opts.Length)
	if !ok {
		return 0, fmt.Errorf("%w: length %#x", ErrInvalidRange, opts.Length)
	}
	count := n / hostarch.PageSize

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.isDeadLocked() {
		return 0, fmt.Errorf("%w: address space torn down", ErrInvalidRange)
	}
	base, err := as.placeLocked(opts.Addr, count, opts.Fixed, opts.Unmap)
	if err != nil {
		return 0, err
	}
	kind := ProviderPrivate
	if opts.Shared {
		kind = ProviderShared
	}
	g := Grant{Base: base, Count: count, Flags: flags, Provider: Provider{Kind: kind}}
	if err := as.grants.Insert(g); err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { as.grants.Remove(base) })
	defer cu.Clean()

	for page := range g.Range().All() {
		f, err := as.mf.Allocate()
		if err != nil {
			if errors.Is(err, pgalloc.ErrOutOfMemory) {
				err = fmt.Errorf("%w: %w", ErrOutOfMemory, err)
			}
			return 0, err
		}
		if _, err := as.frames.IncRef(f, refKind(g)); err != nil {
			as.mf.Free(f)
			return 0, err
		}
		if err := as.mapPageLocked(page, f, as.hardwareFlags(g, f)); err != nil {
			as.releaseFrame(f)
			return 0, err
		}
		cu.Add(func() { as.unmapPageLocked(page) })
	}
	cu.Release()
	as.logger.Debugf("mapped %v", g)
	return base.Start(), nil
}

// mapPageLocked installs an entry, translating table allocation failure. A
// page that already holds an entry without a grant (see ForgetGrant) is
// refused with ErrGrantOverlap.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) mapPageLocked(page hostarch.Page, f hostarch.Frame, flags hostarch.PageFlags) error {
	if _, _, ok := as.pt.Lookup(page); ok {
		return fmt.Errorf("%w: %v holds an ungranted mapping", ErrGrantOverlap, page)
	}
	replaced, err := as.pt.Map(page, f, flags)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	if checkInvariants && replaced {
		panic(fmt.Sprintf("as %d: mapping %v replaced a live entry", as.id, page))
	}
	return nil
}

// MapPhysical establishes a grant mapping count pages at base to the
// physical range starting at phys.
//
// Frames inside the frame table may only be mapped if they were reserved at
// start of day; they are referenced as shared. Frames outside it are not
// reference counted.
func (as *AddressSpace) MapPhysical(base hostarch.Addr, phys hostarch.PhysAddr, count uint64, flags hostarch.PageFlags) error {
	flags, err := checkFlags(flags)
	if err != nil {
		return err
	}
	if !phys.IsPageAligned() {
		return fmt.Errorf("%w: physical address %v", ErrInvalidRange, phys)
	}
	if count == 0 || count > (^uint64(0)-uint64(phys))/hostarch.PageSize {
		return fmt.Errorf("%w: %d pages at %v", ErrInvalidRange, count, phys)
	}
	first, _, err := pageSpan(base, count*hostarch.PageSize)
	if err != nil {
		return err
	}
	g := Grant{Base: first, Count: count, Flags: flags, Provider: Provider{Kind: ProviderPhysical, Phys: phys}}
	for page := range g.Range().All() {
		f := g.physFor(page)
		if as.frames.Tracked(f) && !as.mf.IsReserved(f) {
			return fmt.Errorf("%w: %v belongs to the allocator", ErrPermission, f)
		}
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.isDeadLocked() {
		return fmt.Errorf("%w: address space torn down", ErrInvalidRange)
	}
	if err := as.grants.Insert(g); err != nil {
		return err
	}
	cu := cleanup.Make(func() { as.grants.Remove(first) })
	defer cu.Clean()
	for page := range g.Range().All() {
		f := g.physFor(page)
		if as.frames.Tracked(f) {
			if _, err := as.frames.IncRef(f, frametable.RefShared); err != nil {
				return err
			}
		}
		if err := as.mapPageLocked(page, f, g.Flags); err != nil {
			as.releaseFrame(f)
			return err
		}
		cu.Add(func() { as.unmapPageLocked(page) })
	}
	cu.Release()
	as.logger.Debugf("mapped %v", g)
	return nil
}

// MapSharedFrom maps count pages of src starting at srcAddr into as at
// dstAddr. Every source page must lie in a ProviderShared grant; the new
// grants are ProviderShared with the source's flags and reference the same
// frames.
func (as *AddressSpace) MapSharedFrom(src *AddressSpace, srcAddr, dstAddr hostarch.Addr, count uint64) error {
	srcBase, _, err := pageSpan(srcAddr, count*hostarch.PageSize)
	if err != nil {
		return err
	}
	dstBase, _, err := pageSpan(dstAddr, count*hostarch.PageSize)
	if err != nil {
		return err
	}
	if as.frames != src.frames {
		return fmt.Errorf("%w: address spaces use different frame tables", ErrPermission)
	}

	unlock := lockTwo(as, src)
	defer unlock()
	if as.isDeadLocked() || src.isDeadLocked() {
		return fmt.Errorf("%w: address space torn down", ErrInvalidRange)
	}

	// Collect the source pieces; they must cover the whole span.
	var pieces []Grant
	span := hostarch.PageSpan(srcBase, count)
	next := srcBase
	src.grants.Conflicts(srcBase, count, func(g Grant) bool {
		if g.Base > next {
			return false
		}
		r := g.Range().Intersect(span)
		pieces = append(pieces, Grant{Base: r.Start, Count: r.Len(), Flags: g.Flags, Provider: g.Provider})
		next = r.End
		return true
	})
	if next != srcBase.NextBy(count) {
		return fmt.Errorf("%w: %v in source", ErrNoGrant, next.Start())
	}
	for _, p := range pieces {
		if p.Provider.Kind != ProviderShared {
			return fmt.Errorf("%w: source %v is %v, not shared", ErrPermission, p.Range(), p.Provider)
		}
	}

	var inserted, mapped []hostarch.Page
	cu := cleanup.Make(func() {
		for _, b := range inserted {
			as.grants.Remove(b)
		}
		for _, page := range mapped {
			as.unmapPageLocked(page)
		}
	})
	defer cu.Clean()
	for _, p := range pieces {
		g := Grant{
			Base:     dstBase.NextBy(p.Base.OffsetFrom(srcBase)),
			Count:    p.Count,
			Flags:    p.Flags,
			Provider: Provider{Kind: ProviderShared},
		}
		if err := as.grants.Insert(g); err != nil {
			return err
		}
		inserted = append(inserted, g.Base)
		for i := uint64(0); i < g.Count; i++ {
			f, _, ok := src.pt.Lookup(p.Base.NextBy(i))
			if !ok {
				return fmt.Errorf("%w: source %v", ErrNotMapped, p.Base.NextBy(i))
			}
			if _, err := as.frames.IncRef(f, frametable.RefShared); err != nil {
				return err
			}
			if err := as.mapPageLocked(g.Base.NextBy(i), f, g.Flags); err != nil {
				as.releaseFrame(f)
				return err
			}
			mapped = append(mapped, g.Base.NextBy(i))
		}
		as.logger.Debugf("mapped %v from as %d", g, src.id)
	}
	cu.Release()
	return nil
}

// unmapLocked removes every grant and mapping in [base, base+count),
// splitting grants at the boundaries. Entries left without a grant are
// removed too.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) unmapLocked(base hostarch.Page, count uint64) {
	as.grants.Isolate(base, count)
	var victims []Grant
	as.grants.Conflicts(base, count, func(g Grant) bool {
		victims = append(victims, g)
		return true
	})
	for _, g := range victims {
		as.grants.Remove(g.Base)
		as.unmapGrantLocked(g)
		if log.IsLogging(log.Debug) {
			as.logger.Debugf("unmapped %v", g)
		}
	}
	var orphans []hostarch.Page
	as.pt.ForEachMapping(base, base.NextBy(count), func(m pagetables.Mapping) bool {
		orphans = append(orphans, m.Page)
		return true
	})
	for _, page := range orphans {
		as.unmapPageLocked(page)
	}
	if len(orphans) > 0 {
		as.logger.Warningf("unmapped %d ungranted pages in %v", len(orphans), hostarch.PageSpan(base, count))
	}
}

// Unmap removes grants and mappings in [addr, addr+length). Grants
// partially inside the range are split. Unmapping ungranted pages is not an
// error.
func (as *AddressSpace) Unmap(addr hostarch.Addr, length uint64) error {
	base, count, err := pageSpan(addr, length)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.isDeadLocked() {
		return nil
	}
	as.unmapLocked(base, count)
	return nil
}

// Protect changes the permissions of [addr, addr+length), which must be
// fully granted. Pages whose frame is shared copy-on-write stay hardware
// read-only even if write is granted.
func (as *AddressSpace) Protect(addr hostarch.Addr, length uint64, flags hostarch.PageFlags) error {
	flags, err := checkFlags(flags)
	if err != nil {
		return err
	}
	base, count, err := pageSpan(addr, length)
	if err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.isDeadLocked() {
		return fmt.Errorf("%w: address space torn down", ErrNoGrant)
	}
	next := base
	as.grants.Conflicts(base, count, func(g Grant) bool {
		if g.Base > next {
			return false
		}
		next = g.End()
		return true
	})
	if next < base.NextBy(count) {
		return fmt.Errorf("%w: %v", ErrNoGrant, next.Start())
	}

	as.grants.Isolate(base, count)
	var changed []Grant
	as.grants.Conflicts(base, count, func(g Grant) bool {
		changed = append(changed, g)
		return true
	})
	for _, g := range changed {
		g.Flags = flags
		as.grants.replace(g)
		for page := range g.Range().All() {
			f, _, ok := as.pt.Lookup(page)
			if !ok {
				continue
			}
			as.pt.Protect(page, as.hardwareFlags(g, f))
		}
		as.logger.Debugf("protected %v as %v", g.Range(), flags)
	}
	return nil
}

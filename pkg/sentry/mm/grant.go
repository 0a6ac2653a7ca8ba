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

	"gvisor.dev/vmcore/pkg/hostarch"
)

// ProviderKind identifies how a grant is backed.
type ProviderKind uint8

const (
	// ProviderPrivate is anonymous memory private to one address space.
	ProviderPrivate ProviderKind = iota

	// ProviderShared is anonymous memory that every mapper sees writes to.
	ProviderShared

	// ProviderCopyOnWrite is private memory inherited through Fork. Its
	// frames may still be shared copy-on-write with the parent.
	ProviderCopyOnWrite

	// ProviderPhysical maps a fixed physical range, such as a device
	// window. Frames outside the frame table are not reference counted.
	ProviderPhysical

	// ProviderFile is file-backed memory. It exists so that callers can
	// name it; establishing such a grant fails with ErrFileBacked.
	ProviderFile
)

// String implements fmt.Stringer.String.
func (k ProviderKind) String() string {
	switch k {
	case ProviderPrivate:
		return "Private"
	case ProviderShared:
		return "Shared"
	case ProviderCopyOnWrite:
		return "CopyOnWrite"
	case ProviderPhysical:
		return "Physical"
	case ProviderFile:
		return "File"
	default:
		return fmt.Sprintf("ProviderKind(%d)", uint8(k))
	}
}

// private returns true if frames of this kind are referenced with
// frametable.RefCow.
func (k ProviderKind) private() bool {
	return k == ProviderPrivate || k == ProviderCopyOnWrite
}

// Provider describes the backing of a grant.
type Provider struct {
	Kind ProviderKind

	// Phys is the physical address backing the grant's first page. It is
	// only meaningful for ProviderPhysical.
	Phys hostarch.PhysAddr
}

// String implements fmt.Stringer.String.
func (p Provider) String() string {
	if p.Kind == ProviderPhysical {
		return fmt.Sprintf("Physical { base: %#x }", uint64(p.Phys))
	}
	return p.Kind.String()
}

// Grant describes a region of an address space: its span, the permissions
// software intends for it and how it is backed.
type Grant struct {
	// Base is the first page of the grant.
	Base hostarch.Page

	// Count is the number of pages. It is never zero.
	Count uint64

	// Flags are the intended permissions. The hardware entries for the
	// grant's pages agree with Flags outside hostarch.HardwareManagedMask.
	Flags hostarch.PageFlags

	// Provider describes the backing.
	Provider Provider
}

// End returns the first page after g.
func (g Grant) End() hostarch.Page {
	return g.Base.NextBy(g.Count)
}

// Range returns the pages of g.
func (g Grant) Range() hostarch.PageRange {
	return hostarch.PageSpan(g.Base, g.Count)
}

// Contains returns true if page is in g.
func (g Grant) Contains(page hostarch.Page) bool {
	return g.Base <= page && page < g.End()
}

// physFor returns the physical frame backing page in a physical grant.
//
// Preconditions: g.Provider.Kind == ProviderPhysical. g.Contains(page).
func (g Grant) physFor(page hostarch.Page) hostarch.Frame {
	return hostarch.FrameContaining(g.Provider.Phys).NextBy(page.OffsetFrom(g.Base))
}

// split splits g at page, returning the parts below and from page.
//
// Preconditions: g.Base < at < g.End().
func (g Grant) split(at hostarch.Page) (Grant, Grant) {
	if checkInvariants && !(g.Base < at && at < g.End()) {
		panic(fmt.Sprintf("split of %v at %v", g, at))
	}
	lo, hi := g, g
	lo.Count = at.OffsetFrom(g.Base)
	hi.Base = at
	hi.Count = g.Count - lo.Count
	if g.Provider.Kind == ProviderPhysical {
		hi.Provider.Phys += hostarch.PhysAddr(lo.Count * hostarch.PageSize)
	}
	return lo, hi
}

// String implements fmt.Stringer.String in the debugger's format.
func (g Grant) String() string {
	size := g.Count * hostarch.PageSize
	start := uint64(g.Base.Start())
	return fmt.Sprintf("virt 0x%016x:0x%016x size 0x%08x %v", start, start+size-1, size, g.Provider)
}

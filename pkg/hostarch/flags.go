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
	"strings"
)

// Bits of a PageFlags value. They follow the x86-64 page table entry layout
// so that a PageFlags value can be stored in a leaf entry verbatim.
const (
	FlagPresent      PageFlags = 1 << 0
	FlagWritable     PageFlags = 1 << 1
	FlagUser         PageFlags = 1 << 2
	FlagWriteThrough PageFlags = 1 << 3
	FlagCacheDisable PageFlags = 1 << 4
	FlagAccessed     PageFlags = 1 << 5
	FlagDirty        PageFlags = 1 << 6
	FlagGlobal       PageFlags = 1 << 8
	FlagNoExecute    PageFlags = 1 << 63

	// FlagsMask covers every bit that PageFlags may carry.
	FlagsMask = FlagPresent | FlagWritable | FlagUser | FlagWriteThrough |
		FlagCacheDisable | FlagAccessed | FlagDirty | FlagGlobal | FlagNoExecute

	// HardwareManagedMask covers the bits that the processor (or the copy on
	// write machinery acting on its behalf) changes independently of the
	// intent recorded in a grant: accessed, dirty and writable.
	HardwareManagedMask = FlagAccessed | FlagDirty | FlagWritable

	// PolicyMask covers the bits that must agree between a mapping and the
	// grant that authorizes it.
	PolicyMask = FlagsMask &^ HardwareManagedMask

	memoryTypeMask = FlagWriteThrough | FlagCacheDisable
)

// PageFlags is the set of permission and attribute bits attached to a
// mapping.
type PageFlags uint64

// NewPageFlags returns flags for a present, read-only, non-executable,
// supervisor mapping with write-back caching.
func NewPageFlags() PageFlags {
	return FlagPresent | FlagNoExecute
}

// UserFlags returns present user flags with the given permissions.
func UserFlags(write, execute bool) PageFlags {
	return NewPageFlags().WithUser(true).WithWrite(write).WithExecute(execute)
}

func (f PageFlags) with(bit PageFlags, set bool) PageFlags {
	if set {
		return f | bit
	}
	return f &^ bit
}

// WithWrite returns f with write permission set or cleared.
func (f PageFlags) WithWrite(write bool) PageFlags {
	return f.with(FlagWritable, write)
}

// WithExecute returns f with execute permission set or cleared.
func (f PageFlags) WithExecute(execute bool) PageFlags {
	return f.with(FlagNoExecute, !execute)
}

// WithUser returns f with user accessibility set or cleared.
func (f PageFlags) WithUser(user bool) PageFlags {
	return f.with(FlagUser, user)
}

// WithMemoryType returns f with its cacheability class replaced by mt.
func (f PageFlags) WithMemoryType(mt MemoryType) PageFlags {
	return f&^memoryTypeMask | mt.flags()
}

// HasPresent returns true if the present bit is set.
func (f PageFlags) HasPresent() bool { return f&FlagPresent != 0 }

// HasWrite returns true if the mapping is writable.
func (f PageFlags) HasWrite() bool { return f&FlagWritable != 0 }

// HasExecute returns true if the mapping is executable.
func (f PageFlags) HasExecute() bool { return f&FlagNoExecute == 0 }

// HasUser returns true if the mapping is user accessible.
func (f PageFlags) HasUser() bool { return f&FlagUser != 0 }

// HasAccessed returns true if the accessed bit is set.
func (f PageFlags) HasAccessed() bool { return f&FlagAccessed != 0 }

// HasDirty returns true if the dirty bit is set.
func (f PageFlags) HasDirty() bool { return f&FlagDirty != 0 }

// MemoryType returns the cacheability class of f.
func (f PageFlags) MemoryType() MemoryType {
	return memoryTypeOf(f & memoryTypeMask)
}

// Policy returns f without the hardware managed bits.
func (f PageFlags) Policy() PageFlags {
	return f & PolicyMask
}

// PolicyEqual returns true if a and b agree on every bit outside
// HardwareManagedMask.
func PolicyEqual(a, b PageFlags) bool {
	return a.Policy() == b.Policy()
}

// String implements fmt.Stringer.String. The format is "rwxu" with '-' for
// cleared permissions, followed by the memory type and, when set, the
// accessed/dirty/global bits.
func (f PageFlags) String() string {
	if !f.HasPresent() {
		return "none"
	}
	var b strings.Builder
	b.WriteByte('r')
	if f.HasWrite() {
		b.WriteByte('w')
	} else {
		b.WriteByte('-')
	}
	if f.HasExecute() {
		b.WriteByte('x')
	} else {
		b.WriteByte('-')
	}
	if f.HasUser() {
		b.WriteByte('u')
	} else {
		b.WriteByte('-')
	}
	fmt.Fprintf(&b, " %s", f.MemoryType().ShortString())
	if f.HasAccessed() {
		b.WriteString(" A")
	}
	if f.HasDirty() {
		b.WriteString(" D")
	}
	if f&FlagGlobal != 0 {
		b.WriteString(" G")
	}
	return b.String()
}

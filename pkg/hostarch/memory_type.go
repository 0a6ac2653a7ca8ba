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

import "fmt"

// MemoryType specifies CPU memory access behavior.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory. It is appropriate for
	// anonymous memory and must be the zero value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is uncached memory whose writes may be
	// combined, typically used for framebuffers.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is strongly ordered uncached memory, used for device
	// registers.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// flags returns the entry bits that select mt. The encoding uses the default
// PAT layout: PWT alone selects write-combining (PAT entry 1 is programmed as
// WC at start of day) and PWT|PCD selects UC.
func (mt MemoryType) flags() PageFlags {
	switch mt {
	case MemoryTypeWriteCombine:
		return FlagWriteThrough
	case MemoryTypeUncached:
		return FlagWriteThrough | FlagCacheDisable
	default:
		return 0
	}
}

func memoryTypeOf(bits PageFlags) MemoryType {
	switch bits {
	case FlagWriteThrough:
		return MemoryTypeWriteCombine
	case FlagWriteThrough | FlagCacheDisable, FlagCacheDisable:
		return MemoryTypeUncached
	default:
		return MemoryTypeWriteBack
	}
}

// ParseMemoryType parses the String or ShortString form of a MemoryType.
func ParseMemoryType(s string) (MemoryType, error) {
	for mt := MemoryTypeWriteBack; mt < NumMemoryTypes; mt++ {
		if s == mt.String() || s == mt.ShortString() {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

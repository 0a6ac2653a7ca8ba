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

// Package pgalloc contains the physical memory arena and its frame
// allocator.
//
// A MemoryFile stands in for the machine's physical memory: it is a single
// anonymous host mapping, and frame f is backed by the bytes at offset
// (f - Base) * PageSize. Reserved regions (firmware, the kernel image, device
// windows) are marked used at construction and are never handed out.
package pgalloc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sync"
)

// DefaultBase is the first frame of a MemoryFile when MemoryFileOpts.Base is
// unset. It corresponds to physical address 1MiB, leaving low memory to
// firmware.
const DefaultBase = hostarch.Frame(0x100)

// ErrOutOfMemory is returned when no free frame remains.
var ErrOutOfMemory = errors.New("out of physical memory")

// ErrBadFrame is returned when a frame is outside the arena.
var ErrBadFrame = errors.New("frame outside memory file")

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Frames is the number of frames in the arena. It must be non-zero.
	Frames uint64

	// Base is the first frame number. Zero selects DefaultBase.
	Base hostarch.Frame

	// Reserved lists frame ranges that are consumed at start of day. Ranges
	// may extend outside the arena; only the intersecting part is reserved.
	Reserved []hostarch.FrameRange
}

// MemoryFile is the physical memory arena.
//
// MemoryFile is safe for concurrent use.
type MemoryFile struct {
	// mapping is the host mapping backing every frame. It is immutable
	// between NewMemoryFile and Destroy.
	mapping []byte

	// frames is the span of frames covered by mapping.
	frames hostarch.FrameRange

	// mu protects the fields below.
	mu sync.Mutex

	// used has bit i set iff frame frames.Start+i is allocated or reserved.
	used bitmap.Bitmap

	// reserved has bit i set iff frame frames.Start+i was consumed by
	// MemoryFileOpts.Reserved. It is immutable after NewMemoryFile.
	reserved bitmap.Bitmap

	// next is the bitmap index where the next search begins.
	next uint64

	// destroyed is set by Destroy.
	destroyed bool
}

// NewMemoryFile maps a fresh arena and reserves opts.Reserved.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Frames == 0 {
		return nil, fmt.Errorf("MemoryFileOpts.Frames must be non-zero")
	}
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	size := opts.Frames * hostarch.PageSize
	if size/hostarch.PageSize != opts.Frames {
		return nil, fmt.Errorf("%d frames overflows the address space", opts.Frames)
	}
	// The host may use larger pages; round the mapping so that munmap
	// releases everything.
	if hps := uint64(unix.Getpagesize()); hps > hostarch.PageSize {
		size = (size + hps - 1) &^ (hps - 1)
	}
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d byte arena: %w", size, err)
	}

	f := &MemoryFile{
		mapping:  m,
		frames:   hostarch.FrameRange{Start: opts.Base, End: opts.Base.NextBy(opts.Frames)},
		used:     bitmap.New(opts.Frames),
		reserved: bitmap.New(opts.Frames),
	}
	for _, r := range opts.Reserved {
		start, end := max(r.Start, f.frames.Start), min(r.End, f.frames.End)
		if start >= end {
			continue
		}
		i, j := start.OffsetFrom(f.frames.Start), end.OffsetFrom(f.frames.Start)
		f.used.AddRange(i, j)
		f.reserved.AddRange(i, j)
	}
	log.Debugf("pgalloc: arena %v, %d frames, %d reserved", f.frames, opts.Frames, f.reserved.GetNumOnes())
	return f, nil
}

// Destroy releases the host mapping. The MemoryFile must not be used
// afterwards.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if err := unix.Munmap(f.mapping); err != nil {
		log.Warningf("pgalloc: munmap of arena failed: %v", err)
	}
	f.mapping = nil
}

// Frames returns the span of frames covered by f, reserved ones included.
func (f *MemoryFile) Frames() hostarch.FrameRange {
	return f.frames
}

// Allocate returns a zeroed, previously unused frame.
func (f *MemoryFile) Allocate() (hostarch.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.findFreeLocked()
	if err != nil {
		return 0, err
	}
	f.used.Add(i)
	f.next = i + 1
	if f.next == f.used.Size() {
		f.next = 0
	}
	fr := f.frames.Start.NextBy(i)
	clear(f.slice(fr))
	return fr, nil
}

// findFreeLocked returns the index of a clear bit, searching from f.next and
// wrapping once.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) findFreeLocked() (uint64, error) {
	if i, err := f.used.FirstZero(f.next); err == nil {
		return i, nil
	}
	if f.next != 0 {
		if i, err := f.used.FirstZero(0); err == nil {
			return i, nil
		}
	}
	return 0, ErrOutOfMemory
}

// Free returns fr to the allocator.
//
// Preconditions: fr was returned by Allocate and has not been freed since.
// Freeing a free or reserved frame panics.
func (f *MemoryFile) Free(fr hostarch.Frame) {
	if !f.frames.Contains(fr) {
		panic(fmt.Sprintf("pgalloc: Free(%v) outside %v", fr, f.frames))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := fr.OffsetFrom(f.frames.Start)
	if f.reserved.IsSet(i) {
		panic(fmt.Sprintf("pgalloc: Free(%v) of reserved frame", fr))
	}
	if !f.used.IsSet(i) {
		panic(fmt.Sprintf("pgalloc: double free of %v", fr))
	}
	f.used.Remove(i)
}

// IsReserved returns true if fr was reserved at start of day.
func (f *MemoryFile) IsReserved(fr hostarch.Frame) bool {
	return f.frames.Contains(fr) && f.reserved.IsSet(fr.OffsetFrom(f.frames.Start))
}

// IsAllocated returns true if fr is currently allocated or reserved.
func (f *MemoryFile) IsAllocated(fr hostarch.Frame) bool {
	if !f.frames.Contains(fr) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.IsSet(fr.OffsetFrom(f.frames.Start))
}

// slice returns the bytes backing fr.
//
// Preconditions: f.frames.Contains(fr).
func (f *MemoryFile) slice(fr hostarch.Frame) []byte {
	off := fr.OffsetFrom(f.frames.Start) * hostarch.PageSize
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// MapInternal returns the bytes backing fr. The returned slice aliases the
// arena and remains valid until Destroy.
func (f *MemoryFile) MapInternal(fr hostarch.Frame) ([]byte, error) {
	if !f.frames.Contains(fr) {
		return nil, fmt.Errorf("%w: %v not in %v", ErrBadFrame, fr, f.frames)
	}
	return f.slice(fr), nil
}

// Duplicate allocates a new frame holding a copy of src.
func (f *MemoryFile) Duplicate(src hostarch.Frame) (hostarch.Frame, error) {
	if !f.frames.Contains(src) {
		return 0, fmt.Errorf("%w: %v not in %v", ErrBadFrame, src, f.frames)
	}
	dst, err := f.Allocate()
	if err != nil {
		return 0, err
	}
	copy(f.slice(dst), f.slice(src))
	return dst, nil
}

// Decommit releases the host memory backing r. The frames stay allocated
// and read back as zeroes.
func (f *MemoryFile) Decommit(r hostarch.FrameRange) error {
	start, end := max(r.Start, f.frames.Start), min(r.End, f.frames.End)
	if start >= end {
		return nil
	}
	off := start.OffsetFrom(f.frames.Start) * hostarch.PageSize
	n := end.OffsetFrom(start) * hostarch.PageSize
	// MADV_DONTNEED works at host page granularity; anything it cannot
	// release is cleared by hand.
	hps := uint64(unix.Getpagesize())
	alignedStart := (off + hps - 1) &^ (hps - 1)
	alignedEnd := (off + n) &^ (hps - 1)
	if alignedStart < alignedEnd {
		if err := unix.Madvise(f.mapping[alignedStart:alignedEnd], unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("madvise(MADV_DONTNEED) on %v failed: %w", r, err)
		}
		clear(f.mapping[off:alignedStart])
		clear(f.mapping[alignedEnd : off+n])
		return nil
	}
	clear(f.mapping[off : off+n])
	return nil
}

// Usage describes arena occupancy.
type Usage struct {
	Total     uint64
	Reserved  uint64
	Allocated uint64
	Free      uint64
}

// Usage returns a snapshot of arena occupancy. Allocated excludes reserved
// frames.
func (f *MemoryFile) Usage() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	ones := f.used.GetNumOnes()
	reserved := f.reserved.GetNumOnes()
	return Usage{
		Total:     f.used.Size(),
		Reserved:  reserved,
		Allocated: ones - reserved,
		Free:      f.used.Size() - ones,
	}
}

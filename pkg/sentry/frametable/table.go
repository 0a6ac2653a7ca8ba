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

package frametable

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// FrameCopier allocates copies of frames for copy-on-write resolution.
// pgalloc.MemoryFile implements FrameCopier.
type FrameCopier interface {
	// Duplicate allocates a new frame with the contents of src.
	Duplicate(src hostarch.Frame) (hostarch.Frame, error)

	// Free releases a frame returned by Duplicate.
	Free(f hostarch.Frame)
}

// record is the per-frame entry. state holds a packed RefCount.
type record struct {
	state atomic.Uint64
}

// Table maps every frame in a fixed span to its RefCount.
//
// Table is safe for concurrent use. Each operation is atomic with respect to
// a single frame.
type Table struct {
	frames  hostarch.FrameRange
	records []record
}

// New returns a table covering frames, with every frame in state Zero.
func New(frames hostarch.FrameRange) *Table {
	return &Table{
		frames:  frames,
		records: make([]record, frames.Len()),
	}
}

// Frames returns the span covered by t.
func (t *Table) Frames() hostarch.FrameRange {
	return t.frames
}

// Tracked returns true if f is covered by t. Untracked frames (device
// windows, memory outside the arena) are always Zero.
func (t *Table) Tracked(f hostarch.Frame) bool {
	return t.frames.Contains(f)
}

func (t *Table) record(f hostarch.Frame) (*record, bool) {
	if !t.frames.Contains(f) {
		return nil, false
	}
	return &t.records[f.OffsetFrom(t.frames.Start)], true
}

// Lookup returns the state of f. Untracked frames report Zero.
func (t *Table) Lookup(f hostarch.Frame) RefCount {
	r, ok := t.record(f)
	if !ok {
		return RefZero()
	}
	return unpack(r.state.Load())
}

// CanMapWritable returns true if a mapping of f may carry the hardware write
// bit.
func (t *Table) CanMapWritable(f hostarch.Frame) bool {
	return t.Lookup(f).CanMapWritable()
}

// IncRef adds a reference of kind k to f and returns the new state.
//
// Preconditions: t.Tracked(f).
func (t *Table) IncRef(f hostarch.Frame, k RefKind) (RefCount, error) {
	r, ok := t.record(f)
	if !ok {
		panic(fmt.Sprintf("IncRef of untracked %v", f))
	}
	for {
		old := r.state.Load()
		next, err := unpack(old).inc(k)
		if err != nil {
			return unpack(old), fmt.Errorf("%v: %w", f, err)
		}
		if r.state.CompareAndSwap(old, next.pack()) {
			return next, nil
		}
	}
}

// DecRef drops one reference from f and returns the new state. The caller
// must free the frame when the result is Zero.
//
// Preconditions: t.Tracked(f).
func (t *Table) DecRef(f hostarch.Frame) (RefCount, error) {
	r, ok := t.record(f)
	if !ok {
		panic(fmt.Sprintf("DecRef of untracked %v", f))
	}
	for {
		old := r.state.Load()
		next, err := unpack(old).dec()
		if err != nil {
			return unpack(old), fmt.Errorf("%v: %w", f, err)
		}
		if r.state.CompareAndSwap(old, next.pack()) {
			return next, nil
		}
	}
}

// ResolveCopyOnWrite gives the caller, who holds one private reference to f,
// a frame it owns exclusively.
//
// If f is One the caller already owns it: f is returned and copied is false.
// If f is Cow(n), a copy is made and the caller's reference moves from f to
// the copy, which starts at One; copied is true. A concurrent resolver may
// drop f to One while the copy is in flight, in which case the copy is freed
// and f is returned as in the One case. At most one copy is made per call.
//
// Preconditions: t.Tracked(f).
func (t *Table) ResolveCopyOnWrite(f hostarch.Frame, c FrameCopier) (nf hostarch.Frame, copied bool, err error) {
	r, ok := t.record(f)
	if !ok {
		panic(fmt.Sprintf("ResolveCopyOnWrite of untracked %v", f))
	}

	var (
		dup    hostarch.Frame
		hasDup bool
	)
	for {
		old := r.state.Load()
		cur := unpack(old)
		switch cur.state {
		case StateOne:
			if hasDup {
				c.Free(dup)
			}
			return f, false, nil
		case StateCow:
		default:
			if hasDup {
				c.Free(dup)
			}
			return f, false, fmt.Errorf("%v is %v: %w", f, cur, ErrNotCopyOnWrite)
		}

		if !hasDup {
			dup, err = c.Duplicate(f)
			if err != nil {
				return f, false, fmt.Errorf("copying %v: %w", f, err)
			}
			hasDup = true
			// The state may have changed while copying; reevaluate
			// before committing.
			continue
		}

		next, _ := cur.dec()
		if !r.state.CompareAndSwap(old, next.pack()) {
			continue
		}
		nr, ok := t.record(dup)
		if !ok {
			panic(fmt.Sprintf("copy %v of %v is outside the frame table %v", dup, f, t.frames))
		}
		if !nr.state.CompareAndSwap(RefZero().pack(), RefOne().pack()) {
			panic(fmt.Sprintf("freshly allocated %v is %v", dup, unpack(nr.state.Load())))
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("frametable: broke %v (now %v) into %v", f, next, dup)
		}
		return dup, true, nil
	}
}

// Stats summarizes a table.
type Stats struct {
	Zero   uint64
	One    uint64
	Cow    uint64
	Shared uint64

	// Mappings is the sum of every frame's count.
	Mappings uint64
}

// Stats returns a snapshot of per-state frame counts. Frames may change
// state while the snapshot is taken.
func (t *Table) Stats() Stats {
	var s Stats
	for i := range t.records {
		rc := unpack(t.records[i].state.Load())
		switch rc.state {
		case StateZero:
			s.Zero++
		case StateOne:
			s.One++
		case StateCow:
			s.Cow++
		case StateShared:
			s.Shared++
		}
		s.Mappings += rc.count
	}
	return s
}

// ForEachReferenced calls fn for every frame that is not Zero, in ascending
// order.
func (t *Table) ForEachReferenced(fn func(f hostarch.Frame, rc RefCount)) {
	for i := range t.records {
		rc := unpack(t.records[i].state.Load())
		if rc.state != StateZero {
			fn(t.frames.Start.NextBy(uint64(i)), rc)
		}
	}
}

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

// Package frametable tracks ownership of physical frames.
//
// Every frame in the table is in one of four states:
//
//	Zero       no mapping refers to the frame
//	One        exactly one private mapping; the owner may write it
//	Cow(n)     n >= 2 private mappings share the frame copy-on-write
//	Shared(n)  n >= 1 mappings share the frame and all see writes
//
// The number of present hardware mappings of a frame, across all address
// spaces, equals the count of its state. Transitions are per-frame atomic
// compare-and-swap operations; there is no table-wide lock.
package frametable

import (
	"errors"
	"fmt"
)

var (
	// ErrRefKindMismatch is returned when a private reference is added to
	// a Shared frame, or a shared reference to a One or Cow frame.
	ErrRefKindMismatch = errors.New("reference kind does not match frame state")

	// ErrRefUnderflow is returned when a reference is dropped from a Zero
	// frame.
	ErrRefUnderflow = errors.New("reference count underflow")

	// ErrNotCopyOnWrite is returned by ResolveCopyOnWrite for frames that
	// are not privately owned.
	ErrNotCopyOnWrite = errors.New("frame is not copy-on-write")

	// ErrInvalidCount is returned when constructing a state with a count
	// outside its domain.
	ErrInvalidCount = errors.New("invalid reference count")
)

// State identifies the variant of a RefCount.
type State uint8

// Frame states.
const (
	StateZero State = iota
	StateOne
	StateCow
	StateShared
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateZero:
		return "Zero"
	case StateOne:
		return "One"
	case StateCow:
		return "Cow"
	case StateShared:
		return "Shared"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// RefCount is the ownership state of a frame. The zero value is Zero.
//
// A RefCount can only be built by RefZero, RefOne, NewCow and NewShared, so
// Cow(n < 2) and Shared(0) are unrepresentable.
type RefCount struct {
	state State
	count uint64
}

// RefZero returns the Zero state.
func RefZero() RefCount {
	return RefCount{}
}

// RefOne returns the One state.
func RefOne() RefCount {
	return RefCount{state: StateOne, count: 1}
}

// NewCow returns Cow(n).
func NewCow(n uint64) (RefCount, error) {
	if n < 2 || n > maxCount {
		return RefCount{}, fmt.Errorf("%w: Cow(%d)", ErrInvalidCount, n)
	}
	return RefCount{state: StateCow, count: n}, nil
}

// NewShared returns Shared(n).
func NewShared(n uint64) (RefCount, error) {
	if n < 1 || n > maxCount {
		return RefCount{}, fmt.Errorf("%w: Shared(%d)", ErrInvalidCount, n)
	}
	return RefCount{state: StateShared, count: n}, nil
}

// State returns the variant of r.
func (r RefCount) State() State {
	return r.state
}

// Count returns the number of mappings r accounts for.
func (r RefCount) Count() uint64 {
	return r.count
}

// IsCow returns true if r is Cow(n).
func (r RefCount) IsCow() bool {
	return r.state == StateCow
}

// CanMapWritable returns true if a mapping of the frame may have the hardware
// write bit set. Only Cow frames must stay read-only.
func (r RefCount) CanMapWritable() bool {
	return r.state != StateCow
}

// String implements fmt.Stringer.String.
func (r RefCount) String() string {
	switch r.state {
	case StateZero, StateOne:
		return r.state.String()
	default:
		return fmt.Sprintf("%s(%d)", r.state, r.count)
	}
}

// RefKind selects which kind of reference IncRef adds.
type RefKind uint8

const (
	// RefCow is a private reference: the first makes the frame One, later
	// ones make it Cow.
	RefCow RefKind = iota

	// RefShared is a shared reference.
	RefShared
)

// String implements fmt.Stringer.String.
func (k RefKind) String() string {
	if k == RefShared {
		return "shared"
	}
	return "cow"
}

// inc returns the state after adding a reference of kind k.
func (r RefCount) inc(k RefKind) (RefCount, error) {
	switch r.state {
	case StateZero:
		if k == RefShared {
			return RefCount{state: StateShared, count: 1}, nil
		}
		return RefOne(), nil
	case StateOne:
		if k == RefShared {
			return RefCount{state: StateShared, count: 2}, nil
		}
		return RefCount{state: StateCow, count: 2}, nil
	case StateCow:
		if k != RefCow {
			return r, fmt.Errorf("%w: adding %s reference to %v", ErrRefKindMismatch, k, r)
		}
	case StateShared:
		if k != RefShared {
			return r, fmt.Errorf("%w: adding %s reference to %v", ErrRefKindMismatch, k, r)
		}
	}
	if r.count >= maxCount {
		panic(fmt.Sprintf("reference count overflow on %v", r))
	}
	return RefCount{state: r.state, count: r.count + 1}, nil
}

// dec returns the state after dropping one reference.
func (r RefCount) dec() (RefCount, error) {
	switch r.state {
	case StateZero:
		return r, ErrRefUnderflow
	case StateOne:
		return RefZero(), nil
	case StateCow:
		if r.count == 2 {
			return RefOne(), nil
		}
	case StateShared:
		if r.count == 1 {
			return RefZero(), nil
		}
	}
	return RefCount{state: r.state, count: r.count - 1}, nil
}

// Packed representation: state in the top two bits, count below.
const (
	stateShift = 62
	countMask  = uint64(1)<<stateShift - 1
	maxCount   = countMask
)

func (r RefCount) pack() uint64 {
	return uint64(r.state)<<stateShift | r.count
}

func unpack(v uint64) RefCount {
	return RefCount{state: State(v >> stateShift), count: v & countMask}
}

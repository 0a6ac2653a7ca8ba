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

package pgalloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/hostarch"
)

func newTestFile(t *testing.T, opts MemoryFileOpts) *MemoryFile {
	t.Helper()
	mf, err := NewMemoryFile(opts)
	if err != nil {
		t.Fatalf("NewMemoryFile(%+v) failed: %v", opts, err)
	}
	t.Cleanup(mf.Destroy)
	return mf
}

func TestNewMemoryFileRejectsEmpty(t *testing.T) {
	if _, err := NewMemoryFile(MemoryFileOpts{}); err == nil {
		t.Errorf("NewMemoryFile with zero frames succeeded")
	}
}

func TestReservedFramesNeverAllocated(t *testing.T) {
	for _, test := range []struct {
		name     string
		frames   uint64
		reserved []hostarch.FrameRange
		want     []hostarch.Frame
	}{
		{
			name:   "No reservations",
			frames: 3,
			want:   []hostarch.Frame{0x100, 0x101, 0x102},
		},
		{
			name:     "Reservation at start",
			frames:   4,
			reserved: []hostarch.FrameRange{{Start: 0x100, End: 0x102}},
			want:     []hostarch.Frame{0x102, 0x103},
		},
		{
			name:     "Reservation in middle",
			frames:   4,
			reserved: []hostarch.FrameRange{{Start: 0x101, End: 0x102}},
			want:     []hostarch.Frame{0x100, 0x102, 0x103},
		},
		{
			name:   "Reservations clipped to arena",
			frames: 4,
			reserved: []hostarch.FrameRange{
				{Start: 0x0, End: 0x101},
				{Start: 0x103, End: 0x200},
			},
			want: []hostarch.Frame{0x101, 0x102},
		},
		{
			name:   "Overlapping reservations",
			frames: 4,
			reserved: []hostarch.FrameRange{
				{Start: 0x100, End: 0x102},
				{Start: 0x101, End: 0x103},
			},
			want: []hostarch.Frame{0x103},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			mf := newTestFile(t, MemoryFileOpts{Frames: test.frames, Reserved: test.reserved})
			var got []hostarch.Frame
			for {
				fr, err := mf.Allocate()
				if errors.Is(err, ErrOutOfMemory) {
					break
				}
				if err != nil {
					t.Fatalf("Allocate failed: %v", err)
				}
				got = append(got, fr)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("allocated frames mismatch (-want +got):\n%s", diff)
			}
			u := mf.Usage()
			if u.Free != 0 || u.Allocated+u.Reserved != u.Total {
				t.Errorf("Usage() = %+v after exhausting arena", u)
			}
		})
	}
}

func TestFreeReuse(t *testing.T) {
	mf := newTestFile(t, MemoryFileOpts{Frames: 2})
	a, err := mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	b, err := mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := mf.Allocate(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Allocate on full arena: got %v, want %v", err, ErrOutOfMemory)
	}
	mf.Free(a)
	if mf.IsAllocated(a) {
		t.Errorf("%v still allocated after Free", a)
	}
	c, err := mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free failed: %v", err)
	}
	if c != a {
		t.Errorf("Allocate = %v, want freed frame %v", c, a)
	}
	if !mf.IsAllocated(b) {
		t.Errorf("%v not allocated", b)
	}
}

func TestAllocateZeroes(t *testing.T) {
	mf := newTestFile(t, MemoryFileOpts{Frames: 1})
	fr, err := mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	bs, err := mf.MapInternal(fr)
	if err != nil {
		t.Fatalf("MapInternal failed: %v", err)
	}
	for i := range bs {
		bs[i] = 0xaa
	}
	mf.Free(fr)

	fr2, err := mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	bs2, _ := mf.MapInternal(fr2)
	for i, b := range bs2 {
		if b != 0 {
			t.Fatalf("byte %d of reallocated frame = %#x, want 0", i, b)
		}
	}
}

func TestDuplicate(t *testing.T) {
	mf := newTestFile(t, MemoryFileOpts{Frames: 4})
	src, err := mf.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	bs, _ := mf.MapInternal(src)
	copy(bs, "original")

	dst, err := mf.Duplicate(src)
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	if dst == src {
		t.Fatalf("Duplicate returned the source frame")
	}
	got, _ := mf.MapInternal(dst)
	if string(got[:8]) != "original" {
		t.Errorf("duplicate holds %q, want %q", got[:8], "original")
	}
	got[0] = 'X'
	if bs[0] != 'o' {
		t.Errorf("writing the duplicate changed the source")
	}
}

func TestMapInternalOutOfRange(t *testing.T) {
	mf := newTestFile(t, MemoryFileOpts{Frames: 1, Base: 0x10})
	if _, err := mf.MapInternal(0x11); !errors.Is(err, ErrBadFrame) {
		t.Errorf("MapInternal(0x11) = %v, want %v", err, ErrBadFrame)
	}
	if _, err := mf.MapInternal(0x10); err != nil {
		t.Errorf("MapInternal(0x10) failed: %v", err)
	}
}

func TestDecommit(t *testing.T) {
	mf := newTestFile(t, MemoryFileOpts{Frames: 4})
	var frames []hostarch.Frame
	for i := 0; i < 4; i++ {
		fr, err := mf.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		bs, _ := mf.MapInternal(fr)
		bs[0], bs[hostarch.PageSize-1] = 1, 1
		frames = append(frames, fr)
	}
	r := hostarch.FrameRange{Start: frames[1], End: frames[3]}
	if err := mf.Decommit(r); err != nil {
		t.Fatalf("Decommit(%v) failed: %v", r, err)
	}
	for _, fr := range frames {
		bs, _ := mf.MapInternal(fr)
		want := byte(1)
		if r.Contains(fr) {
			want = 0
		}
		if bs[0] != want || bs[hostarch.PageSize-1] != want {
			t.Errorf("%v: got bytes %d/%d, want %d", fr, bs[0], bs[hostarch.PageSize-1], want)
		}
		if !mf.IsAllocated(fr) {
			t.Errorf("%v freed by Decommit", fr)
		}
	}
}

func TestFreePanics(t *testing.T) {
	mf := newTestFile(t, MemoryFileOpts{Frames: 2, Reserved: []hostarch.FrameRange{{Start: 0x100, End: 0x101}}})
	for _, test := range []struct {
		name string
		fr   hostarch.Frame
	}{
		{"reserved", 0x100},
		{"free", 0x101},
		{"outside", 0x500},
	} {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("Free(%v) did not panic", test.fr)
				}
			}()
			mf.Free(test.fr)
		})
	}
}

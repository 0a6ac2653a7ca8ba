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


// Package kernel ties the memory core together: it owns the physical arena
// and the frame table, and tracks the tasks whose address spaces draw from
// them.
//
// Lock order (outermost locks must be taken first):
//
// TaskSet.mu
//
//	Task.mu
//	  mm.AddressSpace.mu
package kernel

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/frametable"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// Frames is the number of frames in the physical arena.
	Frames uint64

	// Base is the first frame of the arena. Zero selects
	// pgalloc.DefaultBase.
	Base hostarch.Frame

	// Reserved are frame ranges consumed at start of day, such as firmware
	// tables or device windows. They are never allocated, but may be
	// mapped with mm.AddressSpace.MapPhysical.
	Reserved []hostarch.FrameRange
}

// Kernel owns the physical memory of the system and the tasks using it. It
// must be initialized by calling Init.
type Kernel struct {
	// All of the following fields are immutable after Init.

	// mf is the physical arena.
	mf *pgalloc.MemoryFile

	// frames is the frame table shared by every address space.
	frames *frametable.Table

	// tasks is the set of tasks.
	tasks *TaskSet
}

// Init initializes the Kernel with no tasks.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.Frames == 0 {
		return fmt.Errorf("Frames is 0")
	}
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{
		Frames:   args.Frames,
		Base:     args.Base,
		Reserved: args.Reserved,
	})
	if err != nil {
		return fmt.Errorf("failed to create memory file: %w", err)
	}
	k.mf = mf
	k.frames = frametable.New(mf.Frames())
	k.tasks = newTaskSet()
	log.Infof("Kernel initialized: frames %v, %d reserved", mf.Frames(), mf.Usage().Reserved)
	return nil
}

// MemoryFile returns the physical arena.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// FrameTable returns the frame table.
func (k *Kernel) FrameTable() *frametable.Table {
	return k.frames
}

// TaskSet returns the set of tasks.
func (k *Kernel) TaskSet() *TaskSet {
	return k.tasks
}

// Destroy exits every task and releases the arena. The Kernel must not be
// used afterwards.
func (k *Kernel) Destroy() {
	if k.mf == nil {
		return
	}
	for _, t := range k.tasks.Tasks() {
		t.Exit("kernel destroyed")
	}
	if u := k.mf.Usage(); u.Allocated != 0 {
		log.Warningf("Kernel destroyed with %d frames still allocated", u.Allocated)
	}
	k.mf.Destroy()
	k.mf = nil
}

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

package pagetables

import (
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sync"
)

// ErrNoTableMemory is returned when a page table cannot be allocated.
var ErrNoTableMemory = errors.New("no memory for page table")

// Allocator is used to allocate and map PTEs.
//
// Non-leaf entries hold physical addresses. An Allocator owns the tables and
// resolves those addresses back to them; no raw pointers are stored in
// entries.
type Allocator interface {
	// NewPTEs returns a new, empty table.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a table.
	PhysicalFor(ptes *PTEs) hostarch.PhysAddr

	// LookupPTEs looks up a table by physical address.
	LookupPTEs(phys hostarch.PhysAddr) *PTEs

	// FreePTEs releases a table.
	FreePTEs(ptes *PTEs)
}

// FrameSource supplies the frames that tables occupy. pgalloc.MemoryFile
// implements FrameSource.
type FrameSource interface {
	Allocate() (hostarch.Frame, error)
	Free(hostarch.Frame)
}

// RuntimeAllocator is an Allocator that charges one frame from a FrameSource
// per table.
//
// RuntimeAllocator is safe for concurrent use.
type RuntimeAllocator struct {
	src FrameSource

	mu     sync.Mutex
	tables map[hostarch.PhysAddr]*PTEs
	phys   map[*PTEs]hostarch.PhysAddr
}

// NewRuntimeAllocator returns an allocator drawing frames from src.
func NewRuntimeAllocator(src FrameSource) *RuntimeAllocator {
	return &RuntimeAllocator{
		src:    src,
		tables: make(map[hostarch.PhysAddr]*PTEs),
		phys:   make(map[*PTEs]hostarch.PhysAddr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	f, err := a.src.Allocate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTableMemory, err)
	}
	ptes := new(PTEs)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables[f.Start()] = ptes
	a.phys[ptes] = f.Start()
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *RuntimeAllocator) PhysicalFor(ptes *PTEs) hostarch.PhysAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.phys[ptes]
	if !ok {
		panic("PhysicalFor of a table not owned by this allocator")
	}
	return p
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *RuntimeAllocator) LookupPTEs(phys hostarch.PhysAddr) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	ptes, ok := a.tables[phys]
	if !ok {
		panic(fmt.Sprintf("no page table at %v", phys))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	p, ok := a.phys[ptes]
	if ok {
		delete(a.phys, ptes)
		delete(a.tables, p)
	}
	a.mu.Unlock()
	if !ok {
		panic("FreePTEs of a table not owned by this allocator")
	}
	a.src.Free(hostarch.FrameContaining(p))
}

// Tables returns the number of live tables.
func (a *RuntimeAllocator) Tables() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tables)
}

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


package kernel

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// newTaskLocked registers a runnable task named name holding as. The caller
// transfers its user reference on as to the task, whether or not
// registration succeeds.
//
// Preconditions: k.tasks.mu must be locked for writing.
func (k *Kernel) newTaskLocked(name string, as *mm.AddressSpace) (*Task, error) {
	t := &Task{k: k, name: name, mm: as}
	if err := k.tasks.assignTIDLocked(t); err != nil {
		as.DecUsers()
		return nil, err
	}
	log.Debugf("Task %v (%s) created with as %d", t.id, name, as.ID())
	return t, nil
}

// NewTask creates a task with a fresh, empty address space.
func (k *Kernel) NewTask(name string) (*Task, error) {
	as, err := mm.NewAddressSpace(k.mf, k.frames)
	if err != nil {
		return nil, fmt.Errorf("creating address space for %q: %w", name, err)
	}
	k.tasks.mu.Lock()
	defer k.tasks.mu.Unlock()
	return k.newTaskLocked(name, as)
}

// CloneVM creates a task sharing parent's address space, as clone(2) with
// CLONE_VM does.
func (k *Kernel) CloneVM(parent *Task, name string) (*Task, error) {
	k.tasks.mu.Lock()
	defer k.tasks.mu.Unlock()
	parent.mu.Lock()
	as := parent.mm
	ok := as != nil && as.IncUsers()
	parent.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: task %v has exited", ErrNoSuchTask, parent.id)
	}
	return k.newTaskLocked(name, as)
}

// ForkTask creates a task with a duplicate of parent's address space, as
// fork(2) does.
func (k *Kernel) ForkTask(parent *Task, name string) (*Task, error) {
	as := parent.MemoryManager()
	if as == nil || !as.IncUsers() {
		return nil, fmt.Errorf("%w: task %v has exited", ErrNoSuchTask, parent.id)
	}
	// The extra user keeps as alive if parent exits while forking.
	defer as.DecUsers()
	child, err := as.Fork()
	if err != nil {
		return nil, fmt.Errorf("forking task %v: %w", parent.id, err)
	}
	k.tasks.mu.Lock()
	defer k.tasks.mu.Unlock()
	return k.newTaskLocked(name, child)
}

// ExitTask exits the task with thread ID tid.
func (k *Kernel) ExitTask(tid ThreadID, reason string) error {
	t := k.tasks.TaskWithID(tid)
	if t == nil {
		return fmt.Errorf("%w: %v", ErrNoSuchTask, tid)
	}
	t.Exit(reason)
	return nil
}

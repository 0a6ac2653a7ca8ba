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
	"gvisor.dev/vmcore/pkg/sync"
)

// TaskStatus is the scheduling state of a task.
type TaskStatus int

const (
	// TaskRunnable tasks may run.
	TaskRunnable TaskStatus = iota

	// TaskBlocked tasks are waiting; the status reason says on what.
	TaskBlocked

	// TaskStopped tasks are suspended, for example under the debugger.
	TaskStopped

	// TaskExited tasks have released their address space and wait to be
	// reaped.
	TaskExited
)

// String implements fmt.Stringer.String.
func (s TaskStatus) String() string {
	switch s {
	case TaskRunnable:
		return "Runnable"
	case TaskBlocked:
		return "Blocked"
	case TaskStopped:
		return "Stopped"
	case TaskExited:
		return "Exited"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// Task is a schedulable entity holding a reference on an address space.
type Task struct {
	// k is the owning Kernel. It is immutable.
	k *Kernel

	// id is the thread ID. It is immutable after registration.
	id ThreadID

	// name is the task's name. It is immutable.
	name string

	// mu protects the fields below.
	mu sync.Mutex

	// status and reason describe the scheduling state.
	status TaskStatus
	reason string

	// mm is the task's address space. The task holds one user reference
	// on it. It is nil after Exit.
	mm *mm.AddressSpace
}

// ID returns t's thread ID.
func (t *Task) ID() ThreadID {
	return t.id
}

// Name returns t's name.
func (t *Task) Name() string {
	return t.name
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// Status returns t's status and the reason for it, which may be empty.
func (t *Task) Status() (TaskStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.reason
}

// SetStatus changes t's status. Exited tasks cannot change status; use
// Exit to exit.
func (t *Task) SetStatus(status TaskStatus, reason string) error {
	if status == TaskExited {
		return fmt.Errorf("task %v: use Exit", t.id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskExited {
		return fmt.Errorf("task %v has exited", t.id)
	}
	t.status, t.reason = status, reason
	return nil
}

// MemoryManager returns t's address space, or nil if t has exited.
func (t *Task) MemoryManager() *mm.AddressSpace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mm
}

// Exit releases t's address space and marks it exited. Exiting an exited
// task is a no-op.
func (t *Task) Exit(reason string) {
	ts := t.k.tasks
	ts.mu.Lock()
	t.mu.Lock()
	if t.status == TaskExited {
		t.mu.Unlock()
		ts.mu.Unlock()
		return
	}
	as := t.mm
	t.mm = nil
	t.status, t.reason = TaskExited, reason
	ts.live--
	t.mu.Unlock()
	ts.mu.Unlock()

	// Teardown runs outside of the task locks.
	if as != nil {
		as.DecUsers()
	}
	log.Debugf("Task %v (%s) exited: %s", t.id, t.name, reason)
}

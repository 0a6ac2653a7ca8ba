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
	"errors"
	"fmt"
	"maps"
	"slices"

	"gvisor.dev/vmcore/pkg/sync"
)

// TasksLimit is the maximum number of live tasks.
const TasksLimit = 1 << 16

// ErrNoSuchTask is returned when a thread ID names no task.
var ErrNoSuchTask = errors.New("no such task")

// ErrTasksLimit is returned when TasksLimit would be exceeded.
var ErrTasksLimit = errors.New("too many tasks")

// ThreadID is a task identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// InitTID is the TID given to the first task.
const InitTID ThreadID = 1

// A TaskSet comprises all tasks in a system.
type TaskSet struct {
	// mu protects the fields below.
	mu sync.RWMutex

	// tasks maps thread IDs to tasks, including exited tasks that have not
	// been reaped.
	tasks map[ThreadID]*Task

	// last is the last thread ID allocated.
	last ThreadID

	// live is the number of tasks that have not exited.
	live int
}

// newTaskSet returns a new, empty TaskSet.
func newTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[ThreadID]*Task)}
}

// TaskWithID returns the task with thread ID tid. If no task has that TID,
// TaskWithID returns nil.
func (ts *TaskSet) TaskWithID(tid ThreadID) *Task {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.tasks[tid]
}

// Tasks returns every task in ascending thread ID order.
func (ts *TaskSet) Tasks() []*Task {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tids := slices.Sorted(maps.Keys(ts.tasks))
	tasks := make([]*Task, 0, len(tids))
	for _, tid := range tids {
		tasks = append(tasks, ts.tasks[tid])
	}
	return tasks
}

// Live returns the number of tasks that have not exited.
func (ts *TaskSet) Live() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.live
}

// assignTIDLocked allocates a thread ID and registers t under it.
//
// Preconditions: ts.mu must be locked for writing.
func (ts *TaskSet) assignTIDLocked(t *Task) error {
	if ts.live >= TasksLimit {
		return ErrTasksLimit
	}
	tid := ts.last + 1
	for {
		if tid <= 0 {
			tid = InitTID
		}
		if _, ok := ts.tasks[tid]; !ok {
			break
		}
		tid++
	}
	ts.last = tid
	t.id = tid
	ts.tasks[tid] = t
	ts.live++
	return nil
}

// Reap removes an exited task from ts. It fails if the task is still live.
func (ts *TaskSet) Reap(tid ThreadID) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tasks[tid]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoSuchTask, tid)
	}
	if status, _ := t.Status(); status != TaskExited {
		return fmt.Errorf("task %v is %v", tid, status)
	}
	delete(ts.tasks, tid)
	return nil
}

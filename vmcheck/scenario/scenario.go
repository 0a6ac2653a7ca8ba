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


// Package scenario describes and runs scripted sequences of memory
// operations against a fresh kernel, then checks what the consistency
// verifier reports against what the scenario expects.
//
// Scenarios are written in TOML or YAML:
//
//	name = "fork"
//	frames = 256
//
//	[[steps]]
//	op = "task"
//	name = "init"
//
//	[[steps]]
//	op = "map"
//	task = "init"
//	addr = 0x10000
//	pages = 5
//	write = true
//
//	[[steps]]
//	op = "fork"
//	task = "init"
//	name = "child"
package scenario

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// Step operations.
const (
	// OpTask creates task Name with an empty address space.
	OpTask = "task"

	// OpMap maps Pages anonymous pages into Task. A non-zero Addr places
	// the mapping there exactly.
	OpMap = "map"

	// OpMapPhysical maps Pages frames starting at physical address Phys
	// at Addr in Task.
	OpMapPhysical = "map-physical"

	// OpMapSharedFrom maps Pages pages of task From's shared mapping at
	// SrcAddr into Task at Addr.
	OpMapSharedFrom = "map-shared-from"

	// OpUnmap unmaps Pages pages at Addr in Task.
	OpUnmap = "unmap"

	// OpProtect changes the permissions of Pages pages at Addr in Task.
	OpProtect = "protect"

	// OpFork creates task Name with a copy-on-write duplicate of Task's
	// address space.
	OpFork = "fork"

	// OpClone creates task Name sharing Task's address space.
	OpClone = "clone"

	// OpWrite writes Data at Addr in Task, faulting as a user write would.
	OpWrite = "write"

	// OpRead reads len(Data) bytes at Addr in Task and fails unless they
	// equal Data.
	OpRead = "read"

	// OpExit exits Task.
	OpExit = "exit"

	// OpCorruptPTE overwrites the hardware flags of the entry at Addr in
	// Task with the step's permissions.
	OpCorruptPTE = "corrupt-pte"

	// OpForgetGrant drops the grant at Addr in Task, leaving its mappings.
	OpForgetGrant = "forget-grant"

	// OpAudit checks Task's address space, or every address space if Task
	// is empty, and writes the report.
	OpAudit = "audit"
)

var ops = []string{
	OpTask, OpMap, OpMapPhysical, OpMapSharedFrom, OpUnmap, OpProtect,
	OpFork, OpClone, OpWrite, OpRead, OpExit, OpCorruptPTE, OpForgetGrant,
	OpAudit,
}

// errByName maps the names used in Step.Error to the errors they match.
var errByName = map[string]error{
	"overlap":       mm.ErrGrantOverlap,
	"no-grant":      mm.ErrNoGrant,
	"permission":    mm.ErrPermission,
	"not-mapped":    mm.ErrNotMapped,
	"out-of-memory": mm.ErrOutOfMemory,
	"invalid-range": mm.ErrInvalidRange,
	"invalid-flags": mm.ErrInvalidFlags,
	"file-backed":   mm.ErrFileBacked,
	"no-such-task":  kernel.ErrNoSuchTask,
	"data-mismatch": ErrDataMismatch,
}

// ErrDataMismatch is returned by a read step that reads unexpected data.
var ErrDataMismatch = errors.New("data mismatch")

// kindName returns the name of k used in Expect.Divergences.
func kindName(k mm.DivergenceKind) string {
	return strings.ReplaceAll(k.String(), " ", "-")
}

// kinds are all divergence kinds.
var kinds = []mm.DivergenceKind{
	mm.MissingGrant,
	mm.FlagMismatch,
	mm.PermissionEscalation,
	mm.RefCountMismatch,
	mm.UnmappedGrantPage,
}

// Range is a half-open range of frame numbers.
type Range struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Step is one operation of a scenario. Which fields are used depends on Op.
type Step struct {
	Op   string `toml:"op" yaml:"op"`
	Task string `toml:"task,omitempty" yaml:"task,omitempty"`

	// Name is the task created by task, fork and clone steps.
	Name string `toml:"name,omitempty" yaml:"name,omitempty"`

	// From is the source task of a map-shared-from step.
	From string `toml:"from,omitempty" yaml:"from,omitempty"`

	Addr    uint64 `toml:"addr,omitempty" yaml:"addr,omitempty"`
	SrcAddr uint64 `toml:"src_addr,omitempty" yaml:"src_addr,omitempty"`
	Phys    uint64 `toml:"phys,omitempty" yaml:"phys,omitempty"`
	Pages   uint64 `toml:"pages,omitempty" yaml:"pages,omitempty"`

	Write  bool `toml:"write,omitempty" yaml:"write,omitempty"`
	Exec   bool `toml:"exec,omitempty" yaml:"exec,omitempty"`
	Shared bool `toml:"shared,omitempty" yaml:"shared,omitempty"`

	// Data is written by write steps and compared by read steps.
	Data string `toml:"data,omitempty" yaml:"data,omitempty"`

	// Error names the error the step must fail with, e.g. "permission".
	// Empty means the step must succeed.
	Error string `toml:"error,omitempty" yaml:"error,omitempty"`
}

func (st *Step) flags() hostarch.PageFlags {
	return hostarch.UserFlags(st.Write, st.Exec)
}

func (st *Step) length() uint64 {
	return st.Pages * hostarch.PageSize
}

// Expect is what the final audit of a scenario must find.
type Expect struct {
	// Divergences maps divergence kind names, e.g. "missing-grant", to
	// their expected number. Absent kinds must not occur.
	Divergences map[string]int `toml:"divergences,omitempty" yaml:"divergences,omitempty"`

	// Violation is true if the scenario must trip a writable copy-on-write
	// violation.
	Violation bool `toml:"violation,omitempty" yaml:"violation,omitempty"`
}

// Scenario is a scripted sequence of memory operations.
type Scenario struct {
	Name        string `toml:"name" yaml:"name"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty"`

	// Frames is the arena size in frames. Zero uses the runner's default.
	Frames uint64 `toml:"frames,omitempty" yaml:"frames,omitempty"`

	// Reserved are frame ranges reserved at start of day.
	Reserved []Range `toml:"reserved,omitempty" yaml:"reserved,omitempty"`

	Steps  []Step `toml:"steps" yaml:"steps"`
	Expect Expect `toml:"expect,omitempty" yaml:"expect,omitempty"`
}

// needsTask are the ops that act on an existing task.
var needsTask = []string{
	OpMap, OpMapPhysical, OpMapSharedFrom, OpUnmap, OpProtect, OpFork,
	OpClone, OpWrite, OpRead, OpExit, OpCorruptPTE, OpForgetGrant,
}

// Validate checks s for errors that do not depend on running it.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	for _, r := range s.Reserved {
		if r.End <= r.Start {
			return fmt.Errorf("reserved range [%#x, %#x) is empty", r.Start, r.End)
		}
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	for name := range s.Expect.Divergences {
		if !slices.ContainsFunc(kinds, func(k mm.DivergenceKind) bool { return kindName(k) == name }) {
			return fmt.Errorf("unknown divergence kind %q", name)
		}
	}
	return nil
}

func (st *Step) validate() error {
	if !slices.Contains(ops, st.Op) {
		return fmt.Errorf("unknown op %q", st.Op)
	}
	if st.Task == "" && slices.Contains(needsTask, st.Op) {
		return fmt.Errorf("%s: task is required", st.Op)
	}
	switch st.Op {
	case OpTask, OpFork, OpClone:
		if st.Name == "" {
			return fmt.Errorf("%s: name is required", st.Op)
		}
	case OpMap, OpMapPhysical, OpMapSharedFrom, OpUnmap, OpProtect:
		if st.Pages == 0 {
			return fmt.Errorf("%s: pages is required", st.Op)
		}
	case OpWrite, OpRead:
		if st.Data == "" {
			return fmt.Errorf("%s: data is required", st.Op)
		}
	}
	if st.Op == OpMapSharedFrom && st.From == "" {
		return fmt.Errorf("%s: from is required", st.Op)
	}
	if _, ok := errByName[st.Error]; st.Error != "" && !ok {
		return fmt.Errorf("unknown error %q", st.Error)
	}
	return nil
}

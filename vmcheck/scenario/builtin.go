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


package scenario

import (
	"maps"
	"slices"

	"github.com/mohae/deepcopy"
)

// builtins are the scenarios compiled into vmcheck, by name.
var builtins = map[string]*Scenario{
	"consistent": {
		Name:        "consistent",
		Description: "A task maps and writes five private pages. The audit is clean.",
		Steps: []Step{
			{Op: OpTask, Name: "init"},
			{Op: OpMap, Task: "init", Addr: 0x10000, Pages: 5, Write: true},
			{Op: OpWrite, Task: "init", Addr: 0x10000, Data: "hello"},
			{Op: OpAudit, Task: "init"},
		},
	},
	"fork": {
		Name:        "fork",
		Description: "A task forks. Both copies share the frames copy-on-write until the child writes.",
		Steps: []Step{
			{Op: OpTask, Name: "init"},
			{Op: OpMap, Task: "init", Addr: 0x10000, Pages: 5, Write: true},
			{Op: OpWrite, Task: "init", Addr: 0x10000, Data: "hello"},
			{Op: OpFork, Task: "init", Name: "child"},
			{Op: OpAudit},
			{Op: OpRead, Task: "child", Addr: 0x10000, Data: "hello"},
			{Op: OpWrite, Task: "child", Addr: 0x10000, Data: "world"},
			{Op: OpRead, Task: "init", Addr: 0x10000, Data: "hello"},
			{Op: OpAudit},
		},
	},
	"writable-cow": {
		Name:        "writable-cow",
		Description: "A copy-on-write entry is made writable behind the kernel's back. The audit stops on the violation.",
		Steps: []Step{
			{Op: OpTask, Name: "init"},
			{Op: OpMap, Task: "init", Addr: 0x10000, Pages: 5, Write: true},
			{Op: OpFork, Task: "init", Name: "child"},
			{Op: OpCorruptPTE, Task: "init", Addr: 0x12000, Write: true},
		},
		Expect: Expect{Violation: true},
	},
	"missing-grant": {
		Name:        "missing-grant",
		Description: "A grant is dropped while its pages stay mapped. Every page is reported.",
		Steps: []Step{
			{Op: OpTask, Name: "init"},
			{Op: OpMap, Task: "init", Addr: 0x10000, Pages: 5, Write: true},
			{Op: OpForgetGrant, Task: "init", Addr: 0x10000},
			{Op: OpAudit, Task: "init"},
		},
		Expect: Expect{Divergences: map[string]int{"missing-grant": 5}},
	},
	"shared": {
		Name:        "shared",
		Description: "Two tasks share memory and a third shares an address space. Writes are visible to all of them.",
		Steps: []Step{
			{Op: OpTask, Name: "server"},
			{Op: OpMap, Task: "server", Addr: 0x10000, Pages: 2, Write: true, Shared: true},
			{Op: OpTask, Name: "client"},
			{Op: OpMapSharedFrom, Task: "client", From: "server", SrcAddr: 0x10000, Addr: 0x40000, Pages: 2},
			{Op: OpWrite, Task: "client", Addr: 0x41000, Data: "ping"},
			{Op: OpRead, Task: "server", Addr: 0x11000, Data: "ping"},
			{Op: OpClone, Task: "server", Name: "worker"},
			{Op: OpFork, Task: "client", Name: "child"},
			{Op: OpExit, Task: "client"},
			{Op: OpRead, Task: "child", Addr: 0x41000, Data: "ping"},
			{Op: OpAudit},
		},
	},
	"physical": {
		Name:        "physical",
		Description: "Reserved frames are mapped directly. Protecting and unmapping part of the grant splits it.",
		Reserved:    []Range{{Start: 0x100, End: 0x104}},
		Steps: []Step{
			{Op: OpTask, Name: "init"},
			{Op: OpMapPhysical, Task: "init", Addr: 0x30000, Phys: 0x100000, Pages: 4, Write: true},
			{Op: OpProtect, Task: "init", Addr: 0x31000, Pages: 1},
			{Op: OpWrite, Task: "init", Addr: 0x31000, Data: "ro", Error: "permission"},
			{Op: OpUnmap, Task: "init", Addr: 0x33000, Pages: 1},
			{Op: OpMap, Task: "init", Addr: 0x30000, Pages: 1, Error: "overlap"},
			{Op: OpAudit, Task: "init"},
		},
	},
}

// Names returns the names of the built-in scenarios in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(builtins))
}

// Builtin returns a copy of the built-in scenario with the given name.
func Builtin(name string) (*Scenario, bool) {
	s, ok := builtins[name]
	if !ok {
		return nil, false
	}
	return deepcopy.Copy(s).(*Scenario), true
}

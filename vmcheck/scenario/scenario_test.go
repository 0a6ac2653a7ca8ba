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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

const testFrames = 256

func TestBuiltins(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			s, ok := Builtin(name)
			if !ok {
				t.Fatalf("Builtin(%q) not found", name)
			}
			var out bytes.Buffer
			res, err := Run(context.Background(), s, RunOpts{Frames: testFrames, Out: &out})
			if err != nil {
				t.Fatalf("Run failed: %v\n%s", err, out.String())
			}
			if err := res.Check(s); err != nil {
				t.Errorf("Check failed: %v\n%s", err, out.String())
			}
			if res.Violation == nil && res.Metrics == nil {
				t.Errorf("no metrics snapshot")
			}
		})
	}
}

func TestWritableCOWScenario(t *testing.T) {
	s, _ := Builtin("writable-cow")
	var out bytes.Buffer
	res, err := Run(context.Background(), s, RunOpts{Frames: testFrames, Out: &out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Violation == nil {
		t.Fatalf("no violation found:\n%s", out.String())
	}
	if want := hostarch.PageContaining(0x12000); res.Violation.Page != want {
		t.Errorf("violation at %v, want %v", res.Violation.Page, want)
	}
	if res.Report != nil {
		t.Errorf("Report = %v, want nil after a violation", res.Report)
	}
	if !strings.Contains(out.String(), "FATAL: ") {
		t.Errorf("output lacks FATAL line:\n%s", out.String())
	}
}

func TestMissingGrantScenario(t *testing.T) {
	s, _ := Builtin("missing-grant")
	var out bytes.Buffer
	res, err := Run(context.Background(), s, RunOpts{Frames: testFrames, Out: &out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := res.Report.Count(mm.MissingGrant); got != 5 {
		t.Errorf("Count(MissingGrant) = %d, want 5", got)
	}
	if got := strings.Count(out.String(), "LACKING GRANT"); got < 5 {
		t.Errorf("output has %d LACKING GRANT lines, want at least 5:\n%s", got, out.String())
	}
	s.Expect.Divergences = nil
	if err := res.Check(s); err == nil {
		t.Errorf("Check passed with no divergences expected")
	}
}

func TestBuiltinIsCopy(t *testing.T) {
	s, _ := Builtin("fork")
	s.Steps[0].Name = "changed"
	s.Steps = s.Steps[:1]
	again, _ := Builtin("fork")
	if again.Steps[0].Name != "init" || len(again.Steps) == 1 {
		t.Errorf("Builtin returned a shared scenario: %+v", again)
	}
	if _, ok := Builtin("no-such-scenario"); ok {
		t.Errorf("Builtin(no-such-scenario) found")
	}
}

const tomlScenario = `
name = "fork"
frames = 64
reserved = [{ start = 0x100, end = 0x102 }]

[[steps]]
op = "task"
name = "init"

[[steps]]
op = "map"
task = "init"
addr = 0x10000
pages = 2
write = true

[[steps]]
op = "fork"
task = "init"
name = "child"

[expect.divergences]
missing-grant = 1
`

const yamlScenario = `
name: fork
frames: 64
reserved:
  - start: 0x100
    end: 0x102
steps:
  - op: task
    name: init
  - op: map
    task: init
    addr: 0x10000
    pages: 2
    write: true
  - op: fork
    task: init
    name: child
expect:
  divergences:
    missing-grant: 1
`

func TestParse(t *testing.T) {
	want := &Scenario{
		Name:     "fork",
		Frames:   64,
		Reserved: []Range{{Start: 0x100, End: 0x102}},
		Steps: []Step{
			{Op: OpTask, Name: "init"},
			{Op: OpMap, Task: "init", Addr: 0x10000, Pages: 2, Write: true},
			{Op: OpFork, Task: "init", Name: "child"},
		},
		Expect: Expect{Divergences: map[string]int{"missing-grant": 1}},
	}
	for _, tc := range []struct {
		format Format
		data   string
	}{
		{FormatTOML, tomlScenario},
		{FormatYAML, yamlScenario},
	} {
		t.Run(string(tc.format), func(t *testing.T) {
			got, err := Parse([]byte(tc.data), tc.format)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Parse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format Format
		data   string
		want   string
	}{
		{
			name:   "unknown toml key",
			format: FormatTOML,
			data:   "name = \"x\"\ncolor = \"red\"\n",
			want:   "unknown keys",
		},
		{
			name:   "unknown yaml key",
			format: FormatYAML,
			data:   "name: x\ncolor: red\n",
			want:   "color",
		},
		{
			name:   "no name",
			format: FormatYAML,
			data:   "steps: []\n",
			want:   "no name",
		},
		{
			name:   "unknown op",
			format: FormatYAML,
			data:   "name: x\nsteps:\n  - op: reboot\n",
			want:   `unknown op "reboot"`,
		},
		{
			name:   "missing task",
			format: FormatYAML,
			data:   "name: x\nsteps:\n  - op: map\n    pages: 1\n",
			want:   "task is required",
		},
		{
			name:   "missing pages",
			format: FormatYAML,
			data:   "name: x\nsteps:\n  - op: unmap\n    task: a\n",
			want:   "pages is required",
		},
		{
			name:   "unknown error",
			format: FormatYAML,
			data:   "name: x\nsteps:\n  - op: task\n    name: a\n    error: boom\n",
			want:   `unknown error "boom"`,
		},
		{
			name:   "unknown divergence",
			format: FormatYAML,
			data:   "name: x\nexpect:\n  divergences:\n    bad-luck: 1\n",
			want:   `unknown divergence kind "bad-luck"`,
		},
		{
			name:   "empty reserved range",
			format: FormatTOML,
			data:   "name = \"x\"\nreserved = [{ start = 4, end = 4 }]\n",
			want:   "is empty",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data), tc.format)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatTOML, FormatYAML} {
		for _, name := range Names() {
			t.Run(string(format)+"/"+name, func(t *testing.T) {
				s, _ := Builtin(name)
				var buf bytes.Buffer
				if err := Encode(&buf, s, format); err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				got, err := Parse(buf.Bytes(), format)
				if err != nil {
					t.Fatalf("Parse failed: %v\n%s", err, buf.String())
				}
				if diff := cmp.Diff(s, got); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]Format{
		"a.toml":     FormatTOML,
		"dir/b.yaml": FormatYAML,
		"C.YML":      FormatYAML,
	} {
		if got, err := FormatOf(path); err != nil || got != want {
			t.Errorf("FormatOf(%q) = %q, %v, want %q", path, got, err, want)
		}
	}
	if _, err := FormatOf("scenario.json"); err == nil {
		t.Errorf("FormatOf(scenario.json) succeeded")
	}
}

func TestRunStepErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		steps []Step
		want  string
	}{
		{
			name: "unexpected error",
			steps: []Step{
				{Op: OpTask, Name: "a"},
				{Op: OpWrite, Task: "a", Addr: 0x10000, Data: "x"},
			},
			want: mm.ErrNoGrant.Error(),
		},
		{
			name: "missing error",
			steps: []Step{
				{Op: OpTask, Name: "a"},
				{Op: OpMap, Task: "a", Addr: 0x10000, Pages: 1, Error: "overlap"},
			},
			want: `want error "overlap"`,
		},
		{
			name: "wrong error",
			steps: []Step{
				{Op: OpTask, Name: "a"},
				{Op: OpMap, Task: "a", Addr: 0x10000, Pages: 1},
				{Op: OpRead, Task: "a", Addr: 0x10000, Data: "x", Error: "permission"},
			},
			want: ErrDataMismatch.Error(),
		},
		{
			name: "unknown task",
			steps: []Step{
				{Op: OpMap, Task: "ghost", Pages: 1},
			},
			want: `unknown task "ghost"`,
		},
		{
			name: "duplicate task",
			steps: []Step{
				{Op: OpTask, Name: "a"},
				{Op: OpTask, Name: "a"},
			},
			want: `task "a" already exists`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := &Scenario{Name: tc.name, Steps: tc.steps}
			_, err := Run(context.Background(), s, RunOpts{Frames: testFrames})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Run() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestRunExpectedErrors(t *testing.T) {
	s := &Scenario{
		Name: "errors",
		Steps: []Step{
			{Op: OpTask, Name: "a"},
			{Op: OpMap, Task: "a", Addr: 0x10000, Pages: 1},
			{Op: OpWrite, Task: "a", Addr: 0x10000, Data: "x", Error: "permission"},
			{Op: OpRead, Task: "a", Addr: 0x10000, Data: "x", Error: "data-mismatch"},
			{Op: OpMap, Task: "a", Addr: 0x20000, Pages: testFrames * 2, Write: true, Error: "out-of-memory"},
			{Op: OpMapSharedFrom, Task: "a", From: "a", SrcAddr: 0x10000, Addr: 0x30000, Pages: 1, Error: "permission"},
			{Op: OpExit, Task: "a"},
			{Op: OpMap, Task: "a", Pages: 1, Error: "no-such-task"},
			{Op: OpAudit},
		},
	}
	res, err := Run(context.Background(), s, RunOpts{Frames: testFrames})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Steps != len(s.Steps) {
		t.Errorf("Steps = %d, want %d", res.Steps, len(s.Steps))
	}
	if err := res.Check(s); err != nil {
		t.Errorf("Check failed: %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	s, _ := Builtin("consistent")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, s, RunOpts{Frames: testFrames}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want %v", err, context.Canceled)
	}
}

func TestRunRejectsInvalid(t *testing.T) {
	if _, err := Run(context.Background(), &Scenario{}, RunOpts{Frames: testFrames}); err == nil {
		t.Errorf("Run of an unnamed scenario succeeded")
	}
	s, _ := Builtin("consistent")
	if _, err := Run(context.Background(), s, RunOpts{}); err == nil {
		t.Errorf("Run with no frames succeeded")
	}
}

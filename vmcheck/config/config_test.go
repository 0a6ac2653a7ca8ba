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


package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/vmcheck/flag"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	for name, val := range map[string]string{
		"debug":         "true",
		"memory-frames": "64",
		"reserved":      "0x10-0x14, 32-40",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set %q: %v", name, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := uint64(64); c.MemoryFrames != want {
		t.Errorf("MemoryFrames=%v, want: %v", c.MemoryFrames, want)
	}
	want := FrameRanges{{Start: 0x10, End: 0x14}, {Start: 32, End: 40}}
	if diff := cmp.Diff(want, c.Reserved); diff != "" {
		t.Errorf("Reserved mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("debug", "true")
	testFlags.Set("log-format", "text") // Matches default value.
	testFlags.Set("memory-frames", "2048")
	testFlags.Set("reserved", "0x100-0x104")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	if len(flags) != 3 {
		t.Errorf("wrong number of flags set, want: 3, got: %d: %s", len(flags), flags)
	}
	t.Logf("Flags: %s", flags)
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.Split(f, "=")
		fm[kv[0]] = kv[1]
	}
	for name, want := range map[string]string{
		"--debug":         "true",
		"--memory-frames": "2048",
		"--reserved":      "0x100-0x104",
	} {
		if got, ok := fm[name]; ok {
			if got != want {
				t.Errorf("flag %q, want: %q, got: %q", name, want, got)
			}
		} else {
			t.Errorf("flag %q not set", name)
		}
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "memory-frames",
			flags: map[string]string{"memory-frames": "0"},
			error: "memory-frames must be positive",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v, want: %q", err, tc.error)
			}
		})
	}
}

func TestFrameRangesSet(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    FrameRanges
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "1-2", want: FrameRanges{{Start: 1, End: 2}}},
		{in: "0x10-0x20,0x30-0x31", want: FrameRanges{{Start: 0x10, End: 0x20}, {Start: 0x30, End: 0x31}}},
		{in: "5", wantErr: true},
		{in: "5-5", wantErr: true},
		{in: "a-b", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var got FrameRanges
			err := got.Set(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Set(%q) succeeded with %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Set(%q): %v", tc.in, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Set(%q) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestOverride(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Override(testFlags, "metrics", "/tmp/metrics.txt"); err != nil {
		t.Fatalf("Override(metrics): %v", err)
	}
	if want := "/tmp/metrics.txt"; c.Metrics != want {
		t.Errorf("Metrics=%q, want: %q", c.Metrics, want)
	}
	if err := c.Override(testFlags, "no-such-flag", "1"); err == nil {
		t.Errorf("Override(no-such-flag) succeeded")
	}
	if err := c.Override(testFlags, "memory-frames", "0"); err == nil {
		t.Errorf("Override(memory-frames=0) passed validation")
	}
	if c.Reserved != nil {
		t.Errorf("Reserved=%v, want nil", c.Reserved)
	}
}

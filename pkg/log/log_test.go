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

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	for i := 0; i < 2; i++ {
		if _, err := w.Write([]byte("error\n")); err == nil {
			t.Fatalf("Write should have failed")
		}
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if diff := cmp.Diff([]string{"no newline", "\n"}, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := buf.String(), "shown 2\nshown 3\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestPrefixed(t *testing.T) {
	var buf bytes.Buffer
	l := Prefixed(&BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}, "as 3: ")
	l.Warningf("flag mismatch at %s", "page")
	if got, want := buf.String(), "as 3: flag mismatch at page\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	var buf bytes.Buffer
	g := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.March, 7, 9, 5, 3, 42000, time.UTC)
	g.Emit(0, Warning, ts, "value=%d", 7)

	line := buf.String()
	if !strings.HasPrefix(line, "W0307 09:05:03.000042 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.Contains(line, "glog_test.go:") && !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller not recorded in %q", line)
	}
	if !strings.HasSuffix(line, "] value=7\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestMultiEmitter(t *testing.T) {
	var a, b bytes.Buffer
	m := MultiEmitter{&Writer{Next: &a}, &Writer{Next: &b}}
	m.Emit(0, Info, time.Now(), "both")
	if a.String() != "both\n" || b.String() != "both\n" {
		t.Errorf("got %q and %q, want both lines", a.String(), b.String())
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	inner := &BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}
	l := RateLimitedLogger(inner, time.Hour, 2)
	for i := 0; i < 10; i++ {
		l.Infof("msg %d", i)
	}
	if got, want := buf.String(), "msg 0\nmsg 1\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	l.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	buf.Reset()
	l.Infof("resumed")
	if got, want := buf.String(), "(8 messages suppressed)\nresumed\n"; got != want {
		t.Errorf("output after resuming = %q, want %q", got, want)
	}

	unlimited := RateLimitedLogger(inner, 0, 1)
	buf.Reset()
	for i := 0; i < 5; i++ {
		unlimited.Debugf("x")
	}
	if got := strings.Count(buf.String(), "x\n"); got != 5 {
		t.Errorf("unlimited logger wrote %d lines, want 5", got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"warning", Warning},
		{"info", Info},
		{"debug", Debug},
		{"2", Debug},
	} {
		got, err := ParseLevel(tc.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("ParseLevel(loud) succeeded, want error")
	}
}

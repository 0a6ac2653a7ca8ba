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

// Package log implements leveled logging for the memory core.
//
// Logging is not free: format arguments are boxed even when a message is
// ultimately discarded. Callers on hot paths (the page walker, the frame
// table) should guard debug statements:
//
//	if log.IsLogging(log.Debug) {
//		log.Debugf(...)
//	}
package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"gvisor.dev/vmcore/pkg/sync"
)

// Level is the log level.
type Level uint32

// Levels are ordered by verbosity. Existing values must never be renumbered;
// configuration files refer to them as integers.
const (
	// Warning indicates that output should always be emitted.
	Warning Level = iota

	// Info indicates that output should normally be emitted.
	Info

	// Debug indicates that output should not normally be emitted.
	Debug
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// ParseLevel parses the name or the number of a level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "warning", "Warning", "0":
		return Warning, nil
	case "info", "Info", "1":
		return Info, nil
	case "debug", "Debug", "2":
		return Debug, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

// Emitter is the final destination for logs.
type Emitter interface {
	// Emit emits the given log statement. depth is the number of stack
	// frames between the public logging call and Emit.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes the output to the given writer.
type Writer struct {
	// Next is where output is written.
	Next io.Writer

	// mu serializes the dropped-message notice.
	mu sync.Mutex

	// errors counts messages that failed to be written. It is read outside
	// mu.
	errors atomic.Int32
}

// Write writes out the given bytes, retrying on non-blocking timeouts. A
// trailing newline is appended when data lacks one.
func (l *Writer) Write(data []byte) (int, error) {
	n := 0
	for n < len(data) {
		w, err := l.Next.Write(data[n:])
		n += w
		if pathErr, ok := err.(*os.PathError); ok && pathErr.Timeout() {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			l.errors.Add(1)
			return n, err
		}
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		l.Write([]byte{'\n'})
	}

	if l.errors.Load() > 0 {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e := l.errors.Load(); e > 0 {
			msg := fmt.Sprintf("\n*** Dropped %d log messages ***\n", e)
			if _, err := l.Next.Write([]byte(msg)); err == nil {
				l.errors.Store(0)
			}
		}
	}
	return n, nil
}

// Emit implements Emitter.Emit.
func (l *Writer) Emit(_ int, _ Level, _ time.Time, format string, args ...any) {
	fmt.Fprintf(l, format, args...)
}

// MultiEmitter is an emitter that emits to multiple Emitters.
type MultiEmitter []Emitter

// Emit implements Emitter.Emit.
func (m *MultiEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	for _, e := range *m {
		e.Emit(1+depth, level, timestamp, format, v...)
	}
}

// TestLogger is implemented by testing.T and testing.B.
type TestLogger interface {
	Logf(format string, v ...any)
}

// TestEmitter routes log output through a TestLogger.
type TestEmitter struct {
	TestLogger
}

// Emit implements Emitter.Emit.
func (t *TestEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	t.Logf("%s: %s", level, fmt.Sprintf(format, v...))
}

// Logger is a high-level logging interface. Address spaces and the
// consistency verifier accept a Logger so that their output can be prefixed
// or rate limited independently of the global logger.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.DebugfAtDepth(1, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.InfofAtDepth(1, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.WarningfAtDepth(1, format, v...)
}

// DebugfAtDepth logs at a specific depth.
func (l *BasicLogger) DebugfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(1+depth, Debug, time.Now(), format, v...)
	}
}

// InfofAtDepth logs at a specific depth.
func (l *BasicLogger) InfofAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(1+depth, Info, time.Now(), format, v...)
	}
}

// WarningfAtDepth logs at a specific depth.
func (l *BasicLogger) WarningfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(1+depth, Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadUint32((*uint32)(&l.Level)) >= uint32(level)
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	atomic.StoreUint32((*uint32)(&l.Level), uint32(level))
}

// prefixedLogger prepends a fixed string to every message.
type prefixedLogger struct {
	prefix string
	logger Logger
}

// Prefixed returns a Logger that prepends prefix to every message written to
// logger.
func Prefixed(logger Logger, prefix string) Logger {
	return &prefixedLogger{prefix: prefix, logger: logger}
}

// Debugf implements Logger.Debugf.
func (p *prefixedLogger) Debugf(format string, v ...any) {
	p.logger.Debugf(p.prefix+format, v...)
}

// Infof implements Logger.Infof.
func (p *prefixedLogger) Infof(format string, v ...any) {
	p.logger.Infof(p.prefix+format, v...)
}

// Warningf implements Logger.Warningf.
func (p *prefixedLogger) Warningf(format string, v ...any) {
	p.logger.Warningf(p.prefix+format, v...)
}

// IsLogging implements Logger.IsLogging.
func (p *prefixedLogger) IsLogging(level Level) bool {
	return p.logger.IsLogging(level)
}

// logMu serializes updates to log.
var logMu sync.Mutex

// log is the global logger.
var log atomic.Pointer[BasicLogger]

// Log retrieves the global logger.
func Log() *BasicLogger {
	return log.Load()
}

// SetTarget replaces the global emitter, keeping the current level.
//
// Loggers previously obtained from Log() continue to use the old target.
func SetTarget(target Emitter) {
	logMu.Lock()
	defer logMu.Unlock()
	oldLog := Log()
	log.Store(&BasicLogger{Level: oldLog.Level, Emitter: target})
}

// SetLevel sets the global log level.
func SetLevel(newLevel Level) {
	Log().SetLevel(newLevel)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().DebugfAtDepth(1, format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().InfofAtDepth(1, format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().WarningfAtDepth(1, format, v...)
}

// IsLogging returns whether the global logger is logging.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

func init() {
	log.Store(&BasicLogger{Level: Info, Emitter: GoogleEmitter{&Writer{Next: os.Stderr}}})
}

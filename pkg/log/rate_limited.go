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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages beyond its limiter's budget. The first
// message let through after a drop is preceded by a note with the number of
// messages dropped, so a flood of verifier output stays visible as a count.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// allow reports whether a message at level may be emitted now.
func (rl *rateLimitedLogger) allow(level Level) bool {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return false
	}
	if n := rl.suppressed.Swap(0); n > 0 && rl.logger.IsLogging(level) {
		rl.logger.Warningf("(%d messages suppressed)", n)
	}
	return true
}

// Debugf implements Logger.Debugf.
func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.allow(Debug) {
		rl.logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.allow(Info) {
		rl.logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.allow(Warning) {
		rl.logger.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to logger at an average rate
// of one message per every, with bursts of up to burst messages. A
// non-positive every disables limiting.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(limit, max(burst, 1)),
	}
}

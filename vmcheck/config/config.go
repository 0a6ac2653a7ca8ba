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


// Package config provides basic infrastructure to set configuration settings
// for vmcheck. Each setting that can be changed from the command line is
// registered in RegisterFlags and read back by NewFromFlags.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path of an additional file logs are written to.
	DebugLog string `flag:"debug-log"`

	// MemoryFrames is the size of the physical arena in frames, used when
	// a scenario does not set one.
	MemoryFrames uint64 `flag:"memory-frames"`

	// Reserved are frame ranges reserved at start of day in addition to
	// the scenario's.
	Reserved FrameRanges `flag:"reserved"`

	// Metrics is the path memory metrics are written to after a scenario
	// runs, in Prometheus text format. Empty disables them.
	Metrics string `flag:"metrics"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MemoryFrames == 0 {
		return fmt.Errorf("memory-frames must be positive")
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.MemoryFrames: %d", c.MemoryFrames)
	log.Infof("Config.Reserved: %v", c.Reserved)
	if c.Metrics != "" {
		log.Infof("Config.Metrics: %s", c.Metrics)
	}
}

// FrameRanges is a list of frame ranges, set from a comma separated list of
// "start-end" pairs of frame numbers, end exclusive.
type FrameRanges []hostarch.FrameRange

// Set implements flag.Value.
func (r *FrameRanges) Set(v string) error {
	var rs FrameRanges
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, ok := strings.Cut(part, "-")
		if !ok {
			return fmt.Errorf("invalid frame range %q, must be start-end", part)
		}
		start, err := strconv.ParseUint(lo, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid frame range %q: %w", part, err)
		}
		end, err := strconv.ParseUint(hi, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid frame range %q: %w", part, err)
		}
		if end <= start {
			return fmt.Errorf("invalid frame range %q: empty", part)
		}
		rs = append(rs, hostarch.FrameRange{Start: hostarch.Frame(start), End: hostarch.Frame(end)})
	}
	*r = rs
	return nil
}

// Get implements flag.Getter.
func (r *FrameRanges) Get() any {
	return *r
}

// String implements flag.Value.
func (r *FrameRanges) String() string {
	parts := make([]string, 0, len(*r))
	for _, fr := range *r {
		parts = append(parts, fmt.Sprintf("%#x-%#x", uint64(fr.Start), uint64(fr.End)))
	}
	return strings.Join(parts, ",")
}

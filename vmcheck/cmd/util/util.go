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


// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller and are not meant for the debug log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs error to the log and to ErrorLogger, and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, "vmcheck: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf, but exits the process.
func Fatalf(format string, args ...any) {
	_ = Errorf(format, args...)
	os.Exit(128)
}

// Infof writes an informational message to the log and to stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

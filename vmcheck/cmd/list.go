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


// Package cmd holds implementations of the vmcheck commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/vmcheck/cmd/util"
	"gvisor.dev/vmcore/vmcheck/flag"
	"gvisor.dev/vmcore/vmcheck/scenario"
)

// List implements subcommands.Command for the "list" command.
type List struct{}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list built-in scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `list - prints the name and description of each built-in scenario.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*List) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*List) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	for _, name := range scenario.Names() {
		s, _ := scenario.Builtin(name)
		fmt.Fprintf(os.Stdout, "%-16s %s\n", name, s.Description)
	}
	return subcommands.ExitSuccess
}

// Show implements subcommands.Command for the "show" command.
type Show struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Show) Name() string {
	return "show"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Show) Synopsis() string {
	return "print a built-in scenario as a scenario file"
}

// Usage implements subcommands.Command.Usage.
func (*Show) Usage() string {
	return `show [-format=toml|yaml] <name> - prints the built-in scenario, ready to be edited and run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Show) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "toml", "output format: toml or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (s *Show) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	sc, ok := scenario.Builtin(f.Arg(0))
	if !ok {
		return util.Errorf("unknown scenario %q", f.Arg(0))
	}
	if err := scenario.Encode(os.Stdout, sc, scenario.Format(s.format)); err != nil {
		return util.Errorf("encoding scenario: %v", err)
	}
	return subcommands.ExitSuccess
}

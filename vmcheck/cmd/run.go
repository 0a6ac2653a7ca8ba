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


package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/prometheus"
	"gvisor.dev/vmcore/vmcheck/cmd/util"
	"gvisor.dev/vmcore/vmcheck/config"
	"gvisor.dev/vmcore/vmcheck/flag"
	"gvisor.dev/vmcore/vmcheck/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario and check what the consistency verifier finds"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario file | built-in name> - runs the scenario on a fresh kernel.

The command fails if a step does not behave as written or if the final audit
does not match what the scenario expects.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.exporterPrefix, "exporter-prefix", "vmcheck_", "prefix for all metric names, following Prometheus exporter convention.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := loadScenario(f.Arg(0))
	if err != nil {
		return util.Errorf("loading scenario: %v", err)
	}
	res, err := scenario.Run(ctx, s, scenario.RunOpts{
		Frames:   conf.MemoryFrames,
		Reserved: conf.Reserved,
		Out:      os.Stdout,
	})
	if err != nil {
		return util.Errorf("scenario %s: %v", s.Name, err)
	}
	if res.Violation != nil {
		fmt.Fprintf(os.Stdout, "FATAL: %v\n", res.Violation)
	}
	if conf.Metrics != "" && res.Metrics != nil {
		if err := r.writeMetrics(conf.Metrics, s.Name, res.Metrics); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	if err := res.Check(s); err != nil {
		return util.Errorf("scenario %s: %v", s.Name, err)
	}
	util.Infof("scenario %s: %d steps, as expected", s.Name, res.Steps)
	return subcommands.ExitSuccess
}

// writeMetrics replaces the file at path with snapshot. Concurrent vmcheck
// runs exporting to the same path are serialized by a lock file next to it.
func (r *Run) writeMetrics(path, name string, snapshot *prometheus.Snapshot) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %q: %w", lock.Path(), err)
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = prometheus.Write(f, prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("Memory metrics after scenario %s", name),
		ExporterPrefix: r.exporterPrefix,
	}, snapshot)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		log.Infof("Wrote metrics to %q", path)
	}
	return err
}

// loadScenario loads arg as a scenario file if it has a scenario file
// extension, or as a built-in scenario otherwise.
func loadScenario(arg string) (*scenario.Scenario, error) {
	if _, err := scenario.FormatOf(arg); err == nil {
		return scenario.Load(arg)
	}
	s, ok := scenario.Builtin(arg)
	if !ok {
		return nil, fmt.Errorf("no built-in scenario %q, and not a .toml or .yaml file", arg)
	}
	return s, nil
}

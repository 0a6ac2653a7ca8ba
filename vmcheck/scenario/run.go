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
	"fmt"
	"io"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/prometheus"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// RunOpts are options to Run.
type RunOpts struct {
	// Frames is the arena size used if the scenario does not set one.
	Frames uint64

	// Reserved are frame ranges reserved in addition to the scenario's.
	Reserved []hostarch.FrameRange

	// Out receives audit reports and the final debugger dump. Nil discards
	// them.
	Out io.Writer
}

// Result is the outcome of a scenario that ran to completion.
type Result struct {
	// Report is the final audit of every live address space. It is nil if
	// a violation was found.
	Report *mm.Report

	// Violation is the writable copy-on-write mapping found, if any.
	// Running stops at the first one.
	Violation *mm.WritableCOWError

	// Steps is the number of steps run.
	Steps int

	// Metrics is a snapshot of memory metrics taken after the final audit.
	Metrics *prometheus.Snapshot
}

// Check compares r with what s expects.
func (r *Result) Check(s *Scenario) error {
	var errs []error
	switch {
	case r.Violation != nil && !s.Expect.Violation:
		errs = append(errs, fmt.Errorf("unexpected violation: %w", r.Violation))
	case r.Violation == nil && s.Expect.Violation:
		errs = append(errs, fmt.Errorf("expected a writable copy-on-write violation"))
	}
	if r.Report != nil {
		for _, k := range kinds {
			name := kindName(k)
			if got, want := r.Report.Count(k), s.Expect.Divergences[name]; got != want {
				errs = append(errs, fmt.Errorf("%s: got %d divergences, want %d", name, got, want))
			}
		}
	}
	return errors.Join(errs...)
}

// runner holds the state of a running scenario.
type runner struct {
	k     *kernel.Kernel
	out   io.Writer
	tasks map[string]*kernel.Task
}

// Run runs s on a fresh kernel. It returns an error if a step does not
// behave as written; what the audits find is returned in the Result.
func Run(ctx context.Context, s *Scenario, opts RunOpts) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	args := kernel.InitKernelArgs{Frames: s.Frames}
	if args.Frames == 0 {
		args.Frames = opts.Frames
	}
	for _, rg := range s.Reserved {
		args.Reserved = append(args.Reserved, hostarch.FrameRange{Start: hostarch.Frame(rg.Start), End: hostarch.Frame(rg.End)})
	}
	args.Reserved = append(args.Reserved, opts.Reserved...)

	r := &runner{
		k:     &kernel.Kernel{},
		out:   opts.Out,
		tasks: make(map[string]*kernel.Task),
	}
	if r.out == nil {
		r.out = io.Discard
	}
	if err := r.k.Init(args); err != nil {
		return nil, err
	}
	defer r.k.Destroy()

	log.Infof("Running scenario %q: %d steps", s.Name, len(s.Steps))
	res := &Result{}
	for i := range s.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := &s.Steps[i]
		res.Steps++
		err := r.step(st)
		if wce := (*mm.WritableCOWError)(nil); errors.As(err, &wce) {
			res.Violation = wce
			log.Warningf("Scenario %q stopped at step %d: %v", s.Name, i, wce)
			return res, nil
		}
		if err := checkStepError(st, err); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}

	fmt.Fprintf(r.out, "scenario %s: %d steps\n", s.Name, len(s.Steps))
	err := r.k.Debugger(r.out, nil)
	if err == nil {
		res.Report, err = r.k.Audit()
	}
	if err != nil {
		wce := (*mm.WritableCOWError)(nil)
		if !errors.As(err, &wce) {
			return nil, err
		}
		res.Violation = wce
		res.Report = nil
		return res, nil
	}
	fmt.Fprintf(r.out, "final audit: %v", res.Report)
	res.Metrics = r.k.Snapshot()
	return res, nil
}

// checkStepError compares the error returned by st with the one it names.
func checkStepError(st *Step, err error) error {
	if st.Error == "" {
		return err
	}
	want := errByName[st.Error]
	if err == nil {
		return fmt.Errorf("succeeded, want error %q", st.Error)
	}
	if !errors.Is(err, want) {
		return fmt.Errorf("got error %w, want %q", err, st.Error)
	}
	return nil
}

func (r *runner) task(name string) (*kernel.Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return t, nil
}

// space returns the address space of the task named name.
func (r *runner) space(name string) (*mm.AddressSpace, error) {
	t, err := r.task(name)
	if err != nil {
		return nil, err
	}
	as := t.MemoryManager()
	if as == nil {
		return nil, fmt.Errorf("%w: %q has exited", kernel.ErrNoSuchTask, name)
	}
	return as, nil
}

func (r *runner) addTask(t *kernel.Task, err error) error {
	if err != nil {
		return err
	}
	r.tasks[t.Name()] = t
	return nil
}

func (r *runner) step(st *Step) error {
	log.Debugf("step %s: task %q addr %#x pages %d", st.Op, st.Task, st.Addr, st.Pages)
	switch st.Op {
	case OpTask:
		if _, ok := r.tasks[st.Name]; ok {
			return fmt.Errorf("task %q already exists", st.Name)
		}
		return r.addTask(r.k.NewTask(st.Name))
	case OpFork, OpClone:
		if _, ok := r.tasks[st.Name]; ok {
			return fmt.Errorf("task %q already exists", st.Name)
		}
		parent, err := r.task(st.Task)
		if err != nil {
			return err
		}
		if st.Op == OpFork {
			return r.addTask(r.k.ForkTask(parent, st.Name))
		}
		return r.addTask(r.k.CloneVM(parent, st.Name))
	case OpExit:
		t, err := r.task(st.Task)
		if err != nil {
			return err
		}
		return r.k.ExitTask(t.ID(), "scenario exit step")
	case OpAudit:
		return r.audit(st.Task)
	}

	as, err := r.space(st.Task)
	if err != nil {
		return err
	}
	addr := hostarch.Addr(st.Addr)
	switch st.Op {
	case OpMap:
		_, err := as.MapAnonymous(mm.MapOpts{
			Addr:   addr,
			Length: st.length(),
			Fixed:  addr != 0,
			Shared: st.Shared,
			Flags:  st.flags(),
		})
		return err
	case OpMapPhysical:
		return as.MapPhysical(addr, hostarch.PhysAddr(st.Phys), st.Pages, st.flags())
	case OpMapSharedFrom:
		src, err := r.space(st.From)
		if err != nil {
			return err
		}
		return as.MapSharedFrom(src, hostarch.Addr(st.SrcAddr), addr, st.Pages)
	case OpUnmap:
		return as.Unmap(addr, st.length())
	case OpProtect:
		return as.Protect(addr, st.length(), st.flags())
	case OpWrite:
		_, err := as.CopyOut(addr, []byte(st.Data))
		return err
	case OpRead:
		buf := make([]byte, len(st.Data))
		if _, err := as.CopyIn(addr, buf); err != nil {
			return err
		}
		if !bytes.Equal(buf, []byte(st.Data)) {
			return fmt.Errorf("%w: read %q at %v, want %q", ErrDataMismatch, buf, addr, st.Data)
		}
		return nil
	case OpCorruptPTE:
		return as.CorruptPTE(addr, st.flags())
	case OpForgetGrant:
		_, err := as.ForgetGrant(addr)
		return err
	default:
		panic(fmt.Sprintf("unknown op %q", st.Op))
	}
}

// audit writes the debugger view of the named task, or an exhaustive audit
// of every address space if name is empty.
func (r *runner) audit(name string) error {
	if name != "" {
		t, err := r.task(name)
		if err != nil {
			return err
		}
		tid := t.ID()
		return r.k.Debugger(r.out, &tid)
	}
	rep, err := r.k.Audit()
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "audit: %v", rep)
	return nil
}

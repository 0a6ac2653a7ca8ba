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


package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sync"
)

// auditParallelism bounds the number of address spaces audited at once.
const auditParallelism = 4

// recoverViolation converts a writable copy-on-write panic raised by the
// verifier into an error. Other panics propagate.
func recoverViolation(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if wce, ok := r.(*mm.WritableCOWError); ok {
		*err = wce
		return
	}
	panic(r)
}

// checkSpace runs the verifier on as alone.
func checkSpace(as *mm.AddressSpace) (r *mm.Report, err error) {
	defer recoverViolation(&err)
	return as.CheckConsistency(), nil
}

// Debugger writes the state of the task with thread ID *target, or of every
// task if target is nil, to w. For each task it prints the status, the
// result of a consistency check of its address space and the grant list.
//
// A fatal violation found while checking is printed and returned after the
// remaining tasks have been written.
func (k *Kernel) Debugger(w io.Writer, target *ThreadID) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "DEBUGGER START")
	fmt.Fprintln(bw)

	var violation error
	checked := make(map[*mm.AddressSpace]*mm.Report)
	for _, t := range k.tasks.Tasks() {
		if target != nil && t.id != *target {
			continue
		}
		fmt.Fprintf(bw, "%d: %s\n", t.id, t.name)
		status, reason := t.Status()
		fmt.Fprintf(bw, "status: %v\n", status)
		if reason != "" {
			fmt.Fprintf(bw, "reason: %s\n", reason)
		}

		if as := t.MemoryManager(); as != nil {
			fmt.Fprintf(bw, "address space: %d (%d users)\n", as.ID(), as.Users())
			// Tasks sharing an address space share its report.
			r, ok := checked[as]
			if !ok {
				var err error
				r, err = checkSpace(as)
				if err != nil {
					fmt.Fprintf(bw, "FATAL: %v\n", err)
					violation = errors.Join(violation, err)
				}
				checked[as] = r
			}
			if r != nil {
				bw.WriteString(r.String())
			}
			if len(as.Grants()) > 0 {
				fmt.Fprintln(bw, "grants:")
				as.DumpGrants(bw)
			}
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, "DEBUGGER END")
	if err := bw.Flush(); err != nil {
		return err
	}
	return violation
}

// spaces returns the distinct live address spaces and the tasks using
// each, in thread ID order of their first user.
func (k *Kernel) spaces() ([]*mm.AddressSpace, map[*mm.AddressSpace][]ThreadID) {
	var order []*mm.AddressSpace
	users := make(map[*mm.AddressSpace][]ThreadID)
	for _, t := range k.tasks.Tasks() {
		as := t.MemoryManager()
		if as == nil {
			continue
		}
		if _, ok := users[as]; !ok {
			order = append(order, as)
		}
		users[as] = append(users[as], t.id)
	}
	return order, users
}

// AuditAll checks every distinct live address space, concurrently. The
// result maps each live task to the report for its address space; tasks
// sharing an address space share a report.
//
// Each address space is checked alone, so reference counts are only checked
// for excess. Use Audit for an exact, system wide check.
func (k *Kernel) AuditAll(ctx context.Context) (map[ThreadID]*mm.Report, error) {
	order, users := k.spaces()

	var mu sync.Mutex
	reports := make(map[ThreadID]*mm.Report)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(auditParallelism)
	for _, as := range order {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := checkSpace(as)
			if err != nil {
				return fmt.Errorf("as %d: %w", as.ID(), err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tid := range users[as] {
				reports[tid] = r
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Audit checks every live address space together. Since they are all the
// users of the frame table, every frame's reference count must equal its
// number of mappings exactly.
//
// A writable copy-on-write mapping is returned as a *mm.WritableCOWError.
func (k *Kernel) Audit() (r *mm.Report, err error) {
	defer recoverViolation(&err)
	order, _ := k.spaces()
	r = mm.Audit(mm.AuditOpts{Exhaustive: true}, order...)
	if !r.OK() {
		log.Warningf("Audit of %d address spaces found %d divergences", len(order), len(r.Divergences))
	}
	return r, nil
}

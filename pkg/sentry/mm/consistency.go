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

package mm

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/frametable"
)

// DivergenceKind classifies a disagreement found by the verifier.
type DivergenceKind int

const (
	// MissingGrant is a present mapping with no grant covering it.
	MissingGrant DivergenceKind = iota

	// FlagMismatch is a mapping whose flags differ from its grant's outside
	// the hardware managed bits.
	FlagMismatch

	// PermissionEscalation is a hardware writable mapping of an exclusively
	// owned or shared frame under a grant that does not permit write.
	PermissionEscalation

	// RefCountMismatch is a frame whose mapping tally differs from its
	// reference count.
	RefCountMismatch

	// UnmappedGrantPage is a page of a grant with no hardware mapping.
	// Grants are backed eagerly, so every granted page must be mapped.
	UnmappedGrantPage
)

// String implements fmt.Stringer.String.
func (k DivergenceKind) String() string {
	switch k {
	case MissingGrant:
		return "missing grant"
	case FlagMismatch:
		return "flag mismatch"
	case PermissionEscalation:
		return "permission escalation"
	case RefCountMismatch:
		return "refcount mismatch"
	case UnmappedGrantPage:
		return "unmapped grant page"
	default:
		return fmt.Sprintf("DivergenceKind(%d)", int(k))
	}
}

// Divergence is one disagreement between the hardware tables and the
// software bookkeeping.
type Divergence struct {
	Kind DivergenceKind

	// Space is the id of the address space the divergence was found in.
	// It is zero for RefCountMismatch found across several spaces.
	Space uint64

	Page  hostarch.Page
	Frame hostarch.Frame

	// HardwareFlags are the flags of the entry.
	HardwareFlags hostarch.PageFlags

	// Grant is the covering grant, if any.
	Grant Grant

	// Tally and RefCount are set for RefCountMismatch.
	Tally    uint64
	RefCount frametable.RefCount
}

// String implements fmt.Stringer.String.
func (d Divergence) String() string {
	switch d.Kind {
	case MissingGrant:
		return fmt.Sprintf("ADDRESS %#x LACKING GRANT BUT MAPPED TO %#x FLAGS %v", uint64(d.Page.Start()), uint64(d.Frame.Start()), d.HardwareFlags)
	case FlagMismatch:
		return fmt.Sprintf("FLAG MISMATCH: %v != %v, address %#x in grant at %v", d.Grant.Flags, d.HardwareFlags, uint64(d.Page.Start()), d.Grant.Range())
	case PermissionEscalation:
		return fmt.Sprintf("PERMISSION ESCALATION: address %#x mapped %v to %v frame %#x, grant at %v permits %v", uint64(d.Page.Start()), d.HardwareFlags, d.RefCount, uint64(d.Frame.Start()), d.Grant.Range(), d.Grant.Flags)
	case RefCountMismatch:
		return fmt.Sprintf("REFCOUNT MISMATCH: frame %#x is %v but has %d mappings", uint64(d.Frame.Start()), d.RefCount, d.Tally)
	case UnmappedGrantPage:
		return fmt.Sprintf("GRANT AT %v LACKING MAPPING AT PAGE %#x", d.Grant.Range(), uint64(d.Page.Start()))
	default:
		return d.Kind.String()
	}
}

// WritableCOWError is the panic value raised when a copy-on-write frame is
// found hardware writable. Such an entry lets one address space modify
// memory that others still read as theirs.
type WritableCOWError struct {
	Space    uint64
	Page     hostarch.Page
	Frame    hostarch.Frame
	Flags    hostarch.PageFlags
	RefCount frametable.RefCount
}

// Error implements error.Error.
func (e *WritableCOWError) Error() string {
	return fmt.Sprintf("as %d: directly writable CoW page: %#x maps %v frame %#x with %v",
		e.Space, uint64(e.Page.Start()), e.RefCount, uint64(e.Frame.Start()), e.Flags)
}

// Report is the result of a consistency check.
type Report struct {
	// Spaces are the ids of the audited address spaces.
	Spaces []uint64

	// Mappings is the number of present leaf entries walked.
	Mappings uint64

	// Frames is the number of distinct tracked frames seen.
	Frames int

	// Exhaustive is true if reference counts were compared exactly.
	Exhaustive bool

	// Divergences are the problems found, in walk order.
	Divergences []Divergence
}

// OK returns true if no divergence was found.
func (r *Report) OK() bool {
	return len(r.Divergences) == 0
}

// Count returns the number of divergences of kind k.
func (r *Report) Count(k DivergenceKind) int {
	n := 0
	for _, d := range r.Divergences {
		if d.Kind == k {
			n++
		}
	}
	return n
}

// String implements fmt.Stringer.String.
func (r *Report) String() string {
	var b strings.Builder
	for _, d := range r.Divergences {
		if d.Space != 0 {
			fmt.Fprintf(&b, "as %d: ", d.Space)
		}
		b.WriteString(d.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d mappings of %d frames checked", r.Mappings, r.Frames)
	if len(r.Divergences) > 0 {
		fmt.Fprintf(&b, ", %d divergences\n", len(r.Divergences))
	} else {
		b.WriteString("\nConsistency appears correct\n")
	}
	return b.String()
}

// AuditOpts specifies options to Audit.
type AuditOpts struct {
	// Exhaustive asserts that the audited address spaces are all address
	// spaces referencing the frame table. Tallies are then compared to
	// reference counts exactly, and referenced frames that no audited
	// space maps are reported. Otherwise only tallies exceeding the count
	// are reported, since other address spaces may hold the remainder.
	Exhaustive bool

	// Logger receives a message per divergence, including a fatal
	// writable copy-on-write entry. Nil selects a logger rate limited to
	// log.Log(); fatal entries then go to log.Log() unlimited.
	Logger log.Logger
}

// defaultAuditLogger keeps a corrupt table from flooding the log.
var defaultAuditLogger = log.RateLimitedLogger(log.Log(), 10*time.Millisecond, 64)

// CheckConsistency audits as alone. See Audit.
func (as *AddressSpace) CheckConsistency() *Report {
	return Audit(AuditOpts{}, as)
}

// Audit walks the hardware tables of spaces and cross-checks every present
// user entry against the grants and the frame table. spaces must share one
// frame table. Each space is locked exclusively for the duration.
//
// Divergences are logged and reported; audit never modifies what it
// inspects. A hardware writable copy-on-write frame is fatal: Audit panics
// with a *WritableCOWError after logging it.
func Audit(opts AuditOpts, spaces ...*AddressSpace) *Report {
	logger, fatal := opts.Logger, opts.Logger
	if logger == nil {
		logger, fatal = defaultAuditLogger, log.Log()
	}

	spaces = slices.Clone(spaces)
	slices.SortFunc(spaces, func(a, b *AddressSpace) int {
		return cmp.Compare(a.id, b.id)
	})
	spaces = slices.CompactFunc(spaces, func(a, b *AddressSpace) bool { return a == b })
	for _, as := range spaces {
		as.mu.Lock()
		defer as.mu.Unlock()
	}

	r := &Report{Exhaustive: opts.Exhaustive}
	if len(spaces) == 0 {
		return r
	}
	frames := spaces[0].frames
	tally := make(map[hostarch.Frame]uint64)
	report := func(d Divergence) {
		logger.Warningf("%v", d)
		r.Divergences = append(r.Divergences, d)
	}

	for _, as := range spaces {
		if as.frames != frames {
			panic(fmt.Sprintf("as %d uses a different frame table", as.id))
		}
		r.Spaces = append(r.Spaces, as.id)
		if as.isDeadLocked() {
			continue
		}
		as.auditLocked(r, tally, report, fatal)
	}

	// Reference counts.
	var checked []hostarch.Frame
	for f := range tally {
		checked = append(checked, f)
	}
	slices.Sort(checked)
	for _, f := range checked {
		n := tally[f]
		rc := frames.Lookup(f)
		if n == rc.Count() || (!opts.Exhaustive && n < rc.Count()) {
			continue
		}
		report(Divergence{Kind: RefCountMismatch, Frame: f, Tally: n, RefCount: rc})
	}
	if opts.Exhaustive {
		frames.ForEachReferenced(func(f hostarch.Frame, rc frametable.RefCount) {
			if _, seen := tally[f]; seen {
				return
			}
			report(Divergence{Kind: RefCountMismatch, Frame: f, RefCount: rc})
		})
	}
	r.Frames = len(tally)
	return r
}

// auditLocked walks as and records its divergences and tallies. A writable
// copy-on-write entry is logged to fatal before panicking.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) auditLocked(r *Report, tally map[hostarch.Frame]uint64, report func(Divergence), fatal log.Logger) {
	as.pt.ForEachUserMapping(func(m pagetables.Mapping) bool {
		r.Mappings++
		if as.frames.Tracked(m.Frame) {
			tally[m.Frame]++
		}

		g, ok := as.grants.Contains(m.Page)
		if !ok {
			report(Divergence{Kind: MissingGrant, Space: as.id, Page: m.Page, Frame: m.Frame, HardwareFlags: m.Flags})
			return true
		}
		if !hostarch.PolicyEqual(g.Flags, m.Flags) {
			report(Divergence{Kind: FlagMismatch, Space: as.id, Page: m.Page, Frame: m.Frame, HardwareFlags: m.Flags, Grant: g})
		}
		if !as.frames.Tracked(m.Frame) {
			return true
		}

		switch rc := as.frames.Lookup(m.Frame); rc.State() {
		case frametable.StateOne, frametable.StateShared:
			if m.Flags.HasWrite() && !g.Flags.HasWrite() {
				report(Divergence{Kind: PermissionEscalation, Space: as.id, Page: m.Page, Frame: m.Frame, HardwareFlags: m.Flags, Grant: g, RefCount: rc})
			}
		case frametable.StateCow:
			if m.Flags.HasWrite() {
				err := &WritableCOWError{Space: as.id, Page: m.Page, Frame: m.Frame, Flags: m.Flags, RefCount: rc}
				fatal.Warningf("%v", err)
				panic(err)
			}
		}
		return true
	})

	as.grants.Ascend(func(g Grant) bool {
		for page := range g.Range().All() {
			if _, _, ok := as.pt.Lookup(page); !ok {
				report(Divergence{Kind: UnmappedGrantPage, Space: as.id, Page: page, Grant: g})
			}
		}
		return true
	})
}

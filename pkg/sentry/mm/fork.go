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
	"fmt"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/frametable"
)

// Fork returns a duplicate of as.
//
// Private grants become ProviderCopyOnWrite in the child. Their frames gain
// a copy-on-write reference and lose hardware write in both address spaces,
// so the first write on either side faults and copies. Shared and physical
// grants map the same frames with the same permissions.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	child, err := NewAddressSpace(as.mf, as.frames)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(child.DecUsers)
	defer cu.Clean()

	unlock := lockTwo(as, child)
	defer unlock()
	if as.isDeadLocked() {
		return nil, fmt.Errorf("%w: address space torn down", ErrInvalidRange)
	}

	var ferr error
	as.grants.Ascend(func(g Grant) bool {
		ferr = as.forkGrantLocked(child, g)
		return ferr == nil
	})
	if ferr != nil {
		// Deferred calls unlock before the child is torn down.
		return nil, ferr
	}
	cu.Release()
	as.logger.Debugf("forked into as %d: %d grants, %d pages", child.id, child.grants.Len(), child.grants.Span())
	return child, nil
}

// forkGrantLocked copies g and its mappings into child.
//
// Preconditions: as.mu and child.mu must be locked for writing.
func (as *AddressSpace) forkGrantLocked(child *AddressSpace, g Grant) error {
	cg := g
	if g.Provider.Kind == ProviderPrivate {
		cg.Provider.Kind = ProviderCopyOnWrite
	}
	if err := child.grants.Insert(cg); err != nil {
		return err
	}
	kind := refKind(g)
	for page := range g.Range().All() {
		f, flags, ok := as.pt.Lookup(page)
		if !ok {
			continue
		}
		if as.frames.Tracked(f) {
			if _, err := as.frames.IncRef(f, kind); err != nil {
				return fmt.Errorf("forking %v: %w", page, err)
			}
		}
		if kind == frametable.RefCow && flags.HasWrite() {
			as.pt.Protect(page, flags.WithWrite(false))
		}
		if err := child.mapPageLocked(page, f, child.hardwareFlags(cg, f)); err != nil {
			child.releaseFrame(f)
			return err
		}
	}
	return nil
}

// CorruptPTE overwrites the hardware flags of an existing entry, bypassing
// every policy check. It exists to exercise the consistency verifier.
func (as *AddressSpace) CorruptPTE(addr hostarch.Addr, flags hostarch.PageFlags) error {
	page := hostarch.PageContaining(addr)
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.isDeadLocked() || !as.pt.Protect(page, flags|hostarch.FlagPresent) {
		return fmt.Errorf("%w: %v", ErrNotMapped, addr)
	}
	as.logger.Warningf("corrupted entry for %v: now %v", page, flags)
	return nil
}

// ForgetGrant removes the grant starting at addr but leaves its hardware
// mappings in place. It exists to exercise the consistency verifier.
func (as *AddressSpace) ForgetGrant(addr hostarch.Addr) (Grant, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	g, ok := as.grants.Remove(hostarch.PageContaining(addr))
	if !ok {
		return Grant{}, fmt.Errorf("%w: no grant starts at %v", ErrNoGrant, addr)
	}
	as.logger.Warningf("forgot %v, mappings left in place", g)
	return g, nil
}

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
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/frametable"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// HandleWriteFault resolves a write fault on addr.
//
// If the grant covering addr does not permit write, it fails with
// ErrPermission. If the frame is shared copy-on-write, the faulting address
// space receives a private copy; if it is already exclusively owned (the
// other sharers have broken away) it is taken over without copying. Either
// way the entry ends up hardware writable. A fault on an already writable
// entry is spurious and succeeds.
func (as *AddressSpace) HandleWriteFault(addr hostarch.Addr) error {
	page := hostarch.PageContaining(addr)
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.isDeadLocked() {
		return fmt.Errorf("%w: address space torn down", ErrNoGrant)
	}
	return as.handleWriteFaultLocked(page)
}

// handleWriteFaultLocked is HandleWriteFault with as.mu held.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) handleWriteFaultLocked(page hostarch.Page) error {
	g, ok := as.grants.Contains(page)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoGrant, page.Start())
	}
	if !g.Flags.HasWrite() {
		return fmt.Errorf("%w: write to %v in %v", ErrPermission, page.Start(), g.Flags)
	}
	f, flags, ok := as.pt.Lookup(page)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotMapped, page.Start())
	}
	if flags.HasWrite() {
		return nil
	}
	if !as.frames.Tracked(f) {
		as.pt.Protect(page, g.Flags)
		return nil
	}

	switch rc := as.frames.Lookup(f); rc.State() {
	case frametable.StateOne, frametable.StateShared:
		// Write was withheld while the frame was shared copy-on-write,
		// or the hardware entry was protected more tightly than the
		// grant; the grant decides.
		as.pt.Protect(page, g.Flags)
		return nil
	case frametable.StateZero:
		panic(fmt.Sprintf("as %d: %v maps %v with no references", as.id, page, f))
	}

	nf, copied, err := as.frames.ResolveCopyOnWrite(f, as.mf)
	if err != nil {
		if errors.Is(err, pgalloc.ErrOutOfMemory) {
			return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}
		return err
	}
	if !copied {
		as.pt.Protect(page, g.Flags)
		return nil
	}
	// Replacing a live entry needs no table allocation, and resets the
	// accessed and dirty bits which described the old frame.
	if _, err := as.pt.Map(page, nf, g.Flags); err != nil {
		panic(fmt.Sprintf("as %d: remapping %v after copy: %v", as.id, page, err))
	}
	if log.IsLogging(log.Debug) {
		as.logger.Debugf("copy-on-write %v: %v -> %v", page, f, nf)
	}
	return nil
}

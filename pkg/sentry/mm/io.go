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
)

// maxFaultRetries bounds how often one access may fault and retry.
const maxFaultRetries = 4

// errWriteFault is returned by accessLocked when the access must fault.
var errWriteFault = errors.New("write fault")

// accessLocked performs the MMU's part of an access to page: permission
// checks and the accessed/dirty update. It returns the backing frame.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) accessLocked(page hostarch.Page, write bool) (hostarch.Frame, error) {
	if as.isDeadLocked() {
		return 0, fmt.Errorf("%w: address space torn down", ErrNotMapped)
	}
	f, flags, ok := as.pt.Lookup(page)
	if !ok {
		if _, granted := as.grants.Contains(page); !granted {
			return 0, fmt.Errorf("%w: %v", ErrNoGrant, page.Start())
		}
		return 0, fmt.Errorf("%w: %v", ErrNotMapped, page.Start())
	}
	if !flags.HasUser() {
		return 0, fmt.Errorf("%w: %v is supervisor only", ErrPermission, page.Start())
	}
	if write && !flags.HasWrite() {
		return 0, errWriteFault
	}
	as.pt.Touch(page, write)
	return f, nil
}

// withPage runs fn on the bytes of the frame backing page after a simulated
// user access, resolving write faults the way the fault handler would.
func (as *AddressSpace) withPage(page hostarch.Page, write bool, fn func([]byte)) error {
	for try := 0; ; try++ {
		as.mu.RLock()
		f, err := as.accessLocked(page, write)
		if err == nil {
			var bs []byte
			bs, err = as.mf.MapInternal(f)
			if err == nil {
				fn(bs)
			}
		}
		as.mu.RUnlock()

		if err != errWriteFault {
			return err
		}
		if try == maxFaultRetries {
			return fmt.Errorf("%w: write to %v keeps faulting", ErrPermission, page.Start())
		}
		if err := as.HandleWriteFault(page.Start()); err != nil {
			return err
		}
	}
}

// Access simulates a one-byte user access to addr.
func (as *AddressSpace) Access(addr hostarch.Addr, write bool) error {
	return as.withPage(hostarch.PageContaining(addr), write, func([]byte) {})
}

// CopyOut copies src to user memory at addr, faulting as a user write
// would. It returns the number of bytes copied.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return as.copy(addr, len(src), true, func(bs []byte, done int) int {
		return copy(bs, src[done:])
	})
}

// CopyIn copies user memory at addr to dst, faulting as a user read would.
// It returns the number of bytes copied.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return as.copy(addr, len(dst), false, func(bs []byte, done int) int {
		return copy(dst[done:], bs)
	})
}

// copy walks [addr, addr+n) page by page, calling fn with the part of each
// frame in range and the number of bytes already done.
func (as *AddressSpace) copy(addr hostarch.Addr, n int, write bool, fn func(bs []byte, done int) int) (int, error) {
	if end := addr + hostarch.Addr(n); end < addr {
		return 0, fmt.Errorf("%w: [%v, +%#x) wraps", ErrInvalidRange, addr, n)
	}
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		off := cur.PageOffset()
		err := as.withPage(hostarch.PageContaining(cur), write, func(bs []byte) {
			limit := min(uint64(n-done), hostarch.PageSize-off)
			done += fn(bs[off:off+limit], done)
		})
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

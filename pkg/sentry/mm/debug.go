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
	"bytes"
	"fmt"
	"io"
	"strings"
)

// DumpGrants writes one line per grant of as to w, in address order, each
// line indented by four spaces.
func (as *AddressSpace) DumpGrants(w io.Writer) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var err error
	as.grants.Ascend(func(g Grant) bool {
		_, err = fmt.Fprintf(w, "    %v\n", g)
		return err == nil
	})
	return err
}

// WriteMaps writes a /proc/[pid]/maps style listing of the grants of as to
// w.
func (as *AddressSpace) WriteMaps(w io.Writer) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var err error
	as.grants.Ascend(func(g Grant) bool {
		_, err = w.Write(mapsEntry(g))
		return err == nil
	})
	return err
}

// mapsEntry returns the maps line for g, including the trailing newline.
func mapsEntry(g Grant) []byte {
	var perms [4]byte
	perms[0] = 'r'
	perms[1] = '-'
	if g.Flags.HasWrite() {
		perms[1] = 'w'
	}
	perms[2] = '-'
	if g.Flags.HasExecute() {
		perms[2] = 'x'
	}
	perms[3] = 'p'
	if !g.Provider.Kind.private() {
		perms[3] = 's'
	}

	var off uint64
	if g.Provider.Kind == ProviderPhysical {
		off = uint64(g.Provider.Phys)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s %08x 00:00 0 ", uint64(g.Base.Start()), uint64(g.End().Start()), perms[:], off)

	// Pad to the 74th character, like Linux.
	if pad := 73 - b.Len(); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	fmt.Fprintf(&b, "[%s]\n", strings.ToLower(g.Provider.Kind.String()))
	return b.Bytes()
}

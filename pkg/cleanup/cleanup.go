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

// Package cleanup provides utilities to undo partially completed work when
// an operation fails midway.
//
// Typical usage:
//
//	cu := cleanup.Make(func() { release(a) })
//	defer cu.Clean()
//	if err := step(); err != nil {
//		return err
//	}
//	cu.Release()
package cleanup

// Cleanup holds a stack of undo functions.
type Cleanup struct {
	cleaners []func()
}

// Make returns a Cleanup that runs f when Clean is called.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add pushes f onto the stack. Functions run in reverse order of addition.
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs every pending function, most recently added first. It is a
// no-op after Release.
func (c *Cleanup) Clean() {
	for i := len(c.cleaners) - 1; i >= 0; i-- {
		c.cleaners[i]()
	}
	c.cleaners = nil
}

// Release drops the pending functions so that Clean does nothing, and
// returns a function that runs them instead.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() {
		for i := len(old) - 1; i >= 0; i-- {
			old[i]()
		}
	}
}

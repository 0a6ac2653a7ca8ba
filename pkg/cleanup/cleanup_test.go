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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanOrder(t *testing.T) {
	var order []int
	cu := Make(func() { order = append(order, 1) })
	cu.Add(func() { order = append(order, 2) })
	cu.Add(func() { order = append(order, 3) })
	cu.Clean()
	if diff := cmp.Diff([]int{3, 2, 1}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}

	// A second Clean must not rerun anything.
	cu.Clean()
	if len(order) != 3 {
		t.Errorf("Clean ran functions twice: %v", order)
	}
}

func TestRelease(t *testing.T) {
	released := false
	func() {
		cu := Make(func() { released = true })
		defer cu.Clean()
		cu.Release()
	}()
	if released {
		t.Fatalf("cleanup function ran after Release")
	}

	ran := 0
	cu := Make(func() { ran++ })
	cu.Add(func() { ran++ })
	later := cu.Release()
	cu.Clean()
	if ran != 0 {
		t.Fatalf("Clean ran %d functions after Release", ran)
	}
	later()
	if ran != 2 {
		t.Errorf("released function ran %d cleaners, want 2", ran)
	}
}

// Copyright 2024 The FPSpy Authors.
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

package fpcontext

import "testing"

func TestAllocFindFree(t *testing.T) {
	tbl := NewTable(4)

	c, err := tbl.Alloc(100, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if c.Tid != 100 || c.State != Init {
		t.Fatalf("Alloc produced %+v", c)
	}

	found, ok := tbl.Find(100)
	if !ok || found != c {
		t.Fatalf("Find(100) = %v, %v; want the allocated context", found, ok)
	}

	tbl.Free(100)
	if _, ok := tbl.Find(100); ok {
		t.Fatalf("Find(100) succeeded after Free")
	}
}

func TestAllocIdempotentPerTid(t *testing.T) {
	tbl := NewTable(4)
	c1, err := tbl.Alloc(7, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c2, err := tbl.Alloc(7, 0)
	if err != nil {
		t.Fatalf("Alloc (again): %v", err)
	}
	if c1 != c2 {
		t.Fatalf("Alloc(7) twice returned distinct contexts")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
}

func TestAllocFullTableFails(t *testing.T) {
	tbl := NewTable(2)
	if _, err := tbl.Alloc(1, 0); err != nil {
		t.Fatalf("Alloc(1): %v", err)
	}
	if _, err := tbl.Alloc(2, 0); err != nil {
		t.Fatalf("Alloc(2): %v", err)
	}
	if _, err := tbl.Alloc(3, 0); err == nil {
		t.Fatalf("Alloc(3) on a full table succeeded, want an error")
	}
}

func TestEachSnapshotsBeforeCalling(t *testing.T) {
	tbl := NewTable(4)
	tbl.Alloc(1, 0)
	tbl.Alloc(2, 0)

	var seen []int
	tbl.Each(func(c *Context) {
		seen = append(seen, c.Tid)
		tbl.Free(c.Tid) // must not deadlock against Each's own lock
	})
	if len(seen) != 2 {
		t.Fatalf("Each visited %d contexts, want 2", len(seen))
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d after freeing all contexts, want 0", tbl.Len())
	}
}

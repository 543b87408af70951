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

// Package fpcontext implements the monitoring-context table (spec.md §3,
// §4.2): one record per live traced thread, allocated by tid, released on
// thread exit or process teardown.
//
// The original guards its table with a hand-rolled CAS spinlock because
// its lookups happen inside an async-signal-handler context where taking a
// blocking mutex risks deadlock against the very signal it is handling.
// FPSpy-go's tracer is a separate process with no signal-handler
// reentrancy concern of that kind, so a plain sync.Mutex serves the same
// "never held across a syscall or blocking call" invariant (spec.md §5, §8
// invariant 5) without the busy-wait.
package fpcontext

import (
	"fmt"
	"sync"

	"github.com/fpspy/fpspy/internal/archfp"
	"github.com/fpspy/fpspy/internal/fptrace"
	"github.com/fpspy/fpspy/internal/sampler"
)

// State is the per-thread trap state machine state (spec.md §4.4).
type State int

const (
	Init State = iota
	AwaitFPE
	AwaitTrap
	Abort
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case AwaitFPE:
		return "AWAIT_FPE"
	case AwaitTrap:
		return "AWAIT_TRAP"
	case Abort:
		return "ABORT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Context is one live traced thread's monitoring state.
type Context struct {
	Tid  int
	Tgid int

	State          State
	AbortingInTrap bool
	StartTime      uint64

	// Trace is the INDIVIDUAL-mode per-event writer; nil in AGGREGATE mode.
	Trace *fptrace.IndividualWriter
	// Aggregate accumulates raised exceptions for AGGREGATE mode.
	Aggregate archfp.ExceptionSet

	Count     uint64
	TrapState archfp.TrapState

	// Sampler is non-nil only when FPSPY_POISSON is configured.
	Sampler *sampler.State

	OrigRoundConfig archfp.RoundConfig
}

// Table is the fixed-capacity monitoring-context table. The zero value is
// not usable; construct with NewTable.
type Table struct {
	mu       sync.Mutex
	slots    []*Context
	capacity int
}

// NewTable allocates a table with room for capacity concurrent threads
// (spec.md §3's MAX_CONTEXTS, configurable, default ≥1024).
func NewTable(capacity int) *Table {
	return &Table{slots: make([]*Context, 0, capacity), capacity: capacity}
}

// Find returns the context for tid, if any.
func (t *Table) Find(tid int) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.slots {
		if c.Tid == tid {
			return c, true
		}
	}
	return nil, false
}

// Alloc reserves a new context for tid. It returns an error when the table
// is at capacity (spec.md §8: "MAX_CONTEXTS+1 concurrent threads → thread
// MAX_CONTEXTS+1 runs unmonitored"); callers must treat that as this
// thread running unmonitored, not as a fatal error for the process.
func (t *Table) Alloc(tid int, startTime uint64) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.slots {
		if c.Tid == tid {
			return c, nil
		}
	}
	if len(t.slots) >= t.capacity {
		return nil, fmt.Errorf("fpcontext: table full at capacity %d", t.capacity)
	}
	c := &Context{Tid: tid, State: Init, StartTime: startTime}
	t.slots = append(t.slots, c)
	return c, nil
}

// Free releases tid's context, if present.
func (t *Table) Free(tid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.slots {
		if c.Tid == tid {
			t.slots[i] = t.slots[len(t.slots)-1]
			t.slots = t.slots[:len(t.slots)-1]
			return
		}
	}
}

// Len reports the number of live contexts, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Each calls fn for every live context. The table lock is held only long
// enough to snapshot the slice (spec.md §8 invariant 5: never held across
// a blocking call) — fn itself, used at teardown to flush/close remaining
// traces, runs lock-free.
func (t *Table) Each(fn func(*Context)) {
	t.mu.Lock()
	snapshot := make([]*Context, len(t.slots))
	copy(snapshot, t.slots)
	t.mu.Unlock()

	for _, c := range snapshot {
		fn(c)
	}
}

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

package tracer

import (
	"testing"

	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fpcontext"
)

func TestAbortIsOneWay(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Mode = fpconfig.Individual
	e := newTestEngine(t, cfg)
	c, _ := e.table.Alloc(1, 0)
	c.State = fpcontext.AwaitFPE

	if err := e.abort(1, c, false); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if c.State != fpcontext.Abort {
		t.Fatalf("State = %v, want Abort", c.State)
	}
	if !e.aborted.Load() {
		t.Fatalf("aborted flag not set")
	}

	// A second call (e.g. a surprise from another thread racing the first
	// abort) must be a no-op, not clobber the recorded state again.
	c.State = fpcontext.AwaitFPE
	if err := e.abort(1, c, false); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	if c.State != fpcontext.AwaitFPE {
		t.Fatalf("second abort call mutated State; abort must be one-way")
	}
}

func TestAbortAllUnmonitoredSetsFlag(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	e.abortAllUnmonitored(99)
	if !e.aborted.Load() {
		t.Fatalf("abortAllUnmonitored did not set the aborted flag")
	}
}

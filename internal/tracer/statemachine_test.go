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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fpcontext"
	"github.com/fpspy/fpspy/internal/outputdir"
)

func newTestEngine(t *testing.T, cfg *fpconfig.Config) *Engine {
	t.Helper()
	dir, err := outputdir.Open(t.TempDir())
	if err != nil {
		t.Fatalf("outputdir.Open: %v", err)
	}
	logger := logrus.New()
	logger.Out = logrusDiscard{}
	return &Engine{
		arch:      newFakeArch(),
		cfg:       cfg,
		table:     fpcontext.NewTable(16),
		outDir:    dir,
		logger:    logger,
		progname:  "testprog",
		timers:    make(map[int]time.Time),
		fastCodes: make(map[int]int32),
	}
}

func TestOnInitEntersAwaitFPE(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	c, err := e.table.Alloc(1, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := e.onInit(100, 1, c); err != nil {
		t.Fatalf("onInit: %v", err)
	}
	if c.State != fpcontext.AwaitFPE {
		t.Fatalf("State = %v, want AwaitFPE", c.State)
	}
	if c.Tgid != 100 {
		t.Fatalf("Tgid = %d, want 100", c.Tgid)
	}
}

func TestOnInitAggregateModeNeverUnmasksTraps(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default()) // Default's Mode is Aggregate
	c, _ := e.table.Alloc(1, 0)
	if err := e.onInit(100, 1, c); err != nil {
		t.Fatalf("onInit: %v", err)
	}
	fa := e.arch.(*fakeArch)
	if fa.unmaskCalls != 0 {
		t.Fatalf("UnmaskTraps called %d times in AGGREGATE mode, want 0", fa.unmaskCalls)
	}
}

func TestOnInitIndividualModeUnmasksTraps(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Mode = fpconfig.Individual
	e := newTestEngine(t, cfg)
	c, _ := e.table.Alloc(2, 0)
	if err := e.onInit(200, 2, c); err != nil {
		t.Fatalf("onInit: %v", err)
	}
	fa := e.arch.(*fakeArch)
	if fa.unmaskCalls != 1 {
		t.Fatalf("UnmaskTraps called %d times in INDIVIDUAL mode, want 1", fa.unmaskCalls)
	}
}

func TestOnInitIndividualModeOpensTraceFile(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Mode = fpconfig.Individual
	e := newTestEngine(t, cfg)
	c, _ := e.table.Alloc(2, 0)
	if err := e.onInit(200, 2, c); err != nil {
		t.Fatalf("onInit: %v", err)
	}
	if c.Trace == nil {
		t.Fatalf("Trace writer not opened in Individual mode")
	}
}

func TestOnBreakTrapUnmasksUnlessQuiesced(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.MaxCount = 3
	e := newTestEngine(t, cfg)
	c, _ := e.table.Alloc(3, 0)
	c.State = fpcontext.AwaitTrap
	c.Count = 2 // next increment reaches MaxCount

	if err := e.onBreakTrap(3, c); err != nil {
		t.Fatalf("onBreakTrap: %v", err)
	}
	if c.Count != 3 {
		t.Fatalf("Count = %d, want 3", c.Count)
	}
	if c.State != fpcontext.AwaitFPE {
		t.Fatalf("State = %v, want AwaitFPE", c.State)
	}
	fa := e.arch.(*fakeArch)
	if fa.unmaskCalls != 0 {
		t.Fatalf("UnmaskTraps called %d times once Count reached MaxCount, want 0", fa.unmaskCalls)
	}
}

func TestShouldEmitRespectsSamplePeriod(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Sample = 4
	e := newTestEngine(t, cfg)
	c := &fpcontext.Context{}

	var hits int
	for i := uint64(0); i < 8; i++ {
		c.Count = i
		if e.shouldEmit(c) {
			hits++
		}
	}
	if hits != 2 {
		t.Fatalf("shouldEmit fired %d times over 8 counts at period 4, want 2", hits)
	}
}

func TestShouldEmitDefaultsToEveryEvent(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Sample = 0
	e := newTestEngine(t, cfg)
	c := &fpcontext.Context{Count: 5}
	if !e.shouldEmit(c) {
		t.Fatalf("shouldEmit with Sample=0 must default to every event")
	}
}

func TestSurpriseAborts(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	c, _ := e.table.Alloc(4, 0)
	c.State = fpcontext.AwaitFPE

	if err := e.surprise(4, c, "unit test"); err != nil {
		t.Fatalf("surprise: %v", err)
	}
	if !e.aborted.Load() {
		t.Fatalf("surprise did not set the aborted flag")
	}
}

// logrusDiscard silences test output without pulling in io.Discard's own
// import just for this one use.
type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

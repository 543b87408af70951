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

	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fpcontext"
	"github.com/fpspy/fpspy/internal/sampler"
)

func TestScheduleTimerDueAfterInterval(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	e.scheduleTimer(1, 1) // 1us
	time.Sleep(2 * time.Millisecond)
	if !e.timerDue(1) {
		t.Fatalf("timer not due after its interval elapsed")
	}
}

func TestStopTimerRemovesDeadline(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	e.scheduleTimer(1, 1)
	e.stopTimer(1)
	time.Sleep(2 * time.Millisecond)
	if e.timerDue(1) {
		t.Fatalf("timerDue true after stopTimer removed the deadline")
	}
}

func TestArmSamplerNoopWithoutPoisson(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	c := &fpcontext.Context{}
	e.armSampler(5, c)
	if c.Sampler != nil {
		t.Fatalf("armSampler populated Sampler with FPSPY_POISSON unset")
	}
}

func TestArmSamplerStartsOn(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Poisson = &fpconfig.Poisson{OnMeanUS: 1000, OffMeanUS: 1000}
	e := newTestEngine(t, cfg)
	c := &fpcontext.Context{}
	e.armSampler(6, c)
	if c.Sampler == nil {
		t.Fatalf("armSampler did not initialize Sampler")
	}
	if c.Sampler.Phase != sampler.On {
		t.Fatalf("Sampler.Phase = %v, want On", c.Sampler.Phase)
	}
	if !deadlineSet(e, 6) {
		t.Fatalf("armSampler did not schedule a timer")
	}
}

func TestToggleSamplerAppliesImmediatelyInAwaitFPE(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Poisson = &fpconfig.Poisson{OnMeanUS: 1000, OffMeanUS: 1000}
	e := newTestEngine(t, cfg)
	c, _ := e.table.Alloc(7, 0)
	c.State = fpcontext.AwaitFPE
	e.armSampler(7, c)

	startPhase := c.Sampler.Phase
	e.toggleSampler(7, c)
	if c.Sampler.Phase == startPhase {
		t.Fatalf("toggleSampler did not flip phase")
	}
	if c.Sampler.DelayedProcessing {
		t.Fatalf("toggle while in AwaitFPE must not defer processing")
	}
}

func TestToggleSamplerDefersOutsideAwaitFPE(t *testing.T) {
	cfg := fpconfig.Default()
	cfg.Poisson = &fpconfig.Poisson{OnMeanUS: 1000, OffMeanUS: 1000}
	e := newTestEngine(t, cfg)
	c, _ := e.table.Alloc(8, 0)
	c.State = fpcontext.AwaitTrap
	e.armSampler(8, c)

	e.toggleSampler(8, c)
	if !c.Sampler.DelayedProcessing {
		t.Fatalf("toggle while not in AwaitFPE must set DelayedProcessing")
	}
}

func deadlineSet(e *Engine, tid int) bool {
	e.mu.Lock()
	_, ok := e.timers[tid]
	e.mu.Unlock()
	return ok
}

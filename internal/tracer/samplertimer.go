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
	"time"

	"github.com/fpspy/fpspy/internal/archfp"
	"github.com/fpspy/fpspy/internal/fpcontext"
	"github.com/fpspy/fpspy/internal/sampler"
)

// The original arms the Poisson sampler with setitimer(2) and a signal
// handler that runs on the target thread itself, so a toggle can always
// reach into the live FP-CSR no matter what the target was doing when the
// timer fired (spec.md §4.3's "delayed processing" is the rare exception:
// a nested alarm during an already-running handler).
//
// FPSpy-go has no handler running on the traced thread to deliver a signal
// to — ptrace requires every FPCSR read/write for a tid to issue from the
// tracer OS thread that is its tracer of record, not from a timer callback
// running on an arbitrary goroutine. So traceThread's wait4 loop polls with
// WNOHANG instead of blocking, and checks each tid's deadline on its own
// locked OS thread between polls. This turns the original's rare
// delayed-processing path into FPSpy-go's only path: any toggle that lands
// while the thread is not in AWAIT_FPE is deferred exactly as spec.md §4.3
// already describes, and applied by the next onBreakTrap.

// armSampler initializes c.Sampler when FPSPY_POISSON is configured and
// schedules its first toggle. Traps start unmasked at INIT, so the sampler
// begins in the On phase.
func (e *Engine) armSampler(tid int, c *fpcontext.Context) {
	if e.cfg.Poisson == nil {
		return
	}
	seed := uint64(e.cfg.Seed)
	if e.cfg.Seed < 0 {
		seed = e.arch.CycleCount()
	}
	s := sampler.New(seed, e.cfg.Poisson.OnMeanUS, e.cfg.Poisson.OffMeanUS)
	s.Phase = sampler.On
	c.Sampler = s
	e.scheduleTimer(tid, s.NextExponentialMicros(s.OnMeanUS))
}

// scheduleTimer records tid's next toggle deadline, clamping a zero draw to
// 1us so the timer is never disarmed outright.
func (e *Engine) scheduleTimer(tid int, intervalUS uint64) {
	if intervalUS == 0 {
		intervalUS = 1
	}
	e.mu.Lock()
	e.timers[tid] = time.Now().Add(time.Duration(intervalUS) * time.Microsecond)
	e.mu.Unlock()
}

// stopTimer removes tid's scheduled deadline, if any (thread exit).
func (e *Engine) stopTimer(tid int) {
	e.mu.Lock()
	delete(e.timers, tid)
	e.mu.Unlock()
}

// timerDue reports whether tid's deadline has passed.
func (e *Engine) timerDue(tid int) bool {
	e.mu.Lock()
	deadline, ok := e.timers[tid]
	e.mu.Unlock()
	return ok && !time.Now().Before(deadline)
}

// toggleSampler flips c.Sampler's phase and applies the resulting
// mask/unmask immediately if tid is parked in AWAIT_FPE; otherwise it leaves
// the phase alone and defers the whole toggle (spec.md §4.3's
// delayed_processing) for the next onBreakTrap to apply.
func (e *Engine) toggleSampler(tid int, c *fpcontext.Context) {
	if c.State != fpcontext.AwaitFPE {
		c.Sampler.DelayedProcessing = true
		return
	}
	_, maskTraps, intervalUS := c.Sampler.Toggle()

	if csr, err := e.arch.ReadFPCSR(tid); err == nil {
		if maskTraps {
			csr = e.arch.MaskTraps(csr, archfp.AllExceptions)
		} else {
			csr = e.arch.UnmaskTraps(csr, e.cfg.ExceptList)
		}
		if err := e.arch.WriteFPCSR(tid, csr); err != nil {
			e.logger.WithError(err).Warn("tracer: sampler toggle: WriteFPCSR")
		}
	}
	e.scheduleTimer(tid, intervalUS)
}

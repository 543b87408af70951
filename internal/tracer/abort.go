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
	"github.com/fpspy/fpspy/internal/archfp"
	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fpcontext"
	"github.com/fpspy/fpspy/internal/fptrace"
)

// abort runs the six-step disengagement protocol (spec.md §4.6, retargeted
// by SPEC_FULL.md §4.6): mask all traps, clear flags, stop intercepting the
// FP/seccomp stops for tid's thread group, mark the thread's context ABORT
// and push an abort record, then PTRACE_DETACH every known tid so the
// target runs free. No final PTRACE_SINGLESTEP is issued (see below).
func (e *Engine) abort(tid int, c *fpcontext.Context, fromBreakTrap bool) error {
	if e.aborted.Load() {
		return nil
	}
	e.aborted.Store(true)

	if csr, err := e.arch.ReadFPCSR(tid); err == nil {
		csr = e.arch.MaskTraps(csr, archfp.AllExceptions)
		csr = e.arch.ClearStickyFlags(csr)
		_ = e.arch.WriteFPCSR(tid, csr)
	}

	if e.cfg.Mode == fpconfig.Individual && c != nil {
		c.State = fpcontext.Abort
		c.AbortingInTrap = fromBreakTrap
		if c.Trace != nil {
			elapsed := e.arch.CycleCount() - c.StartTime
			if err := c.Trace.Write(fptrace.AbortRecord(elapsed)); err != nil {
				e.logger.WithError(err).Warn("tracer: write abort record")
			}
		}
	}

	// spec.md §4.6 steps 4-5 restore hardware state via one more
	// self-raised break-trap before detaching, needed because the original
	// hands control back to the target through a saved signal context that
	// must reflect the cleared/masked FP-CSR. FPSpy-go instead writes the
	// cleared FP-CSR directly via PTRACE_SETFPREGS above, so by the time
	// detachAll issues PTRACE_DETACH the tracee's live register state is
	// already the one the original's extra step would have produced.
	// fromBreakTrap is only recorded in c.AbortingInTrap; re-entry is
	// prevented by the aborted flag checked at the top.

	e.logger.WithFields(loggerFields(tid, c)).Warn("tracer: aborted")
	e.detachAll()
	return nil
}

// abortAllUnmonitored runs when the controller cannot locate or allocate a
// monitoring context for a stop at all (spec.md §7's "resource exhaustion"
// / "cannot locate a monitoring context in a handler" taxonomy entries):
// there is no context to mark, so only the global abort flag and detach
// happen.
func (e *Engine) abortAllUnmonitored(tid int) {
	if e.aborted.Load() {
		return
	}
	e.aborted.Store(true)
	e.logger.WithField("tid", tid).Warn("tracer: aborted: no monitoring context available")
	e.detachAll()
}

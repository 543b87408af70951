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
	"fmt"

	"github.com/fpspy/fpspy/internal/archfp"
	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fpcontext"
	"github.com/fpspy/fpspy/internal/fptrace"
	"github.com/fpspy/fpspy/internal/outputdir"
)

// onInit drives INIT → AWAIT_FPE (spec.md §4.4): arch thread bringup,
// snapshot the target's own rounding configuration, clear flags, unmask the
// configured trap set in INDIVIDUAL mode only, apply forced rounding if
// configured, disarm single-step. AGGREGATE mode never unmasks traps — per
// the original's bringup(), it only calls feenableexcept under
// "mode==INDIVIDUAL"; an aggregate-mode thread runs with every exception
// masked and its sticky flags are read directly from the live FP-CSR at its
// PTRACE_EVENT_EXIT stop (see onExitStop) rather than accumulated
// trap-by-trap. It also does the per-thread bringup spec.md §4.5 assigns to
// "thread spawn"/fork interception (new trace file, sampler arm), since
// FPSpy-go has no trampoline to do it ahead of time — the first trap on a
// previously-unseen tid is the only signal the tracer gets that the thread
// exists at all.
func (e *Engine) onInit(tgid, tid int, c *fpcontext.Context) error {
	c.Tgid = tgid
	if err := e.arch.ThreadInit(tid); err != nil {
		return fmt.Errorf("ThreadInit(%d): %w", tid, err)
	}
	csr, err := e.arch.ReadFPCSR(tid)
	if err != nil {
		return fmt.Errorf("ReadFPCSR(%d): %w", tid, err)
	}
	c.OrigRoundConfig = e.arch.DecodeRound(csr)

	if e.cfg.Mode == fpconfig.Individual {
		f, err := e.outDir.Create(e.progname, tid, outputdir.Individual)
		if err != nil {
			return fmt.Errorf("create trace file(%d): %w", tid, err)
		}
		c.Trace = fptrace.NewIndividualWriter(f)
		e.armSampler(tid, c)
	}

	csr = e.arch.ClearStickyFlags(csr)
	if e.cfg.Mode == fpconfig.Individual {
		csr = e.arch.UnmaskTraps(csr, e.cfg.ExceptList)
	}
	if e.cfg.ForceRounding != nil {
		csr = e.arch.EncodeRound(*e.cfg.ForceRounding, csr)
	}
	if err := e.arch.WriteFPCSR(tid, csr); err != nil {
		return fmt.Errorf("WriteFPCSR(%d): %w", tid, err)
	}
	if err := e.arch.ResetTrap(tid, &c.TrapState); err != nil {
		return fmt.Errorf("ResetTrap(%d): %w", tid, err)
	}
	c.State = fpcontext.AwaitFPE
	return nil
}

// onFPTrap drives AWAIT_FPE → AWAIT_TRAP on a delivered FP trap (spec.md
// §4.4): emit a TraceRecord (subject to sample_period), clear flags, mask
// traps so the re-executed faulting instruction does not re-fault, arm
// single-step on the following instruction. Only ever reached in INDIVIDUAL
// mode, since onInit leaves AGGREGATE-mode threads with every trap masked.
func (e *Engine) onFPTrap(tid int, c *fpcontext.Context) error {
	regs, err := e.arch.ReadRegs(tid)
	if err != nil {
		return fmt.Errorf("ReadRegs(%d): %w", tid, err)
	}
	csr, err := e.arch.ReadFPCSR(tid)
	if err != nil {
		return fmt.Errorf("ReadFPCSR(%d): %w", tid, err)
	}
	code, ok := e.takeFastCode(tid)
	if !ok {
		_, code, err = getSigInfo(tid)
		if err != nil {
			return fmt.Errorf("getSigInfo(%d): %w", tid, err)
		}
	}

	if e.shouldEmit(c) {
		if c.Trace != nil {
			var instr [archfp.MaxInstructionBytes]byte
			n, _ := e.arch.ReadInstructionBytes(tid, regs.IP, instr[:])
			_ = n
			rec := fptrace.Record{
				Time:        e.arch.CycleCount() - c.StartTime,
				RIP:         regs.IP,
				RSP:         regs.SP,
				Code:        code,
				MXCSR:       uint32(csr.Status),
				Instruction: instr,
			}
			if err := c.Trace.Write(rec); err != nil {
				e.logger.WithError(err).Warn("tracer: write trace record")
			}
		}
	}

	csr = e.arch.ClearStickyFlags(csr)
	csr = e.arch.MaskTraps(csr, e.cfg.ExceptList)
	if err := e.arch.WriteFPCSR(tid, csr); err != nil {
		return fmt.Errorf("WriteFPCSR(%d): %w", tid, err)
	}
	if err := e.arch.SetTrap(tid, regs.IP, &c.TrapState); err != nil {
		return fmt.Errorf("SetTrap(%d): %w", tid, err)
	}
	c.State = fpcontext.AwaitTrap
	return nil
}

// shouldEmit reports whether the current (pre-increment) count lands on a
// sample_period boundary (spec.md §4.4's "count % sample_period == 0").
func (e *Engine) shouldEmit(c *fpcontext.Context) bool {
	period := uint64(e.cfg.Sample)
	if period == 0 {
		period = 1
	}
	return c.Count%period == 0
}

// onBreakTrap drives AWAIT_TRAP → AWAIT_FPE on the single-step break
// (spec.md §4.4): increment count, clear flags, re-unmask unless maxcount
// has been reached, disarm single-step, then run any sampler toggle a
// preempted timer deferred.
func (e *Engine) onBreakTrap(tid int, c *fpcontext.Context) error {
	c.Count++
	csr, err := e.arch.ReadFPCSR(tid)
	if err != nil {
		return fmt.Errorf("ReadFPCSR(%d): %w", tid, err)
	}
	csr = e.arch.ClearStickyFlags(csr)

	quiesced := e.cfg.MaxCount != -1 && int64(c.Count) >= e.cfg.MaxCount
	if !quiesced {
		csr = e.arch.UnmaskTraps(csr, e.cfg.ExceptList)
	}
	if err := e.arch.WriteFPCSR(tid, csr); err != nil {
		return fmt.Errorf("WriteFPCSR(%d): %w", tid, err)
	}
	if err := e.arch.ResetTrap(tid, &c.TrapState); err != nil {
		return fmt.Errorf("ResetTrap(%d): %w", tid, err)
	}
	c.State = fpcontext.AwaitFPE

	if c.Sampler != nil && c.Sampler.DelayedProcessing {
		e.toggleSampler(tid, c)
	}
	return nil
}

// surprise handles any transition §4.4 does not otherwise define (an FP
// trap while AWAIT_TRAP, a break-trap while AWAIT_FPE with no INIT
// pending, or a failed INIT bringup): clear flags,
// mask traps, disarm single-step, then enter abort — fatal for this thread
// only, per spec.md §7's "surprise state" taxonomy entry.
func (e *Engine) surprise(tid int, c *fpcontext.Context, reason string) error {
	e.logger.WithFields(loggerFields(tid, c)).Warnf("tracer: surprise transition: %s", reason)
	if csr, err := e.arch.ReadFPCSR(tid); err == nil {
		csr = e.arch.ClearStickyFlags(csr)
		csr = e.arch.MaskTraps(csr, archfp.AllExceptions)
		_ = e.arch.WriteFPCSR(tid, csr)
	}
	_ = e.arch.ResetTrap(tid, &c.TrapState)
	return e.abort(tid, c, false)
}

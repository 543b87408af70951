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
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/fpspy/fpspy/internal/archfp"
	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fpcontext"
	"github.com/fpspy/fpspy/internal/fptrace"
	"github.com/fpspy/fpspy/internal/kernelfast"
	"github.com/fpspy/fpspy/internal/outputdir"
)

// Engine is the controller/lifecycle object (spec.md §4.7, retargeted by
// SPEC_FULL.md §4.7 to a tracer-process lifecycle): it owns the
// monitoring-context table, the arch backend, configuration, output
// directory and the per-tid event-loop goroutines.
type Engine struct {
	arch     archfp.Arch
	cfg      *fpconfig.Config
	table    *fpcontext.Table
	outDir   *outputdir.Dir
	logger   *logrus.Logger
	progname string

	aborted atomic.Bool

	// mu guards timers and fastCodes: per-tid state that one goroutine
	// (traceThread, or pumpFastPath) writes and another (traceThread) reads
	// across goroutine boundaries. traceThread is the only reader and
	// writer of any given tid's timers entry after arming; fastCodes is
	// written by pumpFastPath and consumed by onFPTrap on the owning tid's
	// goroutine.
	mu        sync.Mutex
	timers    map[int]time.Time
	fastCodes map[int]int32

	fast *kernelfast.FastPath

	group *errgroup.Group
}

// NewEngine builds an Engine ready to Run a Subprocess.
func NewEngine(cfg *fpconfig.Config, outDir *outputdir.Dir, logger *logrus.Logger, progname string) *Engine {
	return &Engine{
		arch:      archfp.Current,
		cfg:       cfg,
		table:     fpcontext.NewTable(1024),
		outDir:    outDir,
		logger:    logger,
		progname:  progname,
		timers:    make(map[int]time.Time),
		fastCodes: make(map[int]int32),
	}
}

// Run drives sp's wait4 loop to completion: one goroutine per traced OS
// thread (SPEC_FULL.md §5, grounded on pkg/sentry/platform/ptrace's
// locked-OS-thread-per-tracee model — ptrace stops may only be consumed by
// the thread that is the tracer of record for that tid), fanned out and
// joined with an errgroup, the idiomatic replacement for the original's
// implicit "all target threads run to completion" join.
func (e *Engine) Run(sp *Subprocess) error {
	if e.cfg.Mode == fpconfig.Individual && !e.arch.MachineSupportsFPTraps() {
		return fmt.Errorf("tracer: INDIVIDUAL mode needs FP trap delivery, which %s does not support", e.arch.Name())
	}
	if err := e.arch.ProcessInit(); err != nil {
		return fmt.Errorf("tracer: ProcessInit: %w", err)
	}
	defer e.arch.ProcessDeinit()

	if e.cfg.Kernel {
		fp, err := kernelfast.Open(e.cfg.KernelObject, sp.Tgid)
		if err != nil {
			e.logger.WithError(err).Debug("tracer: kernel fast path unavailable, falling back to ptrace")
		} else {
			e.fast = fp
			go e.pumpFastPath()
			defer fp.Close()
		}
	}

	var g errgroup.Group
	e.group = &g
	g.Go(func() error {
		return e.traceThread(sp.Tgid, sp.Tgid, true)
	})
	err := g.Wait()
	// Threads that never reached onThreadExit (every thread still live at
	// an abort) keep their contexts; finalize them so buffered trace
	// records, the abort record included, reach their files.
	e.table.Each(e.finalizeContext)
	return err
}

// pollInterval bounds how late a sampler toggle can land relative to its
// drawn interval: traceThread checks for a due timer once per interval
// instead of blocking in wait4 (see samplertimer.go for why).
const pollInterval = 2 * time.Millisecond

// traceThread is the per-tid event loop: it must run on a single locked OS
// thread for its entire lifetime (every ptrace(2) call for tid must issue
// from the thread that is its tracer of record). It polls wait4 with
// WNOHANG rather than blocking so that a due sampler-toggle deadline can be
// applied in between stops without ever touching ptrace state from another
// goroutine.
func (e *Engine) traceThread(tgid, tid int, firstStop bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(tid, &ws, unix.WNOHANG, nil)
		if err != nil {
			return fmt.Errorf("tracer: wait4(%d): %w", tid, err)
		}
		if wpid == 0 {
			if e.timerDue(tid) {
				if c, ok := e.table.Find(tid); ok && c.Sampler != nil {
					e.toggleSampler(tid, c)
				}
			}
			time.Sleep(pollInterval)
			continue
		}
		if ws.Exited() || ws.Signaled() {
			e.onThreadExit(tgid, tid)
			return nil
		}
		if !ws.Stopped() {
			continue
		}

		if err := e.handleStop(tgid, wpid, ws, firstStop); err != nil {
			e.logger.WithError(err).WithField("tid", wpid).Error("tracer: handleStop")
		}
		firstStop = false

		if e.aborted.Load() {
			// abort's detachAll already issued PTRACE_DETACH for every
			// known tid; this goroutine's job is done.
			return nil
		}
	}
}

// handleStop dispatches one ptrace stop to the state machine, a
// PTRACE_EVENT_* handler, or the seccomp rt_sigaction interceptor.
func (e *Engine) handleStop(tgid, tid int, ws unix.WaitStatus, firstStop bool) error {
	if firstStop {
		if err := unix.PtraceSetOptions(tid, traceOptions); err != nil {
			return fmt.Errorf("set options(%d): %w", tid, err)
		}
	}

	sig := ws.StopSignal()
	trapCause := ws.TrapCause()

	switch {
	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_CLONE,
		sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_FORK,
		sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_VFORK:
		return e.onNewThread(tgid, tid)

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXEC:
		return e.onExec(tgid, tid)

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_SECCOMP:
		return e.onSeccompStop(tgid, tid)

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXIT:
		return e.onExitStop(tid)

	case sig == unix.SIGFPE:
		return e.dispatchFPTrap(tgid, tid)

	case sig == unix.SIGTRAP:
		return e.dispatchBreakTrap(tgid, tid)

	default:
		// Any other signal is none of FPSpy-go's business: forward it
		// unchanged so the target observes it exactly as if untraced.
		return unix.PtraceCont(tid, int(sig))
	}
}

func (e *Engine) dispatchFPTrap(tgid, tid int) error {
	c, err := e.table.Alloc(tid, e.arch.CycleCount())
	if err != nil {
		e.abortAllUnmonitored(tid)
		return err
	}
	if c.State == fpcontext.Init {
		if err := e.onInit(tgid, tid, c); err != nil {
			return e.surprise(tid, c, "INIT bringup failed on FP trap: "+err.Error())
		}
	}
	if c.State != fpcontext.AwaitFPE {
		return e.surprise(tid, c, fmt.Sprintf("FP trap while in state %s", c.State))
	}
	if err := e.onFPTrap(tid, c); err != nil {
		return e.surprise(tid, c, "onFPTrap: "+err.Error())
	}
	return e.resumeAfterSetTrap(tid)
}

// resumeAfterSetTrap resumes tid immediately after arch.SetTrap armed the
// break-trap that catches the next instruction. On amd64/arm64,
// PTRACE_SINGLESTEP both sets the hardware single-step bit and resumes in
// one call, so that is the correct continuation primitive; SetTrap there
// only records bookkeeping (see HasHardwareSingleStep's doc comment). On
// riscv64, SetTrap already patched a breakpoint word into the tracee's
// text, so a plain PTRACE_CONT is what carries it into that word.
func (e *Engine) resumeAfterSetTrap(tid int) error {
	if e.arch.HasHardwareSingleStep() {
		return unix.PtraceSingleStep(tid)
	}
	return unix.PtraceCont(tid, 0)
}

func (e *Engine) dispatchBreakTrap(tgid, tid int) error {
	c, ok := e.table.Find(tid)
	if !ok || c.State == fpcontext.Init {
		if !ok {
			var err error
			if c, err = e.table.Alloc(tid, e.arch.CycleCount()); err != nil {
				e.abortAllUnmonitored(tid)
				return err
			}
		}
		if err := e.onInit(tgid, tid, c); err != nil {
			return e.surprise(tid, c, "INIT bringup failed on break-trap: "+err.Error())
		}
		return unix.PtraceCont(tid, 0)
	}
	if c.State != fpcontext.AwaitTrap {
		return e.surprise(tid, c, fmt.Sprintf("break-trap while in state %s", c.State))
	}
	if err := e.onBreakTrap(tid, c); err != nil {
		return e.surprise(tid, c, "onBreakTrap: "+err.Error())
	}
	return unix.PtraceCont(tid, 0)
}

// onExitStop handles PTRACE_EVENT_EXIT, the last point at which tid's
// registers are still readable before the thread actually dies. AGGREGATE
// mode never unmasks traps (onInit), so its sticky exception flags are
// never observed via a trap; this is where they are finally read, mirroring
// the original's handle_aggregate_thread_exit/stringify_current_fe_exceptions
// reading the live fenv state at thread exit rather than at some earlier
// trap.
func (e *Engine) onExitStop(tid int) error {
	if e.cfg.Mode == fpconfig.Aggregate {
		if c, ok := e.table.Find(tid); ok {
			if csr, err := e.arch.ReadFPCSR(tid); err == nil {
				c.Aggregate |= csr.Status
			}
		}
	}
	return unix.PtraceCont(tid, 0)
}

func (e *Engine) onThreadExit(tgid, tid int) {
	c, ok := e.table.Find(tid)
	if ok {
		e.finalizeContext(c)
	}
	e.table.Free(tid)
	e.stopTimer(tid)
}

// finalizeContext flushes/closes an INDIVIDUAL-mode trace or writes an
// AGGREGATE-mode summary file, mirroring the original's intercepted
// thread-exit behavior (spec.md §4.5).
func (e *Engine) finalizeContext(c *fpcontext.Context) {
	if e.cfg.Mode == fpconfig.Individual {
		if c.Trace != nil {
			if err := c.Trace.Close(); err != nil {
				e.logger.WithError(err).Warn("tracer: close trace file")
			}
		}
		return
	}
	f, err := e.outDir.Create(e.progname, c.Tid, outputdir.Aggregate)
	if err != nil {
		e.logger.WithError(err).Warn("tracer: create aggregate file")
		return
	}
	defer f.Close()
	if err := writeAggregateFile(f, c, e.aborted.Load()); err != nil {
		e.logger.WithError(err).Warn("tracer: write aggregate file")
	}
}

// detachAll issues PTRACE_DETACH for every tid the engine has ever seen a
// stop for, letting the target (or whatever of it survives) run free of
// the tracer — the ptrace-native equivalent of spec.md §4.6's "the target
// never observes FPSpy after abort."
func (e *Engine) detachAll() {
	e.table.Each(func(c *fpcontext.Context) {
		_ = unix.PtraceDetach(c.Tid)
	})
}

// writeAggregateFile renders c's accumulated exception set as one
// AGGREGATE-mode output line.
func writeAggregateFile(f *os.File, c *fpcontext.Context, aborted bool) error {
	return fptrace.WriteAggregate(f, c.Aggregate, aborted)
}

func loggerFields(tid int, c *fpcontext.Context) logrus.Fields {
	f := logrus.Fields{"tid": tid}
	if c != nil {
		f["tgid"] = c.Tgid
		f["state"] = c.State.String()
	}
	return f
}

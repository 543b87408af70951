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

// Package tracer is FPSpy-go's core: the subprocess controller, the
// per-thread trap state machine (SPEC_FULL.md §4.4), the syscall/register
// interception layer that replaces the original's libc symbol interposition
// (§4.5), and the abort protocol (§4.6).
//
// Unlike the teacher's pkg/sentry/platform/ptrace, whose stub subprocess
// never execs a distinct binary (it only ever forks copies of the sentry's
// own address space to host borrowed page tables), FPSpy-go's "run" mode
// always traces a freshly exec'd, independently-built target. That
// difference is what lets subprocess creation use Go's standard
// os/exec + SysProcAttr{Ptrace: true} instead of the teacher's hand-rolled
// raw-clone forkStub: os/exec's PTRACE_TRACEME-then-exec dance already
// leaves the tracer attached at the target's first post-exec instruction,
// which is exactly the INIT state's entry point (SPEC_FULL.md §4.7).
package tracer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/fpspy/fpspy/internal/archfp"
)

// seizeTimeout bounds how long Seize retries PTRACE_SEIZE against a pid that
// is transiently unattachable (ESRCH while the target is mid-fork, EPERM
// before a race with the target's own setuid finishes). Grounded on
// runsc/sandbox.go's waitForStopped, which retries a condition against a
// ctx-bounded backoff.WithContext rather than looping by hand.
const seizeTimeout = 2 * time.Second

// traceOptions are the PTRACE_O_* flags every tracee in this tracer is
// configured with (SPEC_FULL.md §4.5): clone/fork/vfork/exec are all
// followed automatically rather than requiring a second attach race,
// PTRACE_O_TRACESECCOMP turns the run-mode filter's SECCOMP_RET_TRACE hits
// into PTRACE_EVENT_SECCOMP stops, and PTRACE_O_EXITKILL ensures an aborted
// tracer run does not leak orphaned targets.
const traceOptions = unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESECCOMP |
	unix.PTRACE_O_EXITKILL

// Subprocess is a single traced target: one or more OS threads (tids) all
// belonging to the same thread group (tgid), monitored by one Engine.
type Subprocess struct {
	Tgid int
	arch archfp.Arch
}

// Launch starts argv under PTRACE_TRACEME+exec and returns once the target
// has stopped at its first post-exec instruction (spec.md's load-time
// INIT, here the ptrace-native equivalent).
func Launch(argv []string, stdin, stdout, stderr *os.File) (*Subprocess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("tracer: Launch: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tracer: Launch %v: %w", argv, err)
	}
	tgid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(tgid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("tracer: Launch: initial wait4: %w", err)
	}
	if !ws.Stopped() {
		return nil, fmt.Errorf("tracer: Launch: target did not stop at exec (status %v)", ws)
	}
	if err := unix.PtraceSetOptions(tgid, traceOptions); err != nil {
		return nil, fmt.Errorf("tracer: Launch: set options: %w", err)
	}
	// Best effort: on amd64 this installs the rt_sigaction trace-only
	// filter before any tracee instruction has run, so FPSPY_AGGRESSIVE
	// can later detect the target installing its own FP-trap/break-trap
	// signal handlers (onSeccompStop). inject_stub.go's non-amd64 stub
	// always errors here; Launch still succeeds, just without that one
	// enforcement mechanism on those architectures.
	_ = installRunModeSeccomp(tgid)
	return &Subprocess{Tgid: tgid, arch: archfp.Current}, nil
}

// Seize PTRACE_SEIZEs an already-running pid (SPEC_FULL.md §6's `fpspy
// attach`). Unlike Launch, no seccomp-based rt_sigaction interception is
// available here: the target has already run past whatever instant the
// filter would need to be installed before, so FPSPY_AGGRESSIVE's
// rt_sigaction enforcement is a run-mode-only feature (see inject_amd64.go).
func Seize(pid int) (*Subprocess, error) {
	ctx, cancel := context.WithTimeout(context.Background(), seizeTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(50*time.Millisecond), ctx)
	op := func() error {
		return unix.PtraceSeize(pid, traceOptions)
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("tracer: Seize(%d): %w", pid, err)
	}
	return &Subprocess{Tgid: pid, arch: archfp.Current}, nil
}

// installRunModeSeccomp installs the rt_sigaction-trace-only filter at the
// target's first post-exec stop (Launch callers only; see Seize's doc
// comment). auditArch must match the running architecture; callers select
// it via runtimeAuditArch().
func installRunModeSeccomp(tid int) error {
	arch, nrs := runtimeAuditArch()
	if arch == 0 {
		return fmt.Errorf("tracer: no seccomp audit arch mapping for this GOARCH")
	}
	prog := buildTraceFilter(arch, nrs)
	return injectSeccompFilter(tid, prog)
}

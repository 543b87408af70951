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

//go:build linux && amd64

package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// injectSeccompFilter runs SECCOMP_SET_MODE_FILTER inside tid, which must
// be stopped at its very first post-execve trap (before any target
// instruction, including the dynamic linker's, has run). It works the same
// way internal/archfp's riscv64 breakpoint-word patch does: overwrite the
// instruction at the current IP with a tiny "syscall; int3" sequence,
// PTRACE_CONT to let the tracee execute exactly that, catch the resulting
// SIGTRAP on the injected int3, then restore the original bytes and
// registers before resuming normal execution. This lets a seccomp-ptrace
// filter for rt_sigaction (the one §4.5 syscall native ptrace options
// cannot trace directly) be installed in an arbitrary target the tracer
// did not hand-write the bootstrap code for, unlike the teacher's stub
// process which only ever forks its own known entry point.
func injectSeccompFilter(tid int, prog []unix.SockFilter) error {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &saved); err != nil {
		return fmt.Errorf("tracer: inject: getregs: %w", err)
	}

	const patchLen = 3 // 0f 05 (syscall) + cc (int3)
	origBytes, err := readWord(tid, saved.Rip)
	if err != nil {
		return fmt.Errorf("tracer: inject: read original bytes: %w", err)
	}

	patched := origBytes
	patched[0], patched[1], patched[2] = 0x0f, 0x05, 0xcc
	if err := writeWord(tid, saved.Rip, patched); err != nil {
		return fmt.Errorf("tracer: inject: patch syscall stub: %w", err)
	}
	defer writeWord(tid, saved.Rip, origBytes)

	fprog := unix.SockFprog{Len: uint16(len(prog)), Filter: &prog[0]}
	addr, err := mapSockFprog(tid, &fprog)
	if err != nil {
		return err
	}
	defer unmapSockFprog(tid, addr)

	regs := saved
	regs.Rax = unix.SYS_PRCTL
	regs.Rdi = unix.PR_SET_NO_NEW_PRIVS
	regs.Rsi = 1
	regs.Rdx = 0
	if err := runInjected(tid, &saved, &regs); err != nil {
		return fmt.Errorf("tracer: inject: prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}

	regs = saved
	regs.Rax = unix.SYS_SECCOMP
	regs.Rdi = seccompSetModeFilter
	regs.Rsi = 0
	regs.Rdx = addr
	if err := runInjected(tid, &saved, &regs); err != nil {
		return fmt.Errorf("tracer: inject: seccomp(SECCOMP_SET_MODE_FILTER): %w", err)
	}

	return unix.PtraceSetRegs(tid, &saved)
}

// runInjected programs regs (syscall number + arguments already set, Rip
// pointing at the patched "syscall; int3"), single-continues the tracee
// through exactly one syscall, waits for the int3 trap, and restores regs
// to its pre-call state (any return value the caller needs must be read
// from the post-syscall, pre-int3 register snapshot before this returns —
// callers here only care about success/failure).
func runInjected(tid int, restoreTo, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return fmt.Errorf("setregs: %w", err)
	}
	if err := unix.PtraceCont(tid, 0); err != nil {
		return fmt.Errorf("cont: %w", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return fmt.Errorf("wait4: %w", err)
	}
	if !ws.Stopped() {
		return fmt.Errorf("unexpected wait status %v after injected syscall", ws)
	}
	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &after); err != nil {
		return fmt.Errorf("getregs after injected call: %w", err)
	}
	// A negative return value in the [-4095, -1] range is -errno by Linux
	// syscall convention.
	ret := int64(after.Rax)
	if ret < 0 && ret >= -4095 {
		return fmt.Errorf("injected syscall returned errno %d", -ret)
	}
	return unix.PtraceSetRegs(tid, restoreTo)
}

func readWord(tid int, addr uint64) ([3]byte, error) {
	var out [3]byte
	b, err := readRemoteBytesPublic(tid, addr, 3)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func writeWord(tid int, addr uint64, data [3]byte) error {
	return writeRemoteBytes(tid, addr, data[:])
}

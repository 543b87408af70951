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
	"golang.org/x/sys/unix"
)

// Classic BPF opcodes and seccomp constants not exposed as typed helpers by
// golang.org/x/sys/unix. The teacher's own pkg/seccomp (a gVisor-side BPF
// rule compiler) was not part of the subset of files copied into this tree
// — see DESIGN.md — so the small, fixed filter §4.5 needs is hand-assembled
// directly against x/sys/unix's raw SockFilter/SockFprog types instead.
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRet = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00

	seccompRetTrace = 0x7ff00000
	seccompRetAllow = 0x7fff0000

	seccompSetModeFilter = 1
	seccompFilterFlagTSync = 1

	auditArchX86_64  = 0xc000003e
	auditArchAARCH64 = 0xc00000b7
	auditArchRISCV64 = 0xc00000f3
)

func stmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k}
}

func jump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// buildTraceFilter assembles a BPF program that returns SECCOMP_RET_TRACE
// for any syscall in nrs when the running architecture matches auditArch,
// and SECCOMP_RET_ALLOW for everything else. installRunModeSeccomp passes
// runtimeAuditArch's list, which is rt_sigaction alone; clone/fork/vfork/
// execve are reported through traceOptions' PTRACE_O_TRACE* flags instead.
func buildTraceFilter(auditArch uint32, nrs []uint32) []unix.SockFilter {
	// offsetof(struct seccomp_data, arch) == 4, nr == 0.
	prog := []unix.SockFilter{
		stmt(bpfLD|bpfW|bpfABS, 4),
	}
	// Jump past the wrong-arch ALLOW return only when arch matches.
	prog = append(prog, jump(bpfJMP|bpfJEQ|bpfK, auditArch, 1, 0))
	prog = append(prog, stmt(bpfRet, seccompRetAllow)) // wrong arch: allow natively, don't trace
	prog = append(prog, stmt(bpfLD|bpfW|bpfABS, 0))    // load nr

	for _, nr := range nrs {
		// jt=0 means "fall through to the RET TRACE right below"; jf skips
		// over it to the next comparison (or the trailing default RET).
		prog = append(prog, jump(bpfJMP|bpfJEQ|bpfK, nr, 0, 1))
		prog = append(prog, stmt(bpfRet, seccompRetTrace))
	}
	prog = append(prog, stmt(bpfRet, seccompRetAllow))
	return prog
}


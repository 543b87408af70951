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

	"golang.org/x/sys/unix"
)

// runFilter is a tiny classic-BPF interpreter covering exactly the
// instructions buildTraceFilter emits (ld/jeq/ret), enough to check the
// program's behavior without a real seccomp(2) call.
func runFilter(prog []unix.SockFilter, arch, nr uint32) uint32 {
	data := map[uint32]uint32{0: nr, 4: arch}
	var acc uint32
	pc := 0
	for pc < len(prog) {
		ins := prog[pc]
		switch ins.Code {
		case bpfLD | bpfW | bpfABS:
			acc = data[ins.K]
			pc++
		case bpfJMP | bpfJEQ | bpfK:
			if acc == ins.K {
				pc += 1 + int(ins.Jt)
			} else {
				pc += 1 + int(ins.Jf)
			}
		case bpfRet:
			return ins.K
		default:
			pc++
		}
	}
	return 0
}

func TestBuildTraceFilterTracesListedSyscall(t *testing.T) {
	prog := buildTraceFilter(auditArchX86_64, []uint32{13, 59})
	if got := runFilter(prog, auditArchX86_64, 13); got != seccompRetTrace {
		t.Fatalf("nr=13: got %#x, want SECCOMP_RET_TRACE", got)
	}
	if got := runFilter(prog, auditArchX86_64, 59); got != seccompRetTrace {
		t.Fatalf("nr=59: got %#x, want SECCOMP_RET_TRACE", got)
	}
}

func TestBuildTraceFilterAllowsUnlistedSyscall(t *testing.T) {
	prog := buildTraceFilter(auditArchX86_64, []uint32{13})
	if got := runFilter(prog, auditArchX86_64, 0); got != seccompRetAllow {
		t.Fatalf("nr=0 (read): got %#x, want SECCOMP_RET_ALLOW", got)
	}
}

func TestBuildTraceFilterAllowsWrongArch(t *testing.T) {
	prog := buildTraceFilter(auditArchX86_64, []uint32{13})
	if got := runFilter(prog, auditArchAARCH64, 13); got != seccompRetAllow {
		t.Fatalf("arch mismatch: got %#x, want SECCOMP_RET_ALLOW (never trace a foreign arch's nr 13)", got)
	}
}

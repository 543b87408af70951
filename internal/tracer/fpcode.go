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
	"unsafe"

	"golang.org/x/sys/unix"
)

// FPE sub-cause codes, as delivered by the kernel in siginfo_t.si_code for a
// SIGFPE (spec.md §6). Values are fixed by the Linux UAPI (asm-generic/
// siginfo.h) and never change.
const (
	FPEIntDiv int32 = 1
	FPEIntOvf int32 = 2
	FPEFltDiv int32 = 3
	FPEFltOvf int32 = 4
	FPEFltUnd int32 = 5
	FPEFltRes int32 = 6
	FPEFltInv int32 = 7
	FPEFltSub int32 = 8
)

const ptraceGetSigInfo = 0x4202

// getSigInfo reads the stopped tracee's pending siginfo_t via
// PTRACE_GETSIGINFO, returning (signo, code). The layout's first three
// 32-bit words (si_signo, si_errno, si_code) are ABI-stable across every
// siginfo_t variant, which is all the trap engine needs.
func getSigInfo(tid int) (signo, code int32, err error) {
	var raw [128]byte
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetSigInfo, uintptr(tid), 0, uintptr(unsafe.Pointer(&raw[0])), 0, 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("PTRACE_GETSIGINFO(tid=%d): %w", tid, errno)
	}
	signo = int32(raw[0]) | int32(raw[1])<<8 | int32(raw[2])<<16 | int32(raw[3])<<24
	code = int32(raw[8]) | int32(raw[9])<<8 | int32(raw[10])<<16 | int32(raw[11])<<24
	return signo, code, nil
}

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

package archfp

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// user_fpregs_struct (x86_64 Linux, struct user_fpregs_struct in
// <sys/user.h>) is a fixed 512-byte FXSAVE-layout image. mxcsr sits at byte
// offset 24, after cwd/swd/ftw/fop (2 bytes each) and rip/rdp (8 bytes
// each).
const (
	userFPRegsSize  = 512
	mxcsrByteOffset = 24
)

func getMXCSR(tid int) (uint32, error) {
	var buf [userFPRegsSize]byte
	if err := rawPtrace(ptraceGetFPRegs, tid, 0, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return 0, fmt.Errorf("PTRACE_GETFPREGS(tid=%d): %w", tid, err)
	}
	return binary.LittleEndian.Uint32(buf[mxcsrByteOffset:]), nil
}

func setMXCSR(tid int, mxcsr uint32) error {
	var buf [userFPRegsSize]byte
	if err := rawPtrace(ptraceGetFPRegs, tid, 0, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("PTRACE_GETFPREGS(tid=%d): %w", tid, err)
	}
	binary.LittleEndian.PutUint32(buf[mxcsrByteOffset:], mxcsr)
	if err := rawPtrace(ptraceSetFPRegs, tid, 0, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("PTRACE_SETFPREGS(tid=%d): %w", tid, err)
	}
	return nil
}

// rdtscAMD64 stamps TraceRecord.Time. A true RDTSC read only the target's
// own execution would need hand-written assembly issued cross-process,
// which ptrace cannot do; CLOCK_MONOTONIC is shared hardware-backed time on
// the same host and serves the same purpose (a fast, monotonic count since
// a context's start_time) without it.
func rdtscAMD64() uint64 { return monotonicNanos() }

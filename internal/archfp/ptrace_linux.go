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

//go:build linux

package archfp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrace requests not exposed by golang.org/x/sys/unix's typed wrappers.
// Values from <sys/ptrace.h> / <linux/ptrace.h>; never change.
const (
	ptraceGetFPRegs  = 14
	ptraceSetFPRegs  = 15
	ptracePeekText   = 1
	ptracePokeText   = 4
	ptraceGetRegSet  = 0x4204
	ptraceSetRegSet  = 0x4205
)

// rawPtrace issues ptrace(2) directly; golang.org/x/sys/unix only wraps a
// subset of requests with typed signatures (PtraceGetRegs etc.), and
// FP-register access needs the untyped form.
func rawPtrace(request uintptr, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, request, uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace(req=%d, tid=%d): %w", request, tid, errno)
	}
	return nil
}

func peekText(tid int, addr uint64) (uint64, error) {
	var word uint64
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptracePeekText, uintptr(tid), uintptr(addr), uintptr(unsafe.Pointer(&word)), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("PTRACE_PEEKTEXT(tid=%d, addr=%#x): %w", tid, addr, errno)
	}
	return word, nil
}

func pokeText(tid int, addr uint64, word uint64) error {
	return rawPtrace(ptracePokeText, tid, uintptr(addr), uintptr(word))
}

// readRemoteBytes copies n bytes from the tracee's address space starting at
// addr, preferring /proc/<tid>/mem (bulk, no word-alignment dance) and
// falling back to PTRACE_PEEKTEXT word-at-a-time when /proc is unavailable
// (e.g. the tracer lacks permission to reopen it for a tracee it does not
// own the mount namespace of).
func readRemoteBytes(tid int, addr uint64, n int) ([]byte, error) {
	if b, err := readRemoteBytesProcMem(tid, addr, n); err == nil {
		return b, nil
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		w, err := peekText(tid, addr+uint64(len(out)))
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(w >> (8 * i))
		}
		remaining := n - len(out)
		if remaining > 8 {
			remaining = 8
		}
		out = append(out, buf[:remaining]...)
	}
	return out, nil
}

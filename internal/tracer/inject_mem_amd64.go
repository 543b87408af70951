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
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// stackScratchSlack is how far below the tracee's current stack pointer the
// injected SockFprog + filter program are written. The tracee is stopped at
// its very first post-execve instruction, so everything below its initial
// SP is unused stack space reserved by the kernel's exec setup — writing
// here does not clobber argv/envp/auxv, which all live above SP.
const stackScratchSlack = 4096

// mapSockFprog writes fprog's filter array and the SockFprog header itself
// into tid's stack red zone and returns the address of the header, suitable
// as the third argument to an injected SECCOMP_SET_MODE_FILTER syscall. The
// tracer's own SockFprog.Filter pointer is only valid in the tracer's
// address space; the syscall runs in the tracee, so both the array and the
// header must be copied into tracee memory first.
func mapSockFprog(tid int, fprog *unix.SockFprog) (uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, fmt.Errorf("tracer: mapSockFprog: getregs: %w", err)
	}

	filterBytes := unsafe.Slice((*byte)(unsafe.Pointer(fprog.Filter)), int(fprog.Len)*8)
	filterAddr := regs.Rsp - stackScratchSlack
	if err := writeRemoteBytes(tid, filterAddr, filterBytes); err != nil {
		return 0, fmt.Errorf("tracer: mapSockFprog: write filter: %w", err)
	}

	hdrAddr := filterAddr - 16
	var hdr [16]byte
	hdr[0] = byte(fprog.Len)
	hdr[1] = byte(fprog.Len >> 8)
	// hdr[2:8] padding to match SockFprog's natural alignment.
	for i := 0; i < 8; i++ {
		hdr[8+i] = byte(filterAddr >> (8 * i))
	}
	if err := writeRemoteBytes(tid, hdrAddr, hdr[:]); err != nil {
		return 0, fmt.Errorf("tracer: mapSockFprog: write header: %w", err)
	}
	return hdrAddr, nil
}

// unmapSockFprog is a no-op: the scratch region is below the tracee's
// initial SP and is overwritten by ordinary stack growth the moment the
// target's real entry point starts running, so nothing needs to be undone.
func unmapSockFprog(tid int, addr uint64) {}

func readRemoteBytesPublic(tid int, addr uint64, n int) ([]byte, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", tid), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, int64(addr))
	if read < n {
		return nil, fmt.Errorf("short read at %#x: got %d of %d bytes: %w", addr, read, n, err)
	}
	return buf, nil
}

func writeRemoteBytes(tid int, addr uint64, data []byte) error {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", tid), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, int64(addr))
	return err
}

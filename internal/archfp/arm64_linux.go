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

//go:build linux && arm64

package archfp

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ARM64 FPSR/FPCR bit positions (ARM Architecture Reference Manual,
// AArch64 D13.2.36/D13.2.37). FPSpy's exception bit order (inv, den, div,
// over, under, prec) does not line up with these natively, so fpsrBit/
// fpcrEnableBit index by archfp.Exception explicitly rather than assuming a
// shared shift like the amd64 backend can.
var fpsrBit = [...]uint{
	Invalid:   0, // IOC
	Denorm:    7, // IDC
	DivByZero: 1, // DZC
	Overflow:  2, // OFC
	Underflow: 3, // UFC
	Inexact:   4, // IXC
}

var fpcrEnableBit = [...]uint{
	Invalid:   8,  // IOE
	Denorm:    15, // IDE
	DivByZero: 9,  // DZE
	Overflow:  10, // OFE
	Underflow: 11, // UFE
	Inexact:   12, // IXE
}

const (
	fpcrRModeShift = 22
	fpcrFZ         = 1 << 24 // flush-to-zero (covers both DAZ and FTZ on AArch64)

	ntFPRegSet     = 2
	userFPSIMDSize = 32*16 + 8
	fpsrByteOffset = 32 * 16
	fpcrByteOffset = 32*16 + 4
)

type arm64Arch struct{}

// ARM64 is the Arch implementation for Linux/arm64 tracees.
var ARM64 Arch = arm64Arch{}

func (arm64Arch) Name() string { return "arm64" }

func (arm64Arch) CycleCount() uint64 { return monotonicNanos() }

func (arm64Arch) MachineSupportsFPTraps() bool { return true }

func (arm64Arch) HaveSpecialFPCSRException(e Exception) bool {
	return e == Denorm
}

func getFPSIMD(tid int) ([]byte, error) {
	buf := make([]byte, userFPSIMDSize)
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	if err := rawPtrace(ptraceGetRegSet, tid, uintptr(ntFPRegSet), uintptr(unsafe.Pointer(&iov))); err != nil {
		return nil, fmt.Errorf("PTRACE_GETREGSET(NT_FPREGSET, tid=%d): %w", tid, err)
	}
	return buf, nil
}

func setFPSIMD(tid int, buf []byte) error {
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	if err := rawPtrace(ptraceSetRegSet, tid, uintptr(ntFPRegSet), uintptr(unsafe.Pointer(&iov))); err != nil {
		return fmt.Errorf("PTRACE_SETREGSET(NT_FPREGSET, tid=%d): %w", tid, err)
	}
	return nil
}

func (arm64Arch) ReadFPCSR(tid int) (FPCSR, error) {
	buf, err := getFPSIMD(tid)
	if err != nil {
		return FPCSR{}, err
	}
	fpsr := binary.LittleEndian.Uint32(buf[fpsrByteOffset:])
	fpcr := binary.LittleEndian.Uint32(buf[fpcrByteOffset:])
	var status ExceptionSet
	for e := Exception(0); e < numExceptions; e++ {
		if fpsr&(1<<fpsrBit[e]) != 0 {
			status = status.With(e)
		}
	}
	return FPCSR{Status: status, raw: uint64(fpcr)<<32 | uint64(fpsr)}, nil
}

func (arm64Arch) WriteFPCSR(tid int, v FPCSR) error {
	buf, err := getFPSIMD(tid)
	if err != nil {
		return err
	}
	fpsr := uint32(v.raw)
	fpcr := uint32(v.raw >> 32)
	binary.LittleEndian.PutUint32(buf[fpsrByteOffset:], fpsr)
	binary.LittleEndian.PutUint32(buf[fpcrByteOffset:], fpcr)
	return setFPSIMD(tid, buf)
}

func (arm64Arch) ClearStickyFlags(v FPCSR) FPCSR {
	fpsr := uint32(v.raw)
	for e := Exception(0); e < numExceptions; e++ {
		fpsr &^= 1 << fpsrBit[e]
	}
	v.raw = v.raw&^0xffffffff | uint64(fpsr)
	v.Status = 0
	return v
}

func (arm64Arch) MaskTraps(v FPCSR, mask ExceptionSet) FPCSR {
	fpcr := uint32(v.raw >> 32)
	for e := Exception(0); e < numExceptions; e++ {
		if mask.Has(e) {
			fpcr &^= 1 << fpcrEnableBit[e]
		}
	}
	v.raw = v.raw&0xffffffff | uint64(fpcr)<<32
	return v
}

func (arm64Arch) UnmaskTraps(v FPCSR, mask ExceptionSet) FPCSR {
	fpcr := uint32(v.raw >> 32)
	for e := Exception(0); e < numExceptions; e++ {
		if mask.Has(e) {
			fpcr |= 1 << fpcrEnableBit[e]
		}
	}
	v.raw = v.raw&0xffffffff | uint64(fpcr)<<32
	return v
}

func (arm64Arch) SafeLocalCSR() FPCSR {
	// All FPCR enable bits left zero: traps disabled, round-to-nearest.
	return FPCSR{Status: 0, raw: 0}
}

func (arm64Arch) EncodeRound(cfg RoundConfig, into FPCSR) FPCSR {
	fpcr := uint32(into.raw >> 32)
	fpcr &^= 0b11 << fpcrRModeShift
	var rm uint32
	switch cfg.Mode {
	case RoundNearest:
		rm = 0
	case RoundPositive:
		rm = 1
	case RoundNegative:
		rm = 2
	case RoundZero:
		rm = 3
	}
	fpcr |= rm << fpcrRModeShift
	if cfg.DAZ || cfg.FTZ {
		fpcr |= fpcrFZ
	} else {
		fpcr &^= uint32(fpcrFZ)
	}
	into.raw = into.raw&0xffffffff | uint64(fpcr)<<32
	return into
}

func (arm64Arch) DecodeRound(v FPCSR) RoundConfig {
	fpcr := uint32(v.raw >> 32)
	rm := (fpcr >> fpcrRModeShift) & 0b11
	mode := RoundNearest
	switch rm {
	case 0:
		mode = RoundNearest
	case 1:
		mode = RoundPositive
	case 2:
		mode = RoundNegative
	case 3:
		mode = RoundZero
	}
	fz := fpcr&fpcrFZ != 0
	return RoundConfig{Mode: mode, DAZ: fz, FTZ: fz}
}

func (arm64Arch) ReadRegs(tid int) (Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return Regs{}, fmt.Errorf("archfp/arm64: PTRACE_GETREGS: %w", err)
	}
	return Regs{IP: regs.Pc, SP: regs.Sp}, nil
}

func (arm64Arch) ReadInstructionBytes(tid int, ip uint64, dest []byte) (int, error) {
	b, err := readRemoteBytes(tid, ip, len(dest))
	if err != nil {
		return 0, err
	}
	return copy(dest, b), nil
}

func (arm64Arch) HasHardwareSingleStep() bool { return true }

func (arm64Arch) SetTrap(tid int, ip uint64, state *TrapState) error {
	// As on amd64, arming the single-step bit and resuming are one atomic
	// PTRACE_SINGLESTEP operation; SetTrap only records the bookkeeping and
	// leaves the caller to issue that resume (see HasHardwareSingleStep).
	state.Armed = true
	return nil
}

func (arm64Arch) ResetTrap(tid int, state *TrapState) error {
	state.Armed = false
	return nil
}

func (arm64Arch) ProcessInit() error     { return nil }
func (arm64Arch) ProcessDeinit() error   { return nil }
func (arm64Arch) ThreadInit(tid int) error   { return nil }
func (arm64Arch) ThreadDeinit(tid int) error { return nil }

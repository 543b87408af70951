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
	"fmt"

	"golang.org/x/sys/unix"
)

// MXCSR bit layout (Intel SDM vol. 1 §10.2.3). fpspy's own exception bit
// order (inv, den, div, over, under, prec — see ParseExceptList) matches the
// native flag-bit order here one-for-one, which is why an archfp.Exception
// is added directly to mxcsrFlagBase and mxcsrMaskBase to find its bit.
const (
	mxcsrFlagBase = 0      // IE,DE,ZE,OE,UE,PE sticky flags, bits 0..5
	mxcsrMaskBase = 7      // IM,DM,ZM,OM,UM,PM trap-disable bits, bits 7..12
	mxcsrDAZ      = 1 << 6
	mxcsrFTZ      = 1 << 15
	mxcsrRoundLow = 13 // 2-bit rounding control, bits 13..14
)

// mxcsrOurs is the FP-CSR fpspy-go uses for its own computation: all
// exceptions masked, no sticky flags, round-to-nearest, no DAZ/FTZ.
// Unreachable in the tracer process in practice (see internal/sampler), kept
// for documentation/testing parity with the original's MXCSR_OURS.
const mxcsrOurs = 0x1f80

type amd64Arch struct{}

// AMD64 is the Arch implementation for Linux/amd64 tracees.
var AMD64 Arch = amd64Arch{}

func (amd64Arch) Name() string { return "amd64" }

func (amd64Arch) CycleCount() uint64 { return rdtscAMD64() }

func (amd64Arch) MachineSupportsFPTraps() bool { return true }

func (amd64Arch) HaveSpecialFPCSRException(e Exception) bool {
	// Denorm is observable on amd64 through MXCSR bit 1 (DE), which the
	// standard fenv.h API does not expose, so it is the one "special" case.
	return e == Denorm
}

func (a amd64Arch) ReadFPCSR(tid int) (FPCSR, error) {
	raw, err := getMXCSR(tid)
	if err != nil {
		return FPCSR{}, fmt.Errorf("archfp/amd64: read MXCSR: %w", err)
	}
	return FPCSR{Status: mxcsrToExceptionSet(raw), raw: uint64(raw)}, nil
}

func (a amd64Arch) WriteFPCSR(tid int, v FPCSR) error {
	return setMXCSR(tid, uint32(v.raw))
}

func (amd64Arch) ClearStickyFlags(v FPCSR) FPCSR {
	v.raw &^= uint64(AllExceptions) << mxcsrFlagBase
	v.Status = 0
	return v
}

func (amd64Arch) MaskTraps(v FPCSR, mask ExceptionSet) FPCSR {
	v.raw |= uint64(mask) << mxcsrMaskBase
	return v
}

func (amd64Arch) UnmaskTraps(v FPCSR, mask ExceptionSet) FPCSR {
	v.raw &^= uint64(mask) << mxcsrMaskBase
	return v
}

func (amd64Arch) SafeLocalCSR() FPCSR {
	return FPCSR{Status: 0, raw: mxcsrOurs}
}

func (amd64Arch) EncodeRound(cfg RoundConfig, into FPCSR) FPCSR {
	into.raw &^= uint64(0b11) << mxcsrRoundLow
	var rc uint64
	switch cfg.Mode {
	case RoundNearest:
		rc = 0
	case RoundZero:
		rc = 3
	case RoundPositive:
		rc = 2
	case RoundNegative:
		rc = 1
	}
	into.raw |= rc << mxcsrRoundLow
	if cfg.DAZ {
		into.raw |= mxcsrDAZ
	} else {
		into.raw &^= uint64(mxcsrDAZ)
	}
	if cfg.FTZ {
		into.raw |= mxcsrFTZ
	} else {
		into.raw &^= uint64(mxcsrFTZ)
	}
	return into
}

func (amd64Arch) DecodeRound(v FPCSR) RoundConfig {
	rc := (v.raw >> mxcsrRoundLow) & 0b11
	mode := RoundNearest
	switch rc {
	case 0:
		mode = RoundNearest
	case 1:
		mode = RoundNegative
	case 2:
		mode = RoundPositive
	case 3:
		mode = RoundZero
	}
	return RoundConfig{
		Mode: mode,
		DAZ:  v.raw&mxcsrDAZ != 0,
		FTZ:  v.raw&mxcsrFTZ != 0,
	}
}

func (amd64Arch) ReadRegs(tid int) (Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return Regs{}, fmt.Errorf("archfp/amd64: PTRACE_GETREGS: %w", err)
	}
	return Regs{IP: regs.Rip, SP: regs.Rsp}, nil
}

func (amd64Arch) ReadInstructionBytes(tid int, ip uint64, dest []byte) (int, error) {
	b, err := readRemoteBytes(tid, ip, len(dest))
	if err != nil {
		return 0, err
	}
	return copy(dest, b), nil
}

func (amd64Arch) HasHardwareSingleStep() bool { return true }

func (amd64Arch) SetTrap(tid int, ip uint64, state *TrapState) error {
	// amd64 exposes TF (trap flag) in RFLAGS, but there is no way to set it
	// without also resuming (PTRACE_SINGLESTEP does both at once). SetTrap
	// only arms the bookkeeping here; the caller resumes tid itself, using
	// PTRACE_SINGLESTEP rather than PTRACE_CONT because HasHardwareSingleStep
	// reports true.
	state.Armed = true
	return nil
}

func (amd64Arch) ResetTrap(tid int, state *TrapState) error {
	state.Armed = false
	return nil
}

func (amd64Arch) ProcessInit() error   { return nil }
func (amd64Arch) ProcessDeinit() error { return nil }
func (amd64Arch) ThreadInit(tid int) error   { return nil }
func (amd64Arch) ThreadDeinit(tid int) error { return nil }

func mxcsrToExceptionSet(mxcsr uint32) ExceptionSet {
	return ExceptionSet(mxcsr>>mxcsrFlagBase) & AllExceptions
}

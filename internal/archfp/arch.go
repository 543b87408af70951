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

// Package archfp abstracts the per-architecture floating-point
// control/status register (FP-CSR) so the trap engine in internal/tracer
// never encodes MXCSR, FPCR/FPSR or fcsr bit positions itself.
//
// Every operation here acts on a traced thread (a tid under ptrace) rather
// than the live hardware of the calling process: FPSpy-go is a separate
// tracer process attached to the target via ptrace(2), not a shared object
// hosted inside it (see SPEC_FULL.md §0).
package archfp

import "fmt"

// Exception identifies one IEEE-754 sticky exception flag.
type Exception int

const (
	Invalid Exception = iota
	Denorm
	DivByZero
	Overflow
	Underflow
	Inexact
	numExceptions
)

// exceptSubstrings mirrors FPSPY_EXCEPT_LIST's substring matching, in the
// fixed order fpspy.c's mxcsrmask_base bits enumerate them.
var exceptSubstrings = [numExceptions]string{
	Invalid:   "inv",
	Denorm:    "den",
	DivByZero: "div",
	Overflow:  "over",
	Underflow: "under",
	Inexact:   "prec",
}

func (e Exception) String() string {
	switch e {
	case Invalid:
		return "INVALID"
	case Denorm:
		return "DENORM"
	case DivByZero:
		return "DIVBYZERO"
	case Overflow:
		return "OVERFLOW"
	case Underflow:
		return "UNDERFLOW"
	case Inexact:
		return "INEXACT"
	default:
		return fmt.Sprintf("Exception(%d)", int(e))
	}
}

// ExceptionSet is a bitmask over Exception values, in fpspy's own bit
// order (not the architecture's native bit positions — each Arch backend
// translates to/from its own encoding).
type ExceptionSet uint32

// AllExceptions is the default enabled set ("FPSPY_EXCEPT_LIST unset" ⇒ all).
const AllExceptions ExceptionSet = (1 << numExceptions) - 1

func (s ExceptionSet) Has(e Exception) bool { return s&(1<<uint(e)) != 0 }
func (s ExceptionSet) With(e Exception) ExceptionSet {
	return s | (1 << uint(e))
}
func (s ExceptionSet) Without(e Exception) ExceptionSet {
	return s &^ (1 << uint(e))
}

// ParseExceptList parses FPSPY_EXCEPT_LIST: a substring-matched, comma- or
// space-separated subset of {inv, den, div, over, under, prec}. An empty
// string means "all".
func ParseExceptList(spec string) (ExceptionSet, error) {
	if spec == "" {
		return AllExceptions, nil
	}
	var out ExceptionSet
	matched := false
	for e := Exception(0); e < numExceptions; e++ {
		if containsSubstring(spec, exceptSubstrings[e]) {
			out = out.With(e)
			matched = true
		}
	}
	if !matched {
		return 0, fmt.Errorf("archfp: FPSPY_EXCEPT_LIST %q matched no known exception substrings", spec)
	}
	return out, nil
}

func containsSubstring(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// RoundMode is the architecture-neutral IEEE-754 rounding mode.
type RoundMode int

const (
	RoundNearest RoundMode = iota
	RoundZero
	RoundPositive
	RoundNegative
)

// RoundConfig is the decoded rounding + denormal-handling configuration,
// opaque to the core beyond these four fields.
type RoundConfig struct {
	Mode RoundMode
	DAZ  bool
	FTZ  bool
}

// FPCSR is the opaque, architecture-neutral carrier for a snapshot of the
// FP control/status register(s). Only the Arch implementation that produced
// it knows how to interpret Status/Control; the core only ever compares,
// stores and round-trips FPCSR values.
type FPCSR struct {
	// Status holds the sticky exception flags in fpspy's ExceptionSet bit
	// order (already translated by the Arch backend), so the core can test
	// it without per-arch knowledge.
	Status ExceptionSet
	// raw is the architecture-native bit pattern (e.g. the full 32-bit
	// MXCSR), preserved so WriteFPCSR can round-trip bits the core does not
	// model (reserved bits, vendor-specific state).
	raw uint64
}

// Regs is the architecture-neutral view of a tracee's general-purpose
// register snapshot, as needed by the trap engine (IP/SP only — the core
// never needs the full register file).
type Regs struct {
	IP uint64
	SP uint64
}

// TrapState is the opaque per-context scratch cell arch.SetTrap/ResetTrap
// use to survive exactly one trap→break-trap pair (spec.md §4.1, §9). On
// architectures with a hardware single-step bit only Armed is used; on
// architectures that patch a breakpoint word into the next instruction, it
// also holds the overwritten word and its address.
type TrapState struct {
	Armed   bool
	Addr    uint64
	OldWord uint32
}

// Arch is the capability interface every architecture backend implements.
// A tagged build-tag dispatch (one file per GOARCH, per spec.md §9) selects
// the concrete implementation that Current holds; callers still go through
// this interface, which lets tests substitute an in-memory fake.
type Arch interface {
	Name() string

	// CycleCount returns a fast monotonic cycle counter, used to stamp
	// TraceRecord.Time relative to a context's start_time.
	CycleCount() uint64

	// MachineSupportsFPTraps reports whether this architecture/kernel
	// combination can deliver FP traps at all. INDIVIDUAL mode refuses to
	// start when false.
	MachineSupportsFPTraps() bool

	// HaveSpecialFPCSRException reports whether e is observable through
	// this architecture's FP-CSR even though the standard fenv.h API does
	// not expose it (relevant only for Denorm; always false on riscv64).
	HaveSpecialFPCSRException(e Exception) bool

	// ReadFPCSR/WriteFPCSR access the live FP-CSR of the given traced
	// thread via ptrace (PTRACE_GETFPREGS/SETFPREGS or the regset
	// equivalent).
	ReadFPCSR(tid int) (FPCSR, error)
	WriteFPCSR(tid int, v FPCSR) error

	// ClearStickyFlags returns v with all sticky exception bits zeroed.
	ClearStickyFlags(v FPCSR) FPCSR
	// MaskTraps returns v with trap delivery disabled for every exception
	// in mask (the hardware continues computing but no longer signals).
	MaskTraps(v FPCSR, mask ExceptionSet) FPCSR
	// UnmaskTraps returns v with trap delivery enabled for every exception
	// in mask.
	UnmaskTraps(v FPCSR, mask ExceptionSet) FPCSR

	// SafeLocalCSR returns the FP-CSR value FPSpy-go would use for its own
	// floating-point computation (the Poisson sampler's exponential draw):
	// all traps masked, no sticky flags, round-to-nearest. Exposed for
	// tests and documentation; the tracer process's own math never touches
	// the tracee's FP-CSR; see internal/sampler's doc comment.
	SafeLocalCSR() FPCSR

	// EncodeRound/DecodeRound translate between the neutral RoundConfig and
	// an FPCSR's native round/DAZ/FTZ bits.
	EncodeRound(cfg RoundConfig, into FPCSR) FPCSR
	DecodeRound(v FPCSR) RoundConfig

	// ReadRegs fetches IP/SP for the given thread (PTRACE_GETREGS).
	ReadRegs(tid int) (Regs, error)

	// ReadInstructionBytes copies up to len(dest) bytes of the instruction
	// at ip from the tracee's address space.
	ReadInstructionBytes(tid int, ip uint64, dest []byte) (int, error)

	// HasHardwareSingleStep reports whether SetTrap/ResetTrap can use a
	// hardware single-step bit (amd64, arm64) rather than a breakpoint word
	// patch (riscv64; spec.md §9).
	HasHardwareSingleStep() bool

	// SetTrap arms single-step on the instruction following ip (the
	// instruction that just faulted), disarming whatever the previous
	// SetTrap armed at the current ip. state is private scratch that must
	// be passed unchanged to the matching ResetTrap.
	SetTrap(tid int, ip uint64, state *TrapState) error
	// ResetTrap disarms single-step, restoring any patched instruction
	// using state.
	ResetTrap(tid int, state *TrapState) error

	// ThreadInit/ThreadDeinit/ProcessInit/ProcessDeinit are one-time
	// per-thread/per-process hooks (e.g. relaxing page protections on
	// architectures that patch breakpoints into text).
	ProcessInit() error
	ProcessDeinit() error
	ThreadInit(tid int) error
	ThreadDeinit(tid int) error
}

// MaxInstructionBytes is the largest faulting-instruction prefix any
// TraceRecord stores (spec.md §3, §6): 15 bytes, the longest possible x86
// instruction encoding. Shorter architectures zero-pad.
const MaxInstructionBytes = 15

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
	"github.com/fpspy/fpspy/internal/archfp"
)

// fakeArch is an in-memory archfp.Arch stand-in, keyed by tid, so the trap
// state machine and abort protocol can be exercised without a real traced
// process. It does not model getSigInfo's raw PTRACE_GETSIGINFO call (see
// fpcode.go), so tests here drive onInit/onBreakTrap/abort directly rather
// than onFPTrap.
type fakeArch struct {
	csr  map[int]archfp.FPCSR
	regs map[int]archfp.Regs
	cc   uint64

	unmaskCalls int // how many times UnmaskTraps has been called
}

func newFakeArch() *fakeArch {
	return &fakeArch{
		csr:  make(map[int]archfp.FPCSR),
		regs: make(map[int]archfp.Regs),
	}
}

func (a *fakeArch) Name() string       { return "fake" }
func (a *fakeArch) CycleCount() uint64 { a.cc++; return a.cc }
func (a *fakeArch) MachineSupportsFPTraps() bool                     { return true }
func (a *fakeArch) HaveSpecialFPCSRException(e archfp.Exception) bool { return true }

func (a *fakeArch) ReadFPCSR(tid int) (archfp.FPCSR, error) { return a.csr[tid], nil }
func (a *fakeArch) WriteFPCSR(tid int, v archfp.FPCSR) error {
	a.csr[tid] = v
	return nil
}

func (a *fakeArch) ClearStickyFlags(v archfp.FPCSR) archfp.FPCSR {
	v.Status = 0
	return v
}
func (a *fakeArch) MaskTraps(v archfp.FPCSR, mask archfp.ExceptionSet) archfp.FPCSR { return v }
func (a *fakeArch) UnmaskTraps(v archfp.FPCSR, mask archfp.ExceptionSet) archfp.FPCSR {
	a.unmaskCalls++
	return v
}

func (a *fakeArch) SafeLocalCSR() archfp.FPCSR { return archfp.FPCSR{} }

func (a *fakeArch) EncodeRound(cfg archfp.RoundConfig, into archfp.FPCSR) archfp.FPCSR {
	return into
}
func (a *fakeArch) DecodeRound(v archfp.FPCSR) archfp.RoundConfig { return archfp.RoundConfig{} }

func (a *fakeArch) ReadRegs(tid int) (archfp.Regs, error) { return a.regs[tid], nil }

func (a *fakeArch) ReadInstructionBytes(tid int, ip uint64, dest []byte) (int, error) {
	return 0, nil
}

func (a *fakeArch) HasHardwareSingleStep() bool { return true }

func (a *fakeArch) SetTrap(tid int, ip uint64, state *archfp.TrapState) error {
	state.Armed = true
	return nil
}
func (a *fakeArch) ResetTrap(tid int, state *archfp.TrapState) error {
	state.Armed = false
	return nil
}

func (a *fakeArch) ProcessInit() error         { return nil }
func (a *fakeArch) ProcessDeinit() error       { return nil }
func (a *fakeArch) ThreadInit(tid int) error   { return nil }
func (a *fakeArch) ThreadDeinit(tid int) error { return nil }

var _ archfp.Arch = (*fakeArch)(nil)

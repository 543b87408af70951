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

// Package sampler implements FPSpy-go's Poisson duty-cycle sampler
// (SPEC_FULL.md §4.3): a per-thread LCG draws i.i.d. exponential on/off
// interval lengths so that FP-trap delivery is PASTA-unbiased with respect
// to the target's true event rate.
//
// Unlike the original, which runs this arithmetic on the target's own FPU
// inside a signal handler (and must therefore bracket it with a
// save/restore of the live FP-CSR so its own math does not perturb the
// target's visible flags), FPSpy-go's sampler runs entirely in the separate
// tracer process. Its float64 arithmetic never touches a traced thread's
// FPU, so no CSR bracketing is needed here — archfp.Arch.SafeLocalCSR
// exists only for documentation/test parity with the original.
package sampler

import "math"

// LCG constants from the original: a 64-bit linear congruential generator,
// full-width modulus.
const (
	lcgA = 0x5deece66d
	lcgC = 0xb
)

// Clamp limits matching FPSpy's MAX_US_ON / MAX_US_OFF: an ON interval
// (traps unmasked, every event recorded) never exceeds 10ms, an OFF
// interval never exceeds 1s, regardless of what the exponential draw
// produces.
const (
	MaxUsOn  = 10000
	MaxUsOff = 1000000
)

// Phase is the sampler's on/off duty-cycle state.
type Phase int

const (
	Off Phase = iota
	On
)

func (p Phase) String() string {
	if p == On {
		return "on"
	}
	return "off"
}

// State is one thread's sampler state, embedded in its monitoring context.
type State struct {
	Phase Phase

	// DelayedProcessing is set when the tracer's interval timer fires
	// while the owning thread is not in AWAIT_FPE; the next transition
	// into AWAIT_FPE must call Toggle before anything else.
	DelayedProcessing bool

	Xi uint64

	OnMeanUS  uint64
	OffMeanUS uint64

	// PendingIntervalUS is the duration, in microseconds, the tracer
	// should wait before the next Toggle.
	PendingIntervalUS uint64
}

// New creates sampler state seeded with seed (FPSPY_SEED, or a cycle-count
// snapshot when unset) and the configured on/off means in microseconds.
func New(seed, onMeanUS, offMeanUS uint64) *State {
	return &State{
		Xi:        seed,
		OnMeanUS:  onMeanUS,
		OffMeanUS: offMeanUS,
	}
}

func (s *State) pump() uint64 {
	s.Xi = lcgA*s.Xi + lcgC
	return s.Xi
}

// NextExponentialMicros draws one Exp(1/meanUS) sample in microseconds,
// clamped to fit a uint64. Mirrors next_exp: clear the LCG's low bit so the
// uniform draw never reaches exactly 1.0, then invert via -ln(1-u).
func (s *State) NextExponentialMicros(meanUS uint64) uint64 {
	r := s.pump() &^ 1
	u := float64(r) / float64(math.MaxUint64)
	v := -math.Log(1-u) * float64(meanUS)
	if v > float64(math.MaxUint64) {
		return math.MaxUint64
	}
	return uint64(v)
}

// Toggle flips the duty-cycle phase and draws the next interval, mirroring
// update_sampler. It reports the new phase, whether FP traps should now be
// masked (true when entering OFF), and the clamped interval in
// microseconds the caller should arm its timer for. A zero draw is bumped
// to 1us so the timer is never disabled outright.
func (s *State) Toggle() (newPhase Phase, maskTraps bool, intervalUS uint64) {
	old := s.Phase
	var mean uint64
	if old == On {
		mean = s.OffMeanUS
	} else {
		mean = s.OnMeanUS
	}
	n := s.NextExponentialMicros(mean)
	if n == 0 {
		n = 1
	}
	if old == Off && n > MaxUsOn {
		n = MaxUsOn
	}
	if old == On && n > MaxUsOff {
		n = MaxUsOff
	}

	s.Phase = togglePhase(old)
	s.PendingIntervalUS = n
	s.DelayedProcessing = false

	return s.Phase, s.Phase == Off, n
}

func togglePhase(p Phase) Phase {
	if p == On {
		return Off
	}
	return On
}

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

package sampler

import "testing"

func TestNextExponentialMicrosDeterministic(t *testing.T) {
	s := New(1, 1000, 50000)
	got := s.NextExponentialMicros(1000)
	s2 := New(1, 1000, 50000)
	got2 := s2.NextExponentialMicros(1000)
	if got != got2 {
		t.Fatalf("same seed produced different draws: %d vs %d", got, got2)
	}
}

func TestToggleClampsOnInterval(t *testing.T) {
	s := New(42, 1_000_000_000, 50)
	s.Phase = Off
	newPhase, mask, interval := s.Toggle()
	if newPhase != On {
		t.Fatalf("expected phase On, got %v", newPhase)
	}
	if mask {
		t.Fatalf("entering ON must unmask traps")
	}
	if interval > MaxUsOn {
		t.Fatalf("ON interval %d exceeds MaxUsOn %d", interval, MaxUsOn)
	}
}

func TestToggleClampsOffInterval(t *testing.T) {
	s := New(7, 50, 1_000_000_000)
	s.Phase = On
	newPhase, mask, interval := s.Toggle()
	if newPhase != Off {
		t.Fatalf("expected phase Off, got %v", newPhase)
	}
	if !mask {
		t.Fatalf("entering OFF must mask traps")
	}
	if interval > MaxUsOff {
		t.Fatalf("OFF interval %d exceeds MaxUsOff %d", interval, MaxUsOff)
	}
}

func TestToggleNeverZeroInterval(t *testing.T) {
	s := New(0, 0, 0)
	for i := 0; i < 100; i++ {
		_, _, interval := s.Toggle()
		if interval == 0 {
			t.Fatalf("interval must never be zero (disables the timer)")
		}
	}
}

func TestToggleClearsDelayedProcessing(t *testing.T) {
	s := New(3, 100, 100)
	s.DelayedProcessing = true
	s.Toggle()
	if s.DelayedProcessing {
		t.Fatalf("Toggle must clear DelayedProcessing")
	}
}

func TestTogglePhaseAlternates(t *testing.T) {
	s := New(9, 10, 10)
	start := s.Phase
	s.Toggle()
	if s.Phase == start {
		t.Fatalf("phase did not flip")
	}
	s.Toggle()
	if s.Phase != start {
		t.Fatalf("phase did not flip back")
	}
}

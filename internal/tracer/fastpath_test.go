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
	"testing"

	"github.com/fpspy/fpspy/internal/fpconfig"
)

func TestTakeFastCodeAbsent(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	if _, ok := e.takeFastCode(42); ok {
		t.Fatalf("takeFastCode on an untouched tid reported present")
	}
}

func TestTakeFastCodeConsumesOnce(t *testing.T) {
	e := newTestEngine(t, fpconfig.Default())
	e.setFastCode(7, 3)

	code, ok := e.takeFastCode(7)
	if !ok || code != 3 {
		t.Fatalf("takeFastCode(7) = (%d, %v), want (3, true)", code, ok)
	}
	if _, ok := e.takeFastCode(7); ok {
		t.Fatalf("takeFastCode did not consume the cached code")
	}
}

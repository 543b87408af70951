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

// pumpFastPath drains e.fast's event channel for the lifetime of the
// traced thread group, stashing each decoded si_code by tid. It never
// touches ptrace state itself — only the owning tid's traceThread
// goroutine may do that — so onFPTrap picks the cached code up instead of
// calling getSigInfo when one is waiting.
func (e *Engine) pumpFastPath() {
	for ev := range e.fast.Events() {
		e.setFastCode(int(ev.Tid), ev.Code)
	}
}

func (e *Engine) setFastCode(tid int, code int32) {
	e.mu.Lock()
	e.fastCodes[tid] = code
	e.mu.Unlock()
}

// takeFastCode returns tid's cached si_code and clears it, if pumpFastPath
// has recorded one since the last call.
func (e *Engine) takeFastCode(tid int) (int32, bool) {
	e.mu.Lock()
	code, ok := e.fastCodes[tid]
	if ok {
		delete(e.fastCodes, tid)
	}
	e.mu.Unlock()
	return code, ok
}

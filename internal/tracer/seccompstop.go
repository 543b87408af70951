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
	"golang.org/x/sys/unix"
)

// onSeccompStop handles PTRACE_EVENT_SECCOMP, which in this tracer only
// ever fires for rt_sigaction (see inject_amd64.go's run-mode-only filter):
// the target is trying to install its own signal handler. Per spec.md
// §4.5, this is target interference — non-aggressive mode aborts; in
// "aggressive" mode the call is left to run (nothing here suppresses it,
// since unlike the original's symbol interposition FPSpy-go cannot easily
// make rt_sigaction silently no-op for just FP-trap/break-trap signal
// numbers without decoding its first argument).
func (e *Engine) onSeccompStop(tgid, tid int) error {
	c, _ := e.table.Find(tid)
	if !e.cfg.Aggressive {
		// abort's detachAll already issues PTRACE_DETACH for every known
		// tid, including this one; there is nothing left here to resume.
		return e.abort(tid, c, false)
	}
	return unix.PtraceCont(tid, 0)
}

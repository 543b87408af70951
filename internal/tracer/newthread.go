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
	"fmt"

	"golang.org/x/sys/unix"
)

// onNewThread handles a PTRACE_EVENT_CLONE/FORK/VFORK stop: the new tid is
// read via PTRACE_GETEVENTMSG and handed its own traceThread goroutine
// (SPEC_FULL.md §4.5's retargeting of "thread spawn"/"process fork"
// interception — there is no trampoline to install since the tracer
// observes new OS threads directly rather than interposing on
// pthread_create, but the effect is the same: the child gets a fresh
// monitoring context and trace file rather than inheriting the parent's).
func (e *Engine) onNewThread(tgid, tid int) error {
	msg, err := unix.PtraceGetEventMsg(tid)
	if err != nil {
		return fmt.Errorf("GetEventMsg(%d): %w", tid, err)
	}
	child := int(msg)

	if !e.cfg.DisablePthreads {
		e.group.Go(func() error {
			return e.traceThread(tgid, child, true)
		})
	}
	return unix.PtraceCont(tid, 0)
}

// onExec handles PTRACE_EVENT_EXEC (new relative to spec.md — see
// SPEC_FULL.md §4.5): the tid is reused by the kernel for the new image,
// but any breakpoint-patch trap_state it held is now garbage (the old text
// segment is gone), so FPSpy-go frees and re-allocates the context, which
// re-enters INIT on the next trap exactly as a brand new thread would.
func (e *Engine) onExec(tgid, tid int) error {
	if c, ok := e.table.Find(tid); ok {
		e.finalizeContext(c)
		e.table.Free(tid)
	}
	if _, err := e.table.Alloc(tid, e.arch.CycleCount()); err != nil {
		e.abortAllUnmonitored(tid)
		return err
	}
	return unix.PtraceCont(tid, 0)
}

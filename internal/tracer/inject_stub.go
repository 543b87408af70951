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

//go:build linux && !amd64

package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// injectSeccompFilter is only implemented for amd64 (see inject_amd64.go):
// the syscall-injection trick needs a per-arch syscall-instruction encoding
// and register convention, and amd64 is the only one built out in this
// pass. On other architectures FPSPY_AGGRESSIVE's rt_sigaction interception
// is unavailable in "run" mode; every other §4.5 event (clone, fork, vfork,
// execve) is still caught through native PTRACE_O_TRACE* options, which do
// not need this.
func injectSeccompFilter(tid int, prog []unix.SockFilter) error {
	return fmt.Errorf("tracer: seccomp rt_sigaction interception is amd64-only in this build")
}

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

//go:build linux

package archfp

import (
	"fmt"
	"os"
)

// readRemoteBytesProcMem reads n bytes at addr from a traced thread's
// address space via /proc/<tid>/mem, which avoids PTRACE_PEEKTEXT's
// word-at-a-time overhead for the common case (grounded on
// pkg/sentry/platform/ptrace's use of /proc/.../mem for bulk tracee access).
func readRemoteBytesProcMem(tid int, addr uint64, n int) ([]byte, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", tid), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, int64(addr))
	if read == 0 && err != nil {
		return nil, err
	}
	return buf[:read], nil
}

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

//go:build linux && arm64

package tracer

// rt_sigaction's syscall number on the generic (asm-generic/unistd.h)
// table arm64 and riscv64 both use.
const sysRtSigaction = 134

func runtimeAuditArch() (uint32, []uint32) {
	return auditArchAARCH64, []uint32{sysRtSigaction}
}

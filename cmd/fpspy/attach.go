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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fplog"
	"github.com/fpspy/fpspy/internal/outputdir"
	"github.com/fpspy/fpspy/internal/tracer"
)

// attachCmd implements `fpspy attach <pid>` (SPEC_FULL.md §6): PTRACE_SEIZE
// an already-running process. This has no counterpart in spec.md, which
// only describes load-time injection; attaching is the natural ptrace-native
// extension once activation no longer goes through a preloaded constructor.
type attachCmd struct{}

func (*attachCmd) Name() string     { return "attach" }
func (*attachCmd) Synopsis() string { return "seize and trace an already-running process" }
func (*attachCmd) Usage() string {
	return "attach <pid>\n"
}

func (*attachCmd) SetFlags(*flag.FlagSet) {}

func (*attachCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		return fatalf("invalid pid %q: %v", f.Arg(0), err)
	}

	cfg, err := fpconfig.Load(os.LookupEnv)
	if err != nil {
		return fatalf("loading configuration: %v", err)
	}
	logger := fplog.New(cfg.DebugLevel)

	outDir, err := outputdir.Open(cfg.OutputDir)
	if err != nil {
		return fatalf("opening output directory: %v", err)
	}

	sp, err := tracer.Seize(pid)
	if err != nil {
		return fatalf("attaching to pid %d: %v", pid, err)
	}

	engine := tracer.NewEngine(cfg, outDir, logger, progNameForPid(pid))
	if err := engine.Run(sp); err != nil {
		return fatalf("tracing pid %d: %v", pid, err)
	}
	return subcommands.ExitSuccess
}

// progNameForPid reads /proc/<pid>/comm for the output file names
// (outputdir.FileName's progname component); a seized process never went
// through Launch, so there is no argv[0] to fall back on.
func progNameForPid(pid int) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "unknown"
	}
	name := string(b)
	if n := len(name); n > 0 && name[n-1] == '\n' {
		name = name[:n-1]
	}
	if name == "" {
		return "unknown"
	}
	return name
}

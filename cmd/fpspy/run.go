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
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/console"
	"github.com/google/subcommands"
	"github.com/kr/pty"

	"github.com/fpspy/fpspy/internal/fpconfig"
	"github.com/fpspy/fpspy/internal/fplog"
	"github.com/fpspy/fpspy/internal/outputdir"
	"github.com/fpspy/fpspy/internal/tracer"
)

// runCmd implements `fpspy run -- <target> [args...]` (SPEC_FULL.md §6):
// launch a fresh target under PTRACE_TRACEME+exec and trace it to exit.
type runCmd struct {
	usePty bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "launch and trace a fresh target process" }
func (*runCmd) Usage() string {
	return "run [-pty] -- <target> [args...]\n"
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.usePty, "pty", false, "allocate a pseudo-terminal for the target's stdio")
}

func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	argv := f.Args()
	if len(argv) == 0 {
		f.Usage()
		return subcommands.ExitUsageError
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

	stdin, stdout, stderr := os.Stdin, os.Stdout, os.Stderr
	if r.usePty {
		ptyFile, ttyFile, closer, err := allocatePty()
		if err != nil {
			return fatalf("allocating pty: %v", err)
		}
		defer closer()
		stdin, stdout, stderr = ttyFile, ttyFile, ttyFile
		go copyConsole(ptyFile)
	}

	sp, err := tracer.Launch(argv, stdin, stdout, stderr)
	if err != nil {
		return fatalf("launching %v: %v", argv, err)
	}

	engine := tracer.NewEngine(cfg, outDir, logger, filepath.Base(argv[0]))
	if err := engine.Run(sp); err != nil {
		return fatalf("tracing %v: %v", argv, err)
	}
	return subcommands.ExitSuccess
}

// allocatePty opens a fresh pty/tty pair via kr/pty, returning the master
// (ptyFile) for the driving terminal's console.Console wiring and the slave
// (ttyFile) to hand the traced target as its stdio.
func allocatePty() (ptyFile, ttyFile *os.File, closer func(), err error) {
	ptyFile, ttyFile, err = pty.Open()
	if err != nil {
		return nil, nil, nil, err
	}
	return ptyFile, ttyFile, func() {
		ttyFile.Close()
		ptyFile.Close()
	}, nil
}

// copyConsole mirrors the target's pty master onto this process's own
// console, so `fpspy run -pty` behaves like an interactive passthrough
// rather than swallowing the target's tty output.
func copyConsole(ptyFile *os.File) {
	current := console.Current()
	defer current.Reset()
	io.Copy(current, ptyFile)
}

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

// Command fpspy is FPSpy-go's user-facing binary (SPEC_FULL.md §6): it
// replaces the original's dynamic-linker preload activation with three
// subcommands, run/attach/dump, registered with google/subcommands the way
// runsc/cli/main.go registers runsc's own OCI commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&attachCmd{}, "")
	subcommands.Register(&dumpCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// fatalf prints an error to stderr and returns the ExitFailure status,
// mirroring runsc/cmd/util.Fatalf's role without depending on that
// uncopied package.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "fpspy: "+format+"\n", args...)
	return subcommands.ExitFailure
}

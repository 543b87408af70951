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
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/fpspy/fpspy/internal/fptrace"
	"github.com/fpspy/fpspy/internal/tracer"
)

// fpeCodeName maps a SIGFPE si_code to its symbolic name, matching
// original_source's libtrace.c print() switch.
func fpeCodeName(code int32) string {
	switch code {
	case tracer.FPEIntDiv:
		return "FPE_INTDIV"
	case tracer.FPEIntOvf:
		return "FPE_INTOVF"
	case tracer.FPEFltDiv:
		return "FPE_FLTDIV"
	case tracer.FPEFltOvf:
		return "FPE_FLTOVF"
	case tracer.FPEFltUnd:
		return "FPE_FLTUND"
	case tracer.FPEFltRes:
		return "FPE_FLTRES"
	case tracer.FPEFltInv:
		return "FPE_FLTINV"
	case tracer.FPEFltSub:
		return "FPE_FLTSUB"
	default:
		return "***UNKNOWN"
	}
}

// dumpCmd implements `fpspy dump <tracefile>` (SPEC_FULL.md §6): the
// out-of-scope trace-file reader/printer, one line per fptrace.Record (or
// ABORT for the abort marker), grounded on original_source's trace_print.c.
type dumpCmd struct{}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "print an INDIVIDUAL-mode trace file as text" }
func (*dumpCmd) Usage() string {
	return "dump <tracefile>\n"
}

func (*dumpCmd) SetFlags(*flag.FlagSet) {}

func (*dumpCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	file, err := os.Open(f.Arg(0))
	if err != nil {
		return fatalf("opening %s: %v", f.Arg(0), err)
	}
	defer file.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	r := bufio.NewReader(file)
	buf := make([]byte, fptrace.RecordSize)
	n := 0
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				break
			}
			return fatalf("reading record %d: %v", n, err)
		}
		var rec fptrace.Record
		if err := rec.UnmarshalBinary(buf); err != nil {
			return fatalf("decoding record %d: %v", n, err)
		}
		printRecord(w, rec)
		n++
	}
	return subcommands.ExitSuccess
}

// printRecord writes one human-readable line per record, matching
// trace_print.c's one-exception-per-line output.
func printRecord(w io.Writer, r fptrace.Record) {
	op := "***ABORT!!"
	if !r.IsAbort() {
		op = fpeCodeName(r.Code)
	}
	fmt.Fprintf(w, "%-16d\t%s\t%016x\t%016x\t%08x\t%08x\t",
		r.Time, op, r.RIP, r.RSP, r.Code, r.MXCSR)
	for _, b := range r.Instruction {
		fmt.Fprintf(w, "%02x", b)
	}
	fmt.Fprintln(w)
}

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

package fptrace

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fpspy/fpspy/internal/archfp"
)

// IndividualWriter appends Records to an INDIVIDUAL-mode trace file,
// buffering in the same spirit as the original's in-memory
// trace_records[N] write-behind buffer: writes accumulate and are flushed
// in batches rather than one syscall per event.
type IndividualWriter struct {
	w   *bufio.Writer
	c   io.Closer
	buf [RecordSize]byte
}

// NewIndividualWriter wraps w (typically a freshly created trace file).
func NewIndividualWriter(w io.WriteCloser) *IndividualWriter {
	return &IndividualWriter{w: bufio.NewWriter(w), c: w}
}

// Write appends r to the trace.
func (iw *IndividualWriter) Write(r Record) error {
	b, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	copy(iw.buf[:], b)
	if _, err := iw.w.Write(iw.buf[:]); err != nil {
		return fmt.Errorf("fptrace: write record: %w", err)
	}
	return nil
}

// Flush pushes any buffered records to the underlying writer without
// closing it.
func (iw *IndividualWriter) Flush() error {
	if err := iw.w.Flush(); err != nil {
		return fmt.Errorf("fptrace: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (iw *IndividualWriter) Close() error {
	if err := iw.Flush(); err != nil {
		return err
	}
	return iw.c.Close()
}

// aggregateTokens is the fixed token order an AGGREGATE file lists raised
// exceptions in (spec.md §6), independent of archfp.Exception's own
// iteration order.
var aggregateTokens = [...]struct {
	e     archfp.Exception
	token string
}{
	{archfp.DivByZero, "FE_DIVBYZERO"},
	{archfp.Inexact, "FE_INEXACT"},
	{archfp.Invalid, "FE_INVALID"},
	{archfp.Overflow, "FE_OVERFLOW"},
	{archfp.Underflow, "FE_UNDERFLOW"},
	{archfp.Denorm, "FE_DENORM"},
}

// WriteAggregate renders one AGGREGATE-mode output line (spec.md §6):
// space-separated FE_* tokens in the fixed order above, or
// NO_EXCEPTIONS_RECORDED, or ABORTED, newline-terminated.
func WriteAggregate(w io.Writer, raised archfp.ExceptionSet, aborted bool) error {
	var line string
	switch {
	case aborted:
		line = "ABORTED"
	case raised == 0:
		line = "NO_EXCEPTIONS_RECORDED"
	default:
		var tokens []string
		for _, t := range aggregateTokens {
			if raised.Has(t.e) {
				tokens = append(tokens, t.token)
			}
		}
		line = strings.Join(tokens, " ")
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("fptrace: write aggregate: %w", err)
	}
	return nil
}

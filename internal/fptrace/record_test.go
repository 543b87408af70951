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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fpspy/fpspy/internal/archfp"
)

func TestRecordRoundTrip(t *testing.T) {
	in := Record{
		Time:  123456789,
		RIP:   0xdeadbeef,
		RSP:   0x7ffeffff,
		Code:  8,
		MXCSR: 0x1f80,
	}
	copy(in.Instruction[:], []byte{0x0f, 0x2a, 0xc0})

	buf, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != RecordSize {
		t.Fatalf("MarshalBinary produced %d bytes, want %d", len(buf), RecordSize)
	}

	var out Record
	if err := out.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAbortRecordAllFF(t *testing.T) {
	r := AbortRecord(42)
	if !r.IsAbort() {
		t.Fatalf("AbortRecord().IsAbort() = false")
	}
	buf, err := r.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	for i, b := range buf {
		if i < 8 {
			continue // Time field
		}
		if b != 0xFF {
			t.Fatalf("abort record byte %d = %#x, want 0xff", i, b)
		}
	}
}

func TestWriteAggregateOrderAndTokens(t *testing.T) {
	tests := []struct {
		name    string
		raised  archfp.ExceptionSet
		aborted bool
		want    string
	}{
		{"none", 0, false, "NO_EXCEPTIONS_RECORDED\n"},
		{"aborted", archfp.AllExceptions, true, "ABORTED\n"},
		{
			name:   "fixed token order regardless of bit order",
			raised: archfp.ExceptionSet(0).With(archfp.Inexact).With(archfp.DivByZero),
			want:   "FE_DIVBYZERO FE_INEXACT\n",
		},
		{
			name:   "all exceptions",
			raised: archfp.AllExceptions,
			want:   "FE_DIVBYZERO FE_INEXACT FE_INVALID FE_OVERFLOW FE_UNDERFLOW FE_DENORM\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteAggregate(&buf, tc.raised, tc.aborted); err != nil {
				t.Fatalf("WriteAggregate: %v", err)
			}
			if got := buf.String(); got != tc.want {
				t.Fatalf("WriteAggregate() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIndividualWriterRoundTrip(t *testing.T) {
	var buf closingBuffer
	w := NewIndividualWriter(&buf)
	recs := []Record{
		{Time: 1, Code: 0},
		{Time: 2, Code: 1},
		AbortRecord(3),
	}
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.Len() != RecordSize*len(recs) {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), RecordSize*len(recs))
	}
	for i, want := range recs {
		var got Record
		if err := got.UnmarshalBinary(buf.Bytes()[i*RecordSize : (i+1)*RecordSize]); err != nil {
			t.Fatalf("UnmarshalBinary(%d): %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("record %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

type closingBuffer struct{ bytes.Buffer }

func (c *closingBuffer) Close() error { return nil }

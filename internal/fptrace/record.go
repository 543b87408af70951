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

// Package fptrace implements the on-disk trace record format (SPEC_FULL.md
// §6): a fixed 48-byte packed little-endian record per captured FP
// exception, and the two output file writers (INDIVIDUAL's contiguous
// record stream, AGGREGATE's one-line flag summary).
package fptrace

import (
	"encoding/binary"
	"fmt"

	"github.com/fpspy/fpspy/internal/archfp"
)

// RecordSize is the fixed, identical size of every TraceRecord on disk.
const RecordSize = 48

// AbortCode is the sentinel Code value marking an abort record.
const AbortCode int32 = -1

// Record is one FP trap event (or, with Code == AbortCode, one abort
// marker). Field order and widths mirror the original's packed struct
// exactly; this is a wire format, not an in-memory convenience type.
type Record struct {
	Time        uint64
	RIP         uint64
	RSP         uint64
	Code        int32
	MXCSR       uint32
	Instruction [archfp.MaxInstructionBytes]byte
}

// AbortRecord builds the abort marker for elapsed: every byte 0xFF except
// Time, which holds the elapsed cycle count (SPEC_FULL.md §4.6 step 4).
func AbortRecord(elapsed uint64) Record {
	r := Record{
		Time:  elapsed,
		RIP:   0xFFFFFFFFFFFFFFFF,
		RSP:   0xFFFFFFFFFFFFFFFF,
		Code:  AbortCode,
		MXCSR: 0xFFFFFFFF,
	}
	for i := range r.Instruction {
		r.Instruction[i] = 0xFF
	}
	return r
}

// IsAbort reports whether r is an abort marker.
func (r Record) IsAbort() bool { return r.Code == AbortCode }

// MarshalBinary encodes r into the fixed 48-byte wire layout.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.Time)
	binary.LittleEndian.PutUint64(buf[8:16], r.RIP)
	binary.LittleEndian.PutUint64(buf[16:24], r.RSP)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(r.Code))
	binary.LittleEndian.PutUint32(buf[28:32], r.MXCSR)
	copy(buf[32:47], r.Instruction[:])
	// buf[47] is the pad byte: zero for a normal record, 0xFF for an abort
	// marker, matching AbortRecord's "every byte 0xFF" contract.
	if r.IsAbort() {
		buf[47] = 0xFF
	}
	return buf, nil
}

// UnmarshalBinary decodes one record from a 48-byte slice.
func (r *Record) UnmarshalBinary(buf []byte) error {
	if len(buf) < RecordSize {
		return fmt.Errorf("fptrace: short record: got %d bytes, want %d", len(buf), RecordSize)
	}
	r.Time = binary.LittleEndian.Uint64(buf[0:8])
	r.RIP = binary.LittleEndian.Uint64(buf[8:16])
	r.RSP = binary.LittleEndian.Uint64(buf[16:24])
	r.Code = int32(binary.LittleEndian.Uint32(buf[24:28]))
	r.MXCSR = binary.LittleEndian.Uint32(buf[28:32])
	copy(r.Instruction[:], buf[32:47])
	return nil
}

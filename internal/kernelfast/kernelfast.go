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

// Package kernelfast implements FPSPY_KERNEL's optional fast-path
// short-circuit (SPEC_FULL.md §0, §4.7): a `signal:signal_generate`
// tracepoint program, loaded with cilium/ebpf, pre-filters SIGFPE delivery
// to one thread group and publishes a small event per signal on a
// BPF_MAP_TYPE_RINGBUF. The tracer's ptrace event loop consumes these to
// skip the PTRACE_GETSIGINFO round trip on the common path; it never skips
// the ptrace stop itself, since only the tracer of record may resume a
// stopped tracee.
//
// The program's own BPF instruction encoding is out of scope here (SPEC_
// FULL.md §1-2 lists it alongside the trace-file reader and config parsing
// as a specified-by-contract collaborator): Open loads a precompiled object
// from disk, the way a deployment would ship one built by bpf2go against
// fpspy's own .bpf.c source. Any failure to load or attach — missing
// object, no CAP_BPF, a kernel without the tracepoint — is reported as a
// plain error; callers treat it as "fast path unavailable" and fall back to
// pure ptrace, never as fatal.
package kernelfast

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
)

// DefaultObjectPath is where a deployment conventionally installs the
// compiled tracepoint program; FPSPY_KERNEL_OBJECT (fpconfig) overrides it.
const DefaultObjectPath = "/usr/local/lib/fpspy/kernelfast.o"

const (
	programName = "trace_sigfpe"
	mapName     = "events"
)

// Event is one SIGFPE the kernel program observed, decoded from its
// ringbuf wire layout (tgid, tid, signo, si_code; four little-endian
// int32s, matching the BPF program's event struct field order).
type Event struct {
	Tgid  int32
	Tid   int32
	Signo int32
	Code  int32
}

const eventSize = 16

func parseEvent(raw []byte) (Event, error) {
	if len(raw) < eventSize {
		return Event{}, fmt.Errorf("kernelfast: short event: got %d bytes, want %d", len(raw), eventSize)
	}
	var ev Event
	r := bytes.NewReader(raw[:eventSize])
	if err := binary.Read(r, binary.LittleEndian, &ev); err != nil {
		return Event{}, fmt.Errorf("kernelfast: decode event: %w", err)
	}
	return ev, nil
}

// FastPath is one loaded-and-attached instance of the tracepoint program,
// scoped to a single traced thread group.
type FastPath struct {
	coll   *ebpf.Collection
	tp     link.Link
	reader *ringbuf.Reader

	events chan Event
	done   chan struct{}
}

// Open loads objPath, attaches its trace_sigfpe program to
// signal:signal_generate, and starts pumping decoded events into the
// channel returned by Events. tgid is passed to the program via its
// "target_tgid" map-backed config cell so only that thread group's SIGFPEs
// are published; an Engine with FPSPY_KERNEL unset never calls this.
func Open(objPath string, tgid int) (*FastPath, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("kernelfast: load spec %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("kernelfast: new collection: %w", err)
	}
	prog, ok := coll.Programs[programName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("kernelfast: object has no %q program", programName)
	}
	m, ok := coll.Maps[mapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("kernelfast: object has no %q map", mapName)
	}
	if err := configureTarget(coll, tgid); err != nil {
		coll.Close()
		return nil, err
	}

	tp, err := link.Tracepoint("signal", "signal_generate", prog, nil)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("kernelfast: attach tracepoint: %w", err)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		tp.Close()
		coll.Close()
		return nil, fmt.Errorf("kernelfast: open ringbuf: %w", err)
	}

	fp := &FastPath{
		coll:   coll,
		tp:     tp,
		reader: rd,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go fp.pump()
	return fp, nil
}

// configureTarget writes tgid into the "target_tgid" map the program
// filters on, if present. Older/smaller builds of the object may hardcode
// a single-tgid filter at compile time instead; a missing map is not an
// error, just a narrower deployment.
func configureTarget(coll *ebpf.Collection, tgid int) error {
	m, ok := coll.Maps["target_tgid"]
	if !ok {
		return nil
	}
	var key uint32
	val := uint32(tgid)
	if err := m.Update(key, val, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("kernelfast: set target_tgid: %w", err)
	}
	return nil
}

// Events returns the channel FastPath publishes decoded SIGFPE sightings
// on. Closed when the reader stops (Close called, or the kernel side
// exited).
func (fp *FastPath) Events() <-chan Event {
	return fp.events
}

func (fp *FastPath) pump() {
	defer close(fp.events)
	for {
		rec, err := fp.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			continue
		}
		ev, err := parseEvent(rec.RawSample)
		if err != nil {
			continue
		}
		select {
		case fp.events <- ev:
		case <-fp.done:
			return
		}
	}
}

// Close detaches the tracepoint, closes the ringbuf reader and releases
// the loaded program/maps.
func (fp *FastPath) Close() error {
	close(fp.done)
	err := fp.reader.Close()
	if tpErr := fp.tp.Close(); err == nil {
		err = tpErr
	}
	fp.coll.Close()
	return err
}

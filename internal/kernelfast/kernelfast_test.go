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

package kernelfast

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseEvent(t *testing.T) {
	var buf bytes.Buffer
	want := Event{Tgid: 100, Tid: 101, Signo: 8, Code: 3}
	if err := binary.Write(&buf, binary.LittleEndian, want); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := parseEvent(buf.Bytes())
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	if got != want {
		t.Fatalf("parseEvent = %+v, want %+v", got, want)
	}
}

func TestParseEventShort(t *testing.T) {
	if _, err := parseEvent([]byte{1, 2, 3}); err == nil {
		t.Fatalf("parseEvent with short buffer: got nil error")
	}
}

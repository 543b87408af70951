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

// Package outputdir creates FPSpy-go's trace and aggregate output files
// (spec.md §6, SPEC_FULL.md §6's FPSPY_OUTPUT_DIR addition).
//
// A freshly forked tracee and its parent may both be creating their first
// file in the same output directory at nearly the same instant (spec.md
// §4.5's fork scenario): Create serializes file creation with a flock on a
// sentinel lock file. Open's os.MkdirAll runs without that lock and relies
// on MkdirAll's own idempotency.
package outputdir

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockFileName = ".fpspy.lock"

// Dir is an FPSPY_OUTPUT_DIR ready to receive trace/aggregate files.
type Dir struct {
	path string
	lock *flock.Flock
}

// Open ensures path exists and returns a Dir bound to it. path defaults to
// the current directory when empty (spec.md §6's "current directory"
// default).
func Open(path string) (*Dir, error) {
	if path == "" {
		path = "."
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("outputdir: mkdir %s: %w", path, err)
	}
	return &Dir{
		path: path,
		lock: flock.New(filepath.Join(path, lockFileName)),
	}, nil
}

// Kind distinguishes the two output file name templates (spec.md §6).
type Kind int

const (
	Individual Kind = iota
	Aggregate
)

func (k Kind) suffix() string {
	if k == Aggregate {
		return "aggregate"
	}
	return "individual"
}

// FileName builds `__<progname>.<unix-secs>.<tid>.<kind>.fpemon`.
func FileName(progname string, unixSecs int64, tid int, kind Kind) string {
	return fmt.Sprintf("__%s.%d.%d.%s.fpemon", progname, unixSecs, tid, kind.suffix())
}

// Create creates the named output file exclusively (O_EXCL: it fails if the
// file already exists; tid-scoped names never collide within one run),
// serialized against concurrent creators via the directory's flock sentinel.
func (d *Dir) Create(progname string, tid int, kind Kind) (*os.File, error) {
	if err := d.lock.Lock(); err != nil {
		return nil, fmt.Errorf("outputdir: lock %s: %w", d.path, err)
	}
	defer d.lock.Unlock()

	name := FileName(progname, time.Now().Unix(), tid, kind)
	f, err := os.OpenFile(filepath.Join(d.path, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("outputdir: create %s: %w", name, err)
	}
	return f, nil
}

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

// Package fplog configures structured logging for the tracer process
// (SPEC_FULL.md's AMBIENT STACK), mapping FPSPY_DEBUG_LEVEL onto a logrus
// level the way the teacher's CLI maps --debug onto its own logger.
package fplog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// New builds a logger at the level FPSPY_DEBUG_LEVEL selects: 0 is quiet
// (warnings and above), 1 is verbose (debug and above); any other value
// (including spec.md's documented default of 2) falls back to info level,
// matching fpspy.c's own DEBUG_LEVEL semantics of "anything beyond the
// documented levels just behaves like the default."
func New(debugLevel int) *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	switch debugLevel {
	case 0:
		l.SetLevel(logrus.WarnLevel)
	case 1:
		l.SetLevel(logrus.DebugLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Thread returns an entry pre-populated with the fields every trap-engine
// log line carries: tid, tgid and the current trap-machine state.
func Thread(l *logrus.Logger, tid, tgid int, state fmt.Stringer) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"tid":   tid,
		"tgid":  tgid,
		"state": state.String(),
	})
}

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

package fpconfig

import "testing"

func lookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(lookup(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != Aggregate {
		t.Fatalf("Mode = %v, want Aggregate", cfg.Mode)
	}
	if cfg.MaxCount != -1 {
		t.Fatalf("MaxCount = %d, want -1", cfg.MaxCount)
	}
	if cfg.Sample != 1 {
		t.Fatalf("Sample = %d, want 1", cfg.Sample)
	}
	if cfg.DebugLevel != 2 {
		t.Fatalf("DebugLevel = %d, want 2", cfg.DebugLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := Load(lookup(map[string]string{
		"FPSPY_MODE":     "individual",
		"FPSPY_MAXCOUNT": "3",
		"FPSPY_SAMPLE":   "2",
		"FPSPY_POISSON":  "1000:9000",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != Individual {
		t.Fatalf("Mode = %v, want Individual", cfg.Mode)
	}
	if cfg.MaxCount != 3 {
		t.Fatalf("MaxCount = %d, want 3", cfg.MaxCount)
	}
	if cfg.Sample != 2 {
		t.Fatalf("Sample = %d, want 2", cfg.Sample)
	}
	if cfg.Poisson == nil || cfg.Poisson.OnMeanUS != 1000 || cfg.Poisson.OffMeanUS != 9000 {
		t.Fatalf("Poisson = %+v, want {1000 9000}", cfg.Poisson)
	}
}

func TestLoadInvalidModeRejected(t *testing.T) {
	_, err := Load(lookup(map[string]string{"FPSPY_MODE": "bogus"}))
	if err == nil {
		t.Fatalf("Load succeeded with FPSPY_MODE=bogus, want error")
	}
}

func TestParseForceRounding(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"pos", false},
		{"neg daz", false},
		{"zer daz ftz", false},
		{"nea ftz", false},
		{"", true},
		{"bogus", true},
		{"pos bogus", true},
	}
	for _, tc := range tests {
		_, err := ParseForceRounding(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseForceRounding(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}

func TestParsePoissonRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "1000", "1000:", ":9000", "a:b"} {
		if _, err := ParsePoisson(in); err == nil {
			t.Errorf("ParsePoisson(%q) succeeded, want error", in)
		}
	}
}

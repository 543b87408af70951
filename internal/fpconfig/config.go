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

// Package fpconfig parses FPSpy-go's configuration: the environment
// variable table from spec.md §6, optionally overlaid by an fpspy.toml file
// (SPEC_FULL.md §6). An environment variable that is set always wins over
// the TOML overlay, which always wins over the hard default.
package fpconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fpspy/fpspy/internal/archfp"
	"github.com/fpspy/fpspy/internal/kernelfast"
)

// Mode selects AGGREGATE or INDIVIDUAL operation (spec.md §1).
type Mode int

const (
	Aggregate Mode = iota
	Individual
)

func (m Mode) String() string {
	if m == Individual {
		return "individual"
	}
	return "aggregate"
}

// Timer selects which interval timer clock the Poisson sampler uses
// (spec.md §6's FPSPY_TIMER).
type Timer int

const (
	TimerReal Timer = iota
	TimerVirtual
	TimerProf
)

// Poisson holds the parsed FPSPY_POISSON "ON_us:OFF_us" pair.
type Poisson struct {
	OnMeanUS  uint64
	OffMeanUS uint64
}

// Config is FPSpy-go's fully resolved configuration.
type Config struct {
	Mode            Mode     `toml:"mode"`
	MaxCount        int64    `toml:"max_count"`
	Sample          int      `toml:"sample"`
	Aggressive      bool     `toml:"aggressive"`
	DisablePthreads bool     `toml:"disable_pthreads"`
	Poisson         *Poisson `toml:"-"`
	PoissonRaw      string   `toml:"poisson"`
	Timer           Timer    `toml:"-"`
	TimerRaw        string   `toml:"timer"`
	Seed            int64    `toml:"seed"`
	ExceptListRaw   string   `toml:"except_list"`
	ExceptList      archfp.ExceptionSet `toml:"-"`
	ForceRounding   *archfp.RoundConfig `toml:"-"`
	ForceRoundingRaw string             `toml:"force_rounding"`
	Kickstart       bool   `toml:"kickstart"`
	AbortOnFirst    bool   `toml:"abort"`
	DebugLevel      int    `toml:"debug_level"`
	Kernel          bool   `toml:"kernel"`
	KernelObject    string `toml:"kernel_object"`
	OutputDir       string `toml:"output_dir"`
}

// Default returns spec.md §6's documented defaults.
func Default() *Config {
	return &Config{
		Mode:         Aggregate,
		MaxCount:     -1,
		Sample:       1,
		Timer:        TimerReal,
		Seed:         -1,
		ExceptList:   archfp.AllExceptions,
		DebugLevel:   2,
		OutputDir:    ".",
		KernelObject: kernelfast.DefaultObjectPath,
	}
}

// envKeys lists every FPSPY_* variable this package recognizes, in the
// order spec.md §6 lists them.
var envKeys = []string{
	"FPSPY_MODE", "FPSPY_MAXCOUNT", "FPSPY_SAMPLE", "FPSPY_AGGRESSIVE",
	"FPSPY_DISABLE_PTHREADS", "FPSPY_POISSON", "FPSPY_TIMER", "FPSPY_SEED",
	"FPSPY_EXCEPT_LIST", "FPSPY_FORCE_ROUNDING", "FPSPY_KICKSTART",
	"FPSPY_ABORT", "FPSPY_DEBUG_LEVEL", "FPSPY_KERNEL", "FPSPY_KERNEL_OBJECT",
	"FPSPY_OUTPUT_DIR",
}

// Load builds a Config from hard defaults, an optional TOML overlay
// (FPSPY_CONFIG, or ./fpspy.toml if present), and the environment —  in
// that increasing order of precedence.
func Load(environ func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	tomlPath, _ := environ("FPSPY_CONFIG")
	if tomlPath == "" {
		if _, err := os.Stat("fpspy.toml"); err == nil {
			tomlPath = "fpspy.toml"
		}
	}
	if tomlPath != "" {
		if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
			return nil, fmt.Errorf("fpconfig: decode %s: %w", tomlPath, err)
		}
	}
	if err := cfg.resolveRaw(); err != nil {
		return nil, fmt.Errorf("fpconfig: %s: %w", tomlPath, err)
	}

	for _, key := range envKeys {
		val, ok := environ(key)
		if !ok {
			continue
		}
		if err := cfg.applyEnv(key, val); err != nil {
			return nil, fmt.Errorf("fpconfig: %s=%q: %w", key, val, err)
		}
	}
	return cfg, nil
}

// resolveRaw re-derives the non-TOML-friendly fields (Poisson, Timer,
// ExceptList, ForceRounding) from whatever raw strings a TOML overlay
// populated, so applyEnv and Default agree on a single source of truth.
func (c *Config) resolveRaw() error {
	if c.PoissonRaw != "" {
		p, err := ParsePoisson(c.PoissonRaw)
		if err != nil {
			return err
		}
		c.Poisson = p
	}
	if c.TimerRaw != "" {
		t, err := ParseTimer(c.TimerRaw)
		if err != nil {
			return err
		}
		c.Timer = t
	}
	if c.ExceptListRaw != "" {
		es, err := archfp.ParseExceptList(c.ExceptListRaw)
		if err != nil {
			return err
		}
		c.ExceptList = es
	}
	if c.ForceRoundingRaw != "" {
		rc, err := ParseForceRounding(c.ForceRoundingRaw)
		if err != nil {
			return err
		}
		c.ForceRounding = &rc
	}
	return nil
}

func (c *Config) applyEnv(key, val string) error {
	switch key {
	case "FPSPY_MODE":
		switch val {
		case "individual":
			c.Mode = Individual
		case "aggregate":
			c.Mode = Aggregate
		default:
			return fmt.Errorf("must be %q or %q", "individual", "aggregate")
		}
	case "FPSPY_MAXCOUNT":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		c.MaxCount = n
	case "FPSPY_SAMPLE":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		if n < 1 {
			return fmt.Errorf("must be >= 1")
		}
		c.Sample = n
	case "FPSPY_AGGRESSIVE":
		c.Aggressive = isYes(val)
	case "FPSPY_DISABLE_PTHREADS":
		c.DisablePthreads = isYes(val)
	case "FPSPY_POISSON":
		p, err := ParsePoisson(val)
		if err != nil {
			return err
		}
		c.Poisson = p
	case "FPSPY_TIMER":
		t, err := ParseTimer(val)
		if err != nil {
			return err
		}
		c.Timer = t
	case "FPSPY_SEED":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		c.Seed = n
	case "FPSPY_EXCEPT_LIST":
		es, err := archfp.ParseExceptList(val)
		if err != nil {
			return err
		}
		c.ExceptList = es
	case "FPSPY_FORCE_ROUNDING":
		rc, err := ParseForceRounding(val)
		if err != nil {
			return err
		}
		c.ForceRounding = &rc
	case "FPSPY_KICKSTART":
		c.Kickstart = isYes(val)
	case "FPSPY_ABORT":
		c.AbortOnFirst = isYes(val)
	case "FPSPY_DEBUG_LEVEL":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		c.DebugLevel = n
	case "FPSPY_KERNEL":
		c.Kernel = isYes(val)
	case "FPSPY_KERNEL_OBJECT":
		c.KernelObject = val
	case "FPSPY_OUTPUT_DIR":
		c.OutputDir = val
	}
	return nil
}

func isYes(v string) bool { return v == "y" || v == "Y" }

// ParsePoisson parses FPSPY_POISSON's "ON_us:OFF_us" syntax.
func ParsePoisson(v string) (*Poisson, error) {
	on, off, ok := strings.Cut(v, ":")
	if !ok {
		return nil, fmt.Errorf(`expected "ON_us:OFF_us"`)
	}
	onUS, err := strconv.ParseUint(on, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("on interval: %w", err)
	}
	offUS, err := strconv.ParseUint(off, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("off interval: %w", err)
	}
	return &Poisson{OnMeanUS: onUS, OffMeanUS: offUS}, nil
}

// ParseTimer parses FPSPY_TIMER's {real, virtual, prof} enum.
func ParseTimer(v string) (Timer, error) {
	switch v {
	case "real":
		return TimerReal, nil
	case "virtual":
		return TimerVirtual, nil
	case "prof":
		return TimerProf, nil
	default:
		return 0, fmt.Errorf("must be one of real, virtual, prof")
	}
}

// ParseForceRounding parses FPSPY_FORCE_ROUNDING: "pos"/"neg"/"zer"/"nea"
// with optional trailing "daz" and/or "ftz" tokens, space-separated.
func ParseForceRounding(v string) (archfp.RoundConfig, error) {
	var cfg archfp.RoundConfig
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return cfg, fmt.Errorf("empty FPSPY_FORCE_ROUNDING")
	}
	switch fields[0] {
	case "pos":
		cfg.Mode = archfp.RoundPositive
	case "neg":
		cfg.Mode = archfp.RoundNegative
	case "zer":
		cfg.Mode = archfp.RoundZero
	case "nea":
		cfg.Mode = archfp.RoundNearest
	default:
		return cfg, fmt.Errorf("unknown rounding mode %q", fields[0])
	}
	for _, tok := range fields[1:] {
		switch tok {
		case "daz":
			cfg.DAZ = true
		case "ftz":
			cfg.FTZ = true
		default:
			return cfg, fmt.Errorf("unknown rounding modifier %q", tok)
		}
	}
	return cfg, nil
}

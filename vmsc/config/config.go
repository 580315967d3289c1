// Copyright 2026 The vmcore Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for vmsc. Each setting can be given as a command line flag or in a TOML
// configuration file; flags that are explicitly set take precedence.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// Config holds configuration that is not part of a scenario.
//
// Fields with a "flag" tag can be set from the command line; the tag names
// the flag.
type Config struct {
	// Memory is the simulated physical memory map.
	Memory Memory `toml:"memory"`

	// Log configures logging.
	Log Log `toml:"log"`
}

// Memory describes physical memory.
type Memory struct {
	// Frames is the number of usable frames, starting at frame 0. It is
	// ignored if Regions is set.
	Frames uint64 `toml:"frames" yaml:"frames" flag:"frames"`

	// Reserved is the number of frames at the start of memory withheld from
	// allocation, like frame 0 and the kernel image. It reserves frames
	// [0, Reserved) wherever they fall in the memory map, so regions above it
	// lose nothing.
	Reserved uint64 `toml:"reserved" yaml:"reserved" flag:"reserved-frames"`

	// Regions lists usable physical memory, replacing Frames.
	Regions []Region `toml:"region" yaml:"regions"`
}

// Region is a run of usable frames.
type Region struct {
	Start  uint64 `toml:"start" yaml:"start"`
	Frames uint64 `toml:"frames" yaml:"frames"`
}

// Log configures logging.
type Log struct {
	// Level is one of warning, info or debug.
	Level string `toml:"level" flag:"log-level"`

	// Format is text or json.
	Format string `toml:"format" flag:"log-format"`

	// File is where logs are written; empty means stderr. The pattern may
	// contain %TIMESTAMP% and %COMMAND%.
	File string `toml:"file" flag:"log"`
}

// IsEmpty returns true if m describes no memory, so that it does not
// override another memory map.
func (m *Memory) IsEmpty() bool {
	return m.Frames == 0 && m.Reserved == 0 && len(m.Regions) == 0
}

// Opts returns the allocator options for m.
func (m *Memory) Opts() pgalloc.Opts {
	var opts pgalloc.Opts
	if len(m.Regions) == 0 {
		opts.Regions = []pgalloc.FrameRange{pgalloc.FrameRangeOf(0, m.Frames)}
	}
	for _, r := range m.Regions {
		opts.Regions = append(opts.Regions, pgalloc.FrameRangeOf(pgalloc.Frame(r.Start), r.Frames))
	}
	if m.Reserved > 0 {
		opts.Reserved = []pgalloc.FrameRange{pgalloc.FrameRangeOf(0, m.Reserved)}
	}
	return opts
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() log.Level {
	l, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		// validate has checked the level.
		panic(fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	return l
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// WithMemory returns a copy of c using memory m, unless m is empty.
func (c *Config) WithMemory(m Memory) (*Config, error) {
	cp := c.Copy()
	if m.IsEmpty() {
		return cp, nil
	}
	cp.Memory = *deepcopy.Copy(&m).(*Memory)
	if err := cp.validate(); err != nil {
		return nil, err
	}
	return cp, nil
}

// loadFile decodes the TOML file at path over c. Unknown keys are errors.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// reservedIn returns how many frames of r fall below frame n.
func reservedIn(r Region, n uint64) uint64 {
	if n <= r.Start {
		return 0
	}
	return min(n, r.Start+r.Frames) - r.Start
}

func (c *Config) validate() error {
	if len(c.Memory.Regions) == 0 && c.Memory.Frames == 0 {
		return fmt.Errorf("memory map is empty: set frames or at least one region")
	}
	var total, reserved uint64
	for i, r := range c.Memory.Regions {
		if r.Frames == 0 {
			return fmt.Errorf("memory region %d at frame %d is empty", i, r.Start)
		}
		if r.Start+r.Frames < r.Start {
			return fmt.Errorf("memory region %d at frame %d overflows", i, r.Start)
		}
		total += r.Frames
		reserved += reservedIn(r, c.Memory.Reserved)
	}
	if len(c.Memory.Regions) == 0 {
		total = c.Memory.Frames
		reserved = reservedIn(Region{Frames: total}, c.Memory.Reserved)
	}
	if reserved >= total {
		return fmt.Errorf("%d reserved frames leave no usable memory out of %d", c.Memory.Reserved, total)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", c.Log.Format)
	}
	return nil
}

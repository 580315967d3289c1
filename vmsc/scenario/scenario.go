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

// Package scenario reads and runs vmsc scenario files. A scenario is a YAML
// list of steps that create address spaces, map and unmap regions, and
// access memory from tasks, each with an expected outcome.
package scenario

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	vmerrors "github.com/vmcore/vmcore/pkg/errors"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/vmsc/config"
)

//go:embed schema.json
var schemaJSON []byte

// Ops.
const (
	OpCreate     = "create"
	OpMap        = "map"
	OpUnmap      = "unmap"
	OpProtect    = "protect"
	OpRead       = "read"
	OpWrite      = "write"
	OpExec       = "exec"
	OpTranslate  = "translate"
	OpDestroy    = "destroy"
	OpBreakpoint = "breakpoint"
	OpParallel   = "parallel"
)

// MaxReadLength bounds the length of a read step.
const MaxReadLength = 1 << 20

// Expectations other than error kind names.
const (
	ExpectOK     = "ok"
	ExpectKilled = "killed"
)

// Scenario is a parsed scenario file.
type Scenario struct {
	Name string `yaml:"name"`

	// Memory, if set, replaces the configured memory map.
	Memory config.Memory `yaml:"memory"`

	Steps []Step `yaml:"steps"`
}

// Step is one operation of a scenario.
type Step struct {
	Op    string `yaml:"op"`
	Space string `yaml:"space"`

	Addr   uint64 `yaml:"addr"`
	Length uint64 `yaml:"length"`

	// Perms are the letters r, w and x, plus u for user-accessible regions.
	Perms string `yaml:"perms"`

	// Lazy regions are backed on first fault.
	Lazy bool `yaml:"lazy"`

	// Name labels a mapped region.
	Name string `yaml:"name"`

	// Data is written by write steps.
	Data string `yaml:"data"`

	// Want, if set, is compared with the step's output: the data returned
	// by read, or the physical address returned by translate.
	Want string `yaml:"want"`

	// Expect is "ok" (the default), "killed", or an error kind name such as
	// "NotMapped".
	Expect string `yaml:"expect"`

	// Steps are run concurrently by parallel steps, one task per space.
	Steps []Step `yaml:"steps"`
}

// String implements fmt.Stringer.String.
func (s Step) String() string {
	var b strings.Builder
	b.WriteString(s.Op)
	if s.Space != "" {
		fmt.Fprintf(&b, " %s", s.Space)
	}
	switch s.Op {
	case OpMap, OpUnmap, OpProtect, OpRead:
		fmt.Fprintf(&b, " [%#x, %#x)", s.Addr, s.Addr+s.Length)
	case OpWrite, OpExec, OpTranslate:
		fmt.Fprintf(&b, " %#x", s.Addr)
	case OpParallel:
		fmt.Fprintf(&b, " (%d steps)", len(s.Steps))
	}
	if s.Perms != "" {
		fmt.Fprintf(&b, " %s", s.Perms)
	}
	return b.String()
}

// expectation returns Expect with the default applied.
func (s Step) expectation() string {
	if s.Expect == "" {
		return ExpectOK
	}
	return s.Expect
}

// ParsePerms parses a permission string into an access type and whether the
// region is user accessible.
func ParsePerms(s string) (memarch.AccessType, bool, error) {
	user := strings.ContainsRune(s, 'u')
	at, err := memarch.ParseAccessType(strings.ReplaceAll(s, "u", ""))
	return at, user, err
}

// ValidationError lists the schema violations of a scenario.
type ValidationError struct {
	Errors []string
}

// Error implements error.Error.
func (e *ValidationError) Error() string {
	return "invalid scenario: " + strings.Join(e.Errors, "; ")
}

var schema *gojsonschema.Schema

func init() {
	var err error
	schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid scenario schema: %v", err))
	}
}

// Validate checks the YAML document data against the scenario schema.
func Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing scenario: %w", err)
	}
	if doc == nil {
		return &ValidationError{Errors: []string{"scenario is empty"}}
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validating scenario: %w", err)
	}
	if res.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, e := range res.Errors() {
		verr.Errors = append(verr.Errors, e.String())
	}
	return verr
}

// Parse validates and decodes a scenario.
func Parse(data []byte) (*Scenario, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads and parses the scenario file at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// check enforces constraints the schema cannot express.
func (s *Scenario) check() error {
	var errs []error
	for i, st := range s.Steps {
		if err := st.check(false); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%v): %w", i, st, err))
		}
	}
	return errors.Join(errs...)
}

func (s Step) check(nested bool) error {
	if _, _, err := ParsePerms(s.Perms); err != nil {
		return err
	}
	if e := s.expectation(); e != ExpectOK && e != ExpectKilled {
		if _, ok := vmerrors.ParseKind(e); !ok {
			return fmt.Errorf("unknown expectation %q", e)
		}
	}
	switch s.Op {
	case OpParallel:
		if nested {
			return fmt.Errorf("parallel steps cannot be nested")
		}
		for i, sub := range s.Steps {
			if err := sub.check(true); err != nil {
				return fmt.Errorf("parallel step %d (%v): %w", i, sub, err)
			}
		}
	case OpRead, OpWrite, OpExec, OpBreakpoint:
		if s.Op == OpRead && s.Length > MaxReadLength {
			return fmt.Errorf("read length %#x exceeds %#x", s.Length, MaxReadLength)
		}
	default:
		if nested {
			return fmt.Errorf("%s cannot run in a parallel step", s.Op)
		}
	}
	return nil
}

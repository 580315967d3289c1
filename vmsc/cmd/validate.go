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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/vmcore/vmcore/vmsc/scenario"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct{}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "check scenario files without running them"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate <scenario.yaml>... - checks scenario files against the scenario schema.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Validate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Validate) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		if _, err := scenario.Load(path); err != nil {
			fmt.Fprintln(stdout, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(stdout, "%s: ok\n", path)
	}
	return status
}

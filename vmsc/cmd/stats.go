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

	"github.com/google/subcommands"

	"github.com/vmcore/vmcore/pkg/kernel"
	"github.com/vmcore/vmcore/pkg/metric"
	"github.com/vmcore/vmcore/vmsc/config"
	"github.com/vmcore/vmcore/vmsc/scenario"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	summary bool
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "print memory metrics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] [<scenario.yaml>...] - boots a kernel with the configured memory map, runs the
given scenarios against it, if any, and prints metrics in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.summary, "summary", false, "also print a human readable summary.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	k, err := kernel.New(kernel.Opts{Memory: conf.Memory.Opts()})
	if err != nil {
		return Errorf("booting kernel: %v", err)
	}
	for _, path := range f.Args() {
		sc, err := scenario.Load(path)
		if err != nil {
			return Errorf("loading scenario: %v", err)
		}
		if !sc.Memory.IsEmpty() {
			return Errorf("scenario %q sets its own memory map, which stats cannot honor", path)
		}
		if _, err := scenario.Run(ctx, k, sc); err != nil {
			return Errorf("running scenario %q: %v", path, err)
		}
	}

	if s.summary {
		printStats(stdout, k.Stats())
	}
	if err := metric.WritePrometheus(stdout); err != nil {
		return Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

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
	"io"

	"github.com/google/subcommands"

	"github.com/vmcore/vmcore/pkg/metric"
	"github.com/vmcore/vmcore/vmsc/config"
	"github.com/vmcore/vmcore/vmsc/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// quiet suppresses per-step output.
	quiet bool

	// metrics prints metrics after the run.
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario and report its results"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml> - runs the steps of a scenario against a fresh kernel.

The exit status is non-zero if any step does not meet its expectation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "only print failed steps and the final stats.")
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus text format after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := scenario.Load(f.Arg(0))
	if err != nil {
		return Errorf("loading scenario: %v", err)
	}
	k, err := scenario.NewKernel(conf, s)
	if err != nil {
		return Errorf("booting kernel: %v", err)
	}
	rep, err := scenario.Run(ctx, k, s)
	if err != nil {
		return Errorf("running scenario %q: %v", f.Arg(0), err)
	}

	printReport(stdout, rep, r.quiet)
	if r.metrics {
		if err := metric.WritePrometheus(stdout); err != nil {
			return Errorf("writing metrics: %v", err)
		}
	}
	if len(rep.Failed()) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printReport(w io.Writer, rep *scenario.Report, quiet bool) {
	if rep.Name != "" {
		fmt.Fprintf(w, "scenario: %s\n", rep.Name)
	}
	for _, res := range rep.Results {
		if quiet && res.Passed {
			continue
		}
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%-4s step %s: %v", status, res.Index, res.Step)
		if res.Output != "" {
			fmt.Fprintf(w, " => %q", res.Output)
		}
		if res.Err != nil {
			fmt.Fprintf(w, " (%v)", res.Err)
		}
		if !res.Passed {
			fmt.Fprintf(w, ": %s", res.Reason)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d steps, %d failed\n", len(rep.Results), len(rep.Failed()))
	printStats(w, rep.Stats)
}

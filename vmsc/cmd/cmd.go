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

// Package cmd holds implementations of the vmsc commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/vmcore/vmcore/pkg/kernel"
	"github.com/vmcore/vmcore/pkg/log"
)

// stdout is where commands print their results.
var stdout io.Writer = os.Stdout

// Errorf logs the error, prints it to stderr and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "vmsc: %s\n", msg)
	return subcommands.ExitFailure
}

// printStats writes a human readable summary of st.
func printStats(w io.Writer, st kernel.Stats) {
	m := st.Memory
	fmt.Fprintf(w, "frames: %d total, %d free, %d used, %d reserved (%d free extents)\n", m.Total, m.Free, m.Used, m.Reserved, m.Extents)
	fmt.Fprintf(w, "tasks: %d, killed: %d\n", st.Tasks, st.KilledTasks)
	if len(st.AddressSpaces) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SPACE\tREGIONS\tVSIZE\tMAPPED\tTABLES\tRESOLVED\tLAZY\tFATAL")
	for _, name := range sortedKeys(st.AddressSpaces) {
		as := st.AddressSpaces[name]
		fmt.Fprintf(tw, "%s\t%d\t%#x\t%d\t%d\t%d\t%d\t%d\n", name, as.Regions, as.VirtualSize, as.MappedPages, as.TableFrames,
			as.Faults.Resolved, as.Faults.LazilyMapped, as.Faults.Fatal)
	}
	tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

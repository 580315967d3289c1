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

package kernel

import "github.com/vmcore/vmcore/pkg/metric"

var (
	traps = metric.MustCreateNewUint64Metric("/kernel/traps", "Traps dispatched, by vector.",
		metric.NewField("vector", []string{
			VectorBreakpoint.String(),
			VectorDoubleFault.String(),
			VectorPageFault.String(),
			"other",
		}))
	tasksKilled = metric.MustCreateNewUint64Metric("/kernel/tasks_killed", "Tasks killed by fatal traps.")
)

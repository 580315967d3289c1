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

package pgalloc

import "github.com/vmcore/vmcore/pkg/metric"

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/pgalloc/frames_allocated", "Number of frames handed out by frame allocators.")
	framesFreed     = metric.MustCreateNewUint64Metric("/pgalloc/frames_freed", "Number of frames returned to frame allocators.")
	framesInUse     = metric.MustCreateNewUint64Gauge("/pgalloc/frames_in_use", "Number of frames currently allocated.")
	oomFailures     = metric.MustCreateNewUint64Metric("/pgalloc/oom_failures", "Number of allocations that failed for lack of free frames.")
)

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

package mm

import "github.com/vmcore/vmcore/pkg/metric"

var (
	faults = metric.MustCreateNewUint64Metric("/mm/faults", "Page faults by outcome.",
		metric.NewField("outcome", []string{
			FaultResolved.String(),
			FaultLazilyMapped.String(),
			FaultFatal.String(),
		}))
	addressSpaces = metric.MustCreateNewUint64Gauge("/mm/address_spaces", "Number of live address spaces.")
)

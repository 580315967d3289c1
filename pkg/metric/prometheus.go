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

package metric

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Prefix is prepended to all exported metric names.
const Prefix = "vmcore"

// PrometheusName converts a registered metric name to the name it is
// exported under, e.g. "/pgalloc/frames_in_use" to
// "vmcore_pgalloc_frames_in_use".
func PrometheusName(name string) string {
	return Prefix + strings.ReplaceAll(name, "/", "_")
}

func (k Kind) toProto() dto.MetricType {
	if k == KindGauge {
		return dto.MetricType_GAUGE
	}
	return dto.MetricType_COUNTER
}

// familyOf builds the metric family for one metric. value is called once
// per field value.
func familyOf(name, description string, kind Kind, fm fieldMapper, value func(fieldValues ...string) uint64) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(name)),
		Type: kind.toProto().Enum(),
	}
	if description != "" {
		mf.Help = proto.String(description)
	}
	sample := func(v uint64, labels []*dto.LabelPair) *dto.Metric {
		m := &dto.Metric{Label: labels}
		if kind == KindGauge {
			m.Gauge = &dto.Gauge{Value: proto.Float64(float64(v))}
		} else {
			m.Counter = &dto.Counter{Value: proto.Float64(float64(v))}
		}
		return m
	}
	if fm.field == nil {
		mf.Metric = append(mf.Metric, sample(value(), nil))
		return mf
	}
	for _, v := range fm.field.allowedValues {
		labels := []*dto.LabelPair{{
			Name:  proto.String(fm.field.name),
			Value: proto.String(v),
		}}
		mf.Metric = append(mf.Metric, sample(value(v), labels))
	}
	return mf
}

// Snapshot returns the current value of every registered metric, sorted by
// name.
func Snapshot() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	var out []*dto.MetricFamily
	for _, name := range allMetrics.names() {
		if m, ok := allMetrics.uint64[name]; ok {
			out = append(out, familyOf(m.name, m.description, m.kind, m.fieldMapper, m.Value))
			continue
		}
		c := allMetrics.custom[name]
		out = append(out, familyOf(c.name, c.description, c.kind, c.fieldMapper, c.value))
	}
	return out
}

// WritePrometheus writes a snapshot of all metrics to w in the Prometheus
// text exposition format.
func WritePrometheus(w io.Writer) error {
	for _, mf := range Snapshot() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

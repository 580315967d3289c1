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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered once, by name, in a process-wide set. Names look
// like paths ("/pgalloc/frames_allocated") and are converted to Prometheus
// names on export.
package metric

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a valid path.
	ErrInvalidName = errors.New("metric name is invalid")

	// ErrTooManyFields indicates that more than one field was given.
	ErrTooManyFields = errors.New("metrics support at most one field")
)

// metricNameRE is the pattern all metric names must match.
var metricNameRE = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Kind is the Prometheus type a metric is exported as.
type Kind int

// Metric kinds.
const (
	// KindCounter is a monotonically increasing value.
	KindCounter Kind = iota

	// KindGauge is a value that may go up and down.
	KindGauge
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps field values to a dense index into a value slice. The
// zero fieldMapper has a single key for the field-less case.
type fieldMapper struct {
	field *Field
	index map[string]int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	switch len(fields) {
	case 0:
		return fieldMapper{}, nil
	case 1:
		f := fields[0]
		m := fieldMapper{field: &f, index: make(map[string]int, len(f.allowedValues))}
		for i, v := range f.allowedValues {
			if _, ok := m.index[v]; ok {
				return fieldMapper{}, fmt.Errorf("duplicate value %q for field %q", v, f.name)
			}
			m.index[v] = i
		}
		return m, nil
	default:
		return fieldMapper{}, ErrTooManyFields
	}
}

func (m fieldMapper) numKeys() int {
	if m.field == nil {
		return 1
	}
	return len(m.field.allowedValues)
}

// lookup returns the key for the given field values. It panics on a bad
// value, like an out-of-range index would.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric has no fields, got values %v", fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric field %q needs exactly one value, got %v", m.field.name, fieldValues))
	}
	key, ok := m.index[fieldValues[0]]
	if !ok {
		panic(fmt.Sprintf("invalid value %q for metric field %q", fieldValues[0], m.field.name))
	}
	return key
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	kind        Kind

	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64

	fieldMapper fieldMapper
}

// customUint64Metric is a metric whose value is computed on export.
type customUint64Metric struct {
	name        string
	description string
	kind        Kind
	fieldMapper fieldMapper
	value       func(fieldValues ...string) uint64
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu     sync.Mutex
	uint64 map[string]*Uint64Metric
	custom map[string]*customUint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{
		uint64: make(map[string]*Uint64Metric),
		custom: make(map[string]*customUint64Metric),
	}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

func (s *metricSet) checkName(name string) error {
	if !metricNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := s.uint64[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	if _, ok := s.custom[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	return nil
}

// names returns all registered names in sorted order.
func (s *metricSet) names() []string {
	names := make([]string, 0, len(s.uint64)+len(s.custom))
	for n := range s.uint64 {
		names = append(names, n)
	}
	for n := range s.custom {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newUint64Metric(name, description string, kind Kind, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkName(name); err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		kind:        kind,
		fields:      make([]atomic.Uint64, f.numKeys()),
		fieldMapper: f,
	}
	allMetrics.uint64[name] = m
	return m, nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	return newUint64Metric(name, description, KindCounter, fields...)
}

// NewUint64Gauge creates and registers a new gauge with the given name.
func NewUint64Gauge(name, description string, fields ...Field) (*Uint64Metric, error) {
	return newUint64Metric(name, description, KindGauge, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustCreateNewUint64Gauge calls NewUint64Gauge and panics if it returns an
// error.
func MustCreateNewUint64Gauge(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Gauge(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is computed by calling value at export time.
//
// Preconditions:
//   - name must be globally unique.
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	kind := KindGauge
	if cumulative {
		kind = KindCounter
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkName(name); err != nil {
		return err
	}
	allMetrics.custom[name] = &customUint64Metric{
		name:        name,
		description: description,
		kind:        kind,
		fieldMapper: f,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Name returns the registered name of the metric.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// DecrementBy decrements a gauge by v.
func (m *Uint64Metric) DecrementBy(v uint64, fieldValues ...string) {
	if m.kind != KindGauge {
		panic(fmt.Sprintf("DecrementBy called on counter %q", m.name))
	}
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(^(v - 1))
}

// Set stores v in a gauge.
func (m *Uint64Metric) Set(v uint64, fieldValues ...string) {
	if m.kind != KindGauge {
		panic(fmt.Sprintf("Set called on counter %q", m.name))
	}
	m.fields[m.fieldMapper.lookup(fieldValues...)].Store(v)
}

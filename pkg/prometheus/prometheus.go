// Copyright 2026 The gVisor Authors.
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


// Package prometheus contains Prometheus-compliant metric data structures and
// utilities. It can export data in Prometheus data format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String returns the type's name in the exposition format.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help is an optional helpful string explaining what the metric is about.
	Help string
}

// writeHeaderTo writes the metric comment header to the given writer.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %v\n", prefix, m.Name, m.Type)
	return err
}

// Number represents a numerical value. In Prometheus, all numbers are
// float64s; integers are kept exact until export.
type Number struct {
	// Float is the float value of this number.
	// Mutually exclusive with Int.
	Float float64

	// Int is the integer value of this number.
	// Mutually exclusive with Float.
	Int int64
}

// String returns a string representation of this number.
func (n *Number) String() string {
	switch {
	case n.Int == 0 && n.Float == 0:
		return "0"
	case n.Int != 0:
		return fmt.Sprintf("%d", n.Int)
	case n.Float == math.Inf(-1):
		return "-Inf"
	case n.Float == math.Inf(1):
		return "+Inf"
	case math.IsNaN(n.Float):
		return "NaN"
	default:
		return fmt.Sprintf("%f", n.Float)
	}
}

// Data is an observation of the value of a single metric at a certain point
// in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string

	// Number is the value.
	Number Number
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: Number{Int: val}}
}

// LabeledIntData returns a new Data struct with the given metric, labels,
// and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: Number{Int: val}}
}

// OrderedLabels returns the list of 'label_key="label_value"' in sorted
// order.
func OrderedLabels(labels ...map[string]string) ([]string, error) {
	seen := make(map[string]struct{})
	var ordered []string
	for _, m := range labels {
		for k, v := range m {
			if _, dup := seen[k]; dup {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			ordered = append(ordered, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(ordered)
	return ordered, nil
}

// writeTo writes a single line for d to w.
func (d *Data) writeTo(w io.Writer, when time.Time, options ExportOptions) error {
	if _, err := io.WriteString(w, options.ExporterPrefix+d.Metric.Name); err != nil {
		return err
	}
	if len(d.Labels) != 0 || len(options.ExtraLabels) != 0 {
		labels, err := OrderedLabels(d.Labels, options.ExtraLabels)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "{%s}", strings.Join(labels, ",")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, " %v %d\n", &d.Number, when.UnixMilli())
	return err
}

// Snapshot is a snapshot of the values of all the metrics at a certain point
// in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	When time.Time

	// Data is the whole snapshot data. Each Data must be a unique
	// combination of (Metric, Labels) within a Snapshot.
	Data []*Data
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions contains options that control how metric data is exported
// in Prometheus format.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is
	// exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values.
	ExtraLabels map[string]string
}

// Write writes s to w. Data points of the same metric are grouped under one
// header, and metrics are written in name order.
func Write(w io.Writer, options ExportOptions, s *Snapshot) error {
	bw := bufio.NewWriter(w)
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(bw, "# %s\n", line); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(bw, "# Writing data from snapshot containing %d data points taken at %v.\n", len(s.Data), s.When); err != nil {
		return err
	}

	byName := make(map[string][]*Data)
	var names []string
	for _, d := range s.Data {
		if _, ok := byName[d.Metric.Name]; !ok {
			names = append(names, d.Metric.Name)
		}
		byName[d.Metric.Name] = append(byName[d.Metric.Name], d)
	}
	sort.Strings(names)
	for _, name := range names {
		data := byName[name]
		// Extra newline before each preamble for aesthetic reasons.
		if _, err := io.WriteString(bw, "\n"); err != nil {
			return err
		}
		if err := data[0].Metric.writeHeaderTo(bw, options.ExporterPrefix); err != nil {
			return err
		}
		for _, d := range data {
			if d.Metric != data[0].Metric {
				return fmt.Errorf("two metrics named %q", name)
			}
			if err := d.writeTo(bw, s.When, options); err != nil {
				return err
			}
		}
	}
	if _, err := io.WriteString(bw, "\n# End of metric data.\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// Package metrics provides the bounded, normalized label/counter contracts
// shared across SmartMessage, grounded on Chartly2.0's pkg/telemetry/metrics.go.
// Unlike the teacher's pure-interface package, this one also ships a
// concrete in-process Meter (Registry) with a Prometheus text exposition,
// since the dispatcher and publish path need somewhere real to land
// counters (spec §4.11 step 6 "emit simple counters").
package metrics

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Labels are bounded, normalized key/value pairs attached to a metric
// sample.
type Labels map[string]string

const (
	maxLabelPairs  = 32
	maxLabelKeyLen = 64
	maxLabelValLen = 256
)

var ErrInvalidLabels = errors.New("metrics: invalid labels")

// NormalizeLabels returns a bounded, normalized copy of in: keys lowercased
// and trimmed, values trimmed and truncated, deterministically limited to
// maxLabelPairs by sorted key order.
func NormalizeLabels(in Labels) Labels {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Labels, len(in))
	for _, k := range keys {
		k2 := strings.ToLower(strings.TrimSpace(k))
		if k2 == "" || len(k2) > maxLabelKeyLen {
			continue
		}
		v := strings.TrimSpace(in[k])
		if len(v) > maxLabelValLen {
			v = v[:maxLabelValLen]
		}
		out[k2] = v
		if len(out) >= maxLabelPairs {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (l Labels) key() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
	}
	return b.String()
}

// Meter is the minimal metrics sink interface every SmartMessage component
// accepts; implementations may export to Prometheus, OTel, logs, etc.
type Meter interface {
	IncCounter(name string, delta int64, labels Labels)
	SetGauge(name string, value float64, labels Labels)
}

// Nop is a safe no-op Meter, the zero-config default.
type Nop struct{}

func (Nop) IncCounter(string, int64, Labels) {}
func (Nop) SetGauge(string, float64, Labels) {}

type counterKey struct {
	name, labels string
}

// Registry is a concrete in-process Meter that accumulates counters and
// gauges for inspection by the admin surface and for Prometheus text
// exposition.
type Registry struct {
	mu       sync.Mutex
	counters map[counterKey]int64
	gauges   map[counterKey]float64
	labelsOf map[counterKey]Labels
	names    map[counterKey]string
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[counterKey]int64),
		gauges:   make(map[counterKey]float64),
		labelsOf: make(map[counterKey]Labels),
		names:    make(map[counterKey]string),
	}
}

func (r *Registry) IncCounter(name string, delta int64, labels Labels) {
	labels = NormalizeLabels(labels)
	k := counterKey{name: name, labels: labels.key()}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[k] += delta
	r.labelsOf[k] = labels
	r.names[k] = name
}

func (r *Registry) SetGauge(name string, value float64, labels Labels) {
	labels = NormalizeLabels(labels)
	k := counterKey{name: name, labels: labels.key()}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = value
	r.labelsOf[k] = labels
	r.names[k] = name
}

// Sample is a single exported metric line.
type Sample struct {
	Name   string
	Value  float64
	Labels Labels
}

// Snapshot returns every counter and gauge currently recorded, sorted by
// name then label key for deterministic output.
func (r *Registry) Snapshot() (counters, gauges []Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.counters {
		counters = append(counters, Sample{Name: r.names[k], Value: float64(v), Labels: r.labelsOf[k]})
	}
	for k, v := range r.gauges {
		gauges = append(gauges, Sample{Name: r.names[k], Value: v, Labels: r.labelsOf[k]})
	}
	sortSamples(counters)
	sortSamples(gauges)
	return counters, gauges
}

func sortSamples(s []Sample) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Name != s[j].Name {
			return s[i].Name < s[j].Name
		}
		return s[i].Labels.key() < s[j].Labels.key()
	})
}

// WritePrometheusText renders the current snapshot in Prometheus text
// exposition format.
func (r *Registry) WritePrometheusText(w *strings.Builder) {
	counters, gauges := r.Snapshot()
	for _, s := range counters {
		writePromLine(w, s, "counter")
	}
	for _, s := range gauges {
		writePromLine(w, s, "gauge")
	}
}

func writePromLine(w *strings.Builder, s Sample, kind string) {
	w.WriteString("# TYPE ")
	w.WriteString(s.Name)
	w.WriteByte(' ')
	w.WriteString(kind)
	w.WriteByte('\n')
	w.WriteString(s.Name)
	if len(s.Labels) > 0 {
		w.WriteByte('{')
		keys := make([]string, 0, len(s.Labels))
		for k := range s.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				w.WriteByte(',')
			}
			w.WriteString(k)
			w.WriteString(`="`)
			w.WriteString(s.Labels[k])
			w.WriteByte('"')
		}
		w.WriteByte('}')
	}
	w.WriteByte(' ')
	w.WriteString(strconv.FormatFloat(s.Value, 'g', -1, 64))
	w.WriteByte('\n')
}

// Safe wrapper helpers mirroring the teacher's validate-then-call shape.

func IncCounter(m Meter, name string, delta int64, labels Labels) {
	if m == nil {
		m = Nop{}
	}
	m.IncCounter(name, delta, labels)
}

func SetGauge(m Meter, name string, value float64, labels Labels) {
	if m == nil {
		m = Nop{}
	}
	m.SetGauge(name, value, labels)
}

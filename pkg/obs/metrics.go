// Package obs is the observability fabric: the metrics registry, the
// bounded span buffer with its optional exporter, and the health
// snapshot that feeds the alert webhook.
package obs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics wraps a dedicated prometheus registry. Metric families are
// created lazily on first use; the label key set seen first wins and
// later records are projected onto it.
type Metrics struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*vec[*prometheus.CounterVec]
	gauges     map[string]*vec[*prometheus.GaugeVec]
	histograms map[string]*vec[*prometheus.SummaryVec]
}

type vec[T any] struct {
	keys []string
	v    T
}

func NewMetrics() *Metrics {
	return &Metrics{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*vec[*prometheus.CounterVec]),
		gauges:     make(map[string]*vec[*prometheus.GaugeVec]),
		histograms: make(map[string]*vec[*prometheus.SummaryVec]),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// project maps labels onto the registered key set; unknown keys are
// dropped and missing keys become empty.
func project(keys []string, labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		out[k] = labels[k]
	}
	return out
}

// Inc increments a counter by one.
func (m *Metrics) Inc(name string, labels map[string]string) {
	m.Add(name, 1, labels)
}

// Add increments a counter by v.
func (m *Metrics) Add(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		keys := labelKeys(labels)
		c = &vec[*prometheus.CounterVec]{
			keys: keys,
			v:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys),
		}
		m.reg.MustRegister(c.v)
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.v.With(project(c.keys, labels)).Add(v)
}

// SetGauge records a last-write-wins value.
func (m *Metrics) SetGauge(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		keys := labelKeys(labels)
		g = &vec[*prometheus.GaugeVec]{
			keys: keys,
			v:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys),
		}
		m.reg.MustRegister(g.v)
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.v.With(project(g.keys, labels)).Set(v)
}

// Observe records a histogram sample. Only count and sum are kept.
func (m *Metrics) Observe(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		keys := labelKeys(labels)
		h = &vec[*prometheus.SummaryVec]{
			keys: keys,
			v:    prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: name}, keys),
		}
		m.reg.MustRegister(h.v)
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.v.With(project(h.keys, labels)).Observe(v)
}

// RenderText renders the Prometheus 0.0.4 text exposition.
func (m *Metrics) RenderText() (string, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return "", fmt.Errorf("encode %s: %w", fam.GetName(), err)
		}
	}
	return buf.String(), nil
}

// MetricPoint is one sample in the JSON snapshot.
type MetricPoint struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	Count  uint64            `json:"count,omitempty"`
	Sum    float64           `json:"sum,omitempty"`
}

// SnapshotJSON renders all families as a JSON object keyed by name.
func (m *Metrics) SnapshotJSON() ([]byte, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	out := make(map[string][]MetricPoint, len(families))
	for _, fam := range families {
		for _, mt := range fam.GetMetric() {
			p := MetricPoint{}
			if len(mt.GetLabel()) > 0 {
				p.Labels = make(map[string]string, len(mt.GetLabel()))
				for _, lp := range mt.GetLabel() {
					p.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			switch {
			case mt.GetCounter() != nil:
				p.Value = mt.GetCounter().GetValue()
			case mt.GetGauge() != nil:
				p.Value = mt.GetGauge().GetValue()
			case mt.GetSummary() != nil:
				p.Count = mt.GetSummary().GetSampleCount()
				p.Sum = mt.GetSummary().GetSampleSum()
			}
			out[fam.GetName()] = append(out[fam.GetName()], p)
		}
	}
	return json.Marshal(out)
}

package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector gathers run metrics in memory until Flush.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
	now     func() time.Time
}

func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled, now: time.Now}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration measurement in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

// add is a no-op on a nil or disabled collector.
func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	m.Timestamp = c.now()
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// GetMetrics returns a copy of current metrics
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Aggregate is the rolled-up view of one metric series.
type Aggregate struct {
	Name   string
	Type   MetricType
	Labels map[string]string
	Count  int
	Sum    float64
	Max    float64
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

// Aggregates rolls metrics up per name and label set, sorted by key.
// Gauges keep their last value in Sum.
func (c *Collector) Aggregates() []Aggregate {
	byKey := map[string]*Aggregate{}
	var keys []string
	for _, m := range c.GetMetrics() {
		key := seriesKey(m.Name, m.Labels)
		a, ok := byKey[key]
		if !ok {
			a = &Aggregate{Name: m.Name, Type: m.Type, Labels: m.Labels}
			byKey[key] = a
			keys = append(keys, key)
		}
		a.Count++
		if m.Type == Gauge {
			a.Sum = m.Value
		} else {
			a.Sum += m.Value
		}
		if m.Value > a.Max {
			a.Max = m.Value
		}
	}
	sort.Strings(keys)
	out := make([]Aggregate, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

// Flush logs the aggregates at debug level and clears the collector.
func (c *Collector) Flush(logger zerolog.Logger) {
	if c == nil || !c.enabled {
		return
	}
	for _, a := range c.Aggregates() {
		logger.Debug().
			Str("name", a.Name).
			Str("type", string(a.Type)).
			Int("count", a.Count).
			Float64("sum", a.Sum).
			Float64("max", a.Max).
			Interface("labels", a.Labels).
			Msg("telemetry_metric")
	}
	c.mu.Lock()
	c.metrics = c.metrics[:0]
	c.mu.Unlock()
}

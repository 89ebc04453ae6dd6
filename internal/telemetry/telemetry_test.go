package telemetry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true)
	c.Counter("tasks", 1, map[string]string{"kind": "ok"})
	c.Counter("tasks", 1, map[string]string{"kind": "ok"})
	c.Counter("tasks", 1, map[string]string{"kind": "command-failed"})
	c.Timer("stage_duration", 1500*time.Millisecond, map[string]string{"stage": "run"})
	c.Timer("stage_duration", 500*time.Millisecond, map[string]string{"stage": "run"})
	c.Gauge("workers", 4, nil)
	c.Gauge("workers", 2, nil)

	aggs := c.Aggregates()
	if len(aggs) != 4 {
		t.Fatalf("expected 4 series, got %d", len(aggs))
	}
	byKey := map[string]Aggregate{}
	for _, a := range aggs {
		byKey[seriesKey(a.Name, a.Labels)] = a
	}
	if a := byKey["tasks|kind=ok"]; a.Count != 2 || a.Sum != 2 {
		t.Errorf("unexpected ok counter: %+v", a)
	}
	if a := byKey["stage_duration|stage=run"]; a.Sum != 2000 || a.Max != 1500 {
		t.Errorf("unexpected timer: %+v", a)
	}
	if a := byKey["workers"]; a.Sum != 2 {
		t.Errorf("gauge should keep last value, got %+v", a)
	}
}

func TestDisabledAndNilCollector(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("disabled collector recorded metrics")
	}
	var nilC *Collector
	nilC.Counter("x", 1, nil)
	nilC.Flush(zerolog.Nop())
	if nilC.GetMetrics() != nil {
		t.Fatalf("nil collector returned metrics")
	}
}

func TestFlushClears(t *testing.T) {
	c := NewCollector(true)
	c.Counter("x", 1, nil)
	c.Flush(zerolog.Nop())
	if n := len(c.GetMetrics()); n != 0 {
		t.Fatalf("expected empty after flush, got %d", n)
	}
}

package metrics

import (
	"strings"
	"testing"
)

func TestRegistryAccumulatesCounters(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("publish_total", 1, Labels{"class": "OrderMessage"})
	r.IncCounter("publish_total", 2, Labels{"class": "OrderMessage"})
	r.IncCounter("publish_total", 1, Labels{"class": "PaymentMessage"})

	counters, _ := r.Snapshot()
	if len(counters) != 2 {
		t.Fatalf("expected 2 distinct series, got %d", len(counters))
	}
	var orderTotal float64
	for _, c := range counters {
		if c.Labels["class"] == "OrderMessage" {
			orderTotal = c.Value
		}
	}
	if orderTotal != 3 {
		t.Fatalf("expected OrderMessage total 3, got %v", orderTotal)
	}
}

func TestNormalizeLabelsBoundsAndSorts(t *testing.T) {
	in := Labels{" Class ": " OrderMessage ", "TENANT": "acme"}
	out := NormalizeLabels(in)
	if out["class"] != "OrderMessage" || out["tenant"] != "acme" {
		t.Fatalf("unexpected normalized labels: %#v", out)
	}
}

func TestWritePrometheusTextDeterministic(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("a_total", 1, nil)
	r.SetGauge("b_gauge", 2.5, Labels{"x": "y"})

	var sb1, sb2 strings.Builder
	r.WritePrometheusText(&sb1)
	r.WritePrometheusText(&sb2)
	if sb1.String() != sb2.String() {
		t.Fatalf("expected deterministic output across calls")
	}
	if !strings.Contains(sb1.String(), "a_total") || !strings.Contains(sb1.String(), "b_gauge") {
		t.Fatalf("missing metric names: %s", sb1.String())
	}
}

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsCounters(t *testing.T) {
	c := NewCollector(true)
	c.RecordOutcome("com.example.video", "no-match")
	c.RecordOutcome("com.example.video", "activated")
	c.RecordOutcome("com.example.news", "cooling")
	c.RecordStoreError("com.example.video")
	snap := c.Snapshot()
	if !snap.Enabled {
		t.Fatalf("expected snapshot to be enabled")
	}
	if snap.Totals["activated"] != 1 || snap.Totals["no-match"] != 1 || snap.Totals["cooling"] != 1 {
		t.Fatalf("unexpected totals: %#v", snap.Totals)
	}
	if len(snap.Apps) != 2 {
		t.Fatalf("expected two apps in snapshot, got %d", len(snap.Apps))
	}
	video := snap.Apps[1]
	if video.App != "com.example.video" {
		t.Fatalf("apps should be sorted by name: %#v", snap.Apps)
	}
	if video.StoreErrors != 1 || video.LastActivated.IsZero() {
		t.Fatalf("unexpected app counters: %#v", video)
	}
}

func TestCollectorToggle(t *testing.T) {
	c := NewCollector(false)
	c.RecordOutcome("app", "activated")
	if snap := c.Snapshot(); snap.Enabled || len(snap.Apps) != 0 {
		t.Fatalf("expected disabled snapshot: %#v", snap)
	}
	c.SetEnabled(true)
	c.RecordOutcome("app", "activated")
	snap := c.Snapshot()
	if !snap.Enabled || snap.Totals["activated"] != 1 {
		t.Fatalf("unexpected enabled snapshot: %#v", snap)
	}
	c.SetEnabled(false)
	snap = c.Snapshot()
	if snap.Enabled {
		t.Fatalf("expected disabled after toggle")
	}
	if !snap.Started.IsZero() {
		t.Fatalf("expected started timestamp reset, got %v", snap.Started)
	}
	time.Sleep(10 * time.Millisecond)
	c.SetEnabled(true)
	c.RecordOutcome("app", "activated")
	if snap := c.Snapshot(); snap.Totals["activated"] != 1 {
		t.Fatalf("expected counters to reset after re-enable: %#v", snap)
	}
}

func TestCollectorExportsPrometheusMetrics(t *testing.T) {
	c := NewCollector(true)
	c.RecordOutcome("com.example.video", "activated")
	c.RecordOutcome("com.example.video", "activated")
	c.RecordStoreError("com.example.video")

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	expected := `
# HELP adskipper_notifications_total UI change notifications handled, by application and outcome
# TYPE adskipper_notifications_total counter
adskipper_notifications_total{app="com.example.video",outcome="activated"} 2
# HELP adskipper_rule_store_errors_total Rule store reads that fell back to the default keywords
# TYPE adskipper_rule_store_errors_total counter
adskipper_rule_store_errors_total{app="com.example.video"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"adskipper_notifications_total", "adskipper_rule_store_errors_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

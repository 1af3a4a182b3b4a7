package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const outcomeActivated = "activated"

var (
	notificationsDesc = prometheus.NewDesc(
		"adskipper_notifications_total",
		"UI change notifications handled, by application and outcome",
		[]string{"app", "outcome"},
		nil,
	)
	storeErrorsDesc = prometheus.NewDesc(
		"adskipper_rule_store_errors_total",
		"Rule store reads that fell back to the default keywords",
		[]string{"app"},
		nil,
	)
	lastActivationDesc = prometheus.NewDesc(
		"adskipper_last_activation_timestamp_seconds",
		"Unix time of the most recent successful activation per application",
		[]string{"app"},
		nil,
	)
)

// Collector aggregates per-application counters for the engine. It doubles as
// a prometheus.Collector so the same counters back the /metrics endpoint.
type Collector struct {
	mu      sync.RWMutex
	enabled bool
	started time.Time
	apps    map[string]*AppMetrics
}

// AppMetrics captures per-application counters tracked by the collector.
type AppMetrics struct {
	App           string            `json:"app"`
	Outcomes      map[string]uint64 `json:"outcomes"`
	StoreErrors   uint64            `json:"storeErrors,omitempty"`
	LastActivated time.Time         `json:"lastActivated,omitempty"`
}

// Snapshot is the serializable view of the current metrics state.
type Snapshot struct {
	Enabled bool              `json:"enabled"`
	Started time.Time         `json:"started,omitempty"`
	Totals  map[string]uint64 `json:"totals,omitempty"`
	Apps    []AppMetrics      `json:"apps,omitempty"`
}

// NewCollector returns a collector with the provided opt-in state.
func NewCollector(enabled bool) *Collector {
	c := &Collector{}
	c.SetEnabled(enabled)
	return c
}

// Enabled reports whether collection is currently active.
func (c *Collector) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetEnabled toggles collection, resetting counters when enabling.
func (c *Collector) SetEnabled(enabled bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if !enabled {
		c.apps = nil
		c.started = time.Time{}
		return
	}
	c.started = time.Now()
	c.apps = make(map[string]*AppMetrics)
}

// RecordOutcome counts one handled notification for app.
func (c *Collector) RecordOutcome(app, outcome string) {
	c.updateApp(app, func(m *AppMetrics, now time.Time) {
		m.Outcomes[outcome]++
		if outcome == outcomeActivated {
			m.LastActivated = now
		}
	})
}

// RecordStoreError counts a rule store read that was abandoned for app.
func (c *Collector) RecordStoreError(app string) {
	c.updateApp(app, func(m *AppMetrics, _ time.Time) {
		m.StoreErrors++
	})
}

func (c *Collector) updateApp(app string, mutate func(*AppMetrics, time.Time)) {
	if c == nil || mutate == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	if c.apps == nil {
		c.apps = make(map[string]*AppMetrics)
	}
	m, exists := c.apps[app]
	if !exists {
		m = &AppMetrics{App: app, Outcomes: make(map[string]uint64)}
		c.apps[app] = m
	}
	mutate(m, now)
}

// Snapshot returns the current counters for serialization or display.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Enabled: c.enabled}
	if !c.enabled {
		return snap
	}
	snap.Started = c.started
	if len(c.apps) == 0 {
		return snap
	}
	snap.Totals = make(map[string]uint64)
	snap.Apps = make([]AppMetrics, 0, len(c.apps))
	for _, m := range c.apps {
		clone := *m
		clone.Outcomes = make(map[string]uint64, len(m.Outcomes))
		for outcome, n := range m.Outcomes {
			clone.Outcomes[outcome] = n
			snap.Totals[outcome] += n
		}
		snap.Apps = append(snap.Apps, clone)
	}
	sort.Slice(snap.Apps, func(i, j int) bool {
		return snap.Apps[i].App < snap.Apps[j].App
	})
	return snap
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- notificationsDesc
	ch <- storeErrorsDesc
	ch <- lastActivationDesc
}

// Collect implements prometheus.Collector from the current snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Snapshot()
	for _, app := range snap.Apps {
		for outcome, n := range app.Outcomes {
			ch <- prometheus.MustNewConstMetric(notificationsDesc, prometheus.CounterValue, float64(n), app.App, outcome)
		}
		if app.StoreErrors > 0 {
			ch <- prometheus.MustNewConstMetric(storeErrorsDesc, prometheus.CounterValue, float64(app.StoreErrors), app.App)
		}
		if !app.LastActivated.IsZero() {
			ch <- prometheus.MustNewConstMetric(lastActivationDesc, prometheus.GaugeValue, float64(app.LastActivated.Unix()), app.App)
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)

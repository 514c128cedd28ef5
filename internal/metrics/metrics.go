// Package metrics backs DB.GetProperty("stats"), grounded in the
// teacher's Prometheus wiring (internal/metrics/metrics.go), generalized
// from server/gRPC counters to per-connection storage-engine counters:
// page cache traffic, WAL frame/checkpoint activity, and commit/rollback
// counts. Unlike the teacher, each DB owns a private registry rather than
// registering into the global default one — nothing in this module
// serves /metrics over HTTP (no network surface exists per spec's
// network-replication non-goal), so there is no risk of cross-DB name
// collisions on re-open.
package metrics

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters and gauges one DB connection accumulates.
type Metrics struct {
	registry *prometheus.Registry

	PageReads     prometheus.Counter
	PageWrites    prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	WalFrames     prometheus.Counter
	WalReads      prometheus.Counter
	Checkpoints   prometheus.Counter
	Commits       prometheus.Counter
	Rollbacks     prometheus.Counter
	DirtyPages    prometheus.Gauge
	CachedPages   prometheus.Gauge
	PageCount     prometheus.Gauge
}

// New creates a Metrics instance with its own private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PageReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_page_reads_total", Help: "Pages read from the WAL or database file.",
		}),
		PageWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_page_writes_total", Help: "Pages written to the WAL.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_cache_hits_total", Help: "Buffer pool lookups served from cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_cache_misses_total", Help: "Buffer pool lookups requiring I/O.",
		}),
		WalFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_wal_frames_total", Help: "Frames appended to the write-ahead log.",
		}),
		WalReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_wal_reads_total", Help: "Frames read back out of the write-ahead log.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_checkpoints_total", Help: "Checkpoint operations completed.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_commits_total", Help: "Transactions committed.",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calicodb_rollbacks_total", Help: "Transactions rolled back.",
		}),
		DirtyPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calicodb_dirty_pages", Help: "Dirty pages currently buffered.",
		}),
		CachedPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calicodb_cached_pages", Help: "Pages currently resident in the buffer pool.",
		}),
		PageCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calicodb_page_count", Help: "Total pages in the database file.",
		}),
	}
	reg.MustRegister(
		m.PageReads, m.PageWrites, m.CacheHits, m.CacheMisses,
		m.WalFrames, m.WalReads, m.Checkpoints, m.Commits, m.Rollbacks,
		m.DirtyPages, m.CachedPages, m.PageCount,
	)
	return m
}

// StatsText renders the registry as the fixed "name value" textual
// schema spec §6's get_property("stats") requires, one line per series
// sorted by name for determinism.
func (m *Metrics) StatsText() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}
	type line struct {
		name  string
		value float64
	}
	var lines []line
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			name := fam.GetName()
			if len(metric.GetLabel()) > 0 {
				for _, lbl := range metric.GetLabel() {
					name += fmt.Sprintf("{%s=%q}", lbl.GetName(), lbl.GetValue())
				}
			}
			var v float64
			switch {
			case metric.Counter != nil:
				v = metric.Counter.GetValue()
			case metric.Gauge != nil:
				v = metric.Gauge.GetValue()
			}
			lines = append(lines, line{name, v})
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].name < lines[j].name })

	var buf bytes.Buffer
	for _, ln := range lines {
		fmt.Fprintf(&buf, "%s %v\n", ln.name, ln.value)
	}
	return buf.String(), nil
}

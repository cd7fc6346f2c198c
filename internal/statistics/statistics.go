// Package statistics tracks per-session traffic counters and exposes them
// both as a point-in-time snapshot and as Prometheus metrics, generalizing
// the teacher's server_metrics.go (a single STUN-message counter) and
// internal/allocator/allocator.go's Describe/Collect/Stats triple to a
// richer per-session counter set.
package statistics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gorelay/gorelayd/internal/session"
)

// Counters is a snapshot of one session's traffic counts.
type Counters struct {
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	Errors          uint64
}

// Registry holds per-session Counters in a map with no size cap; an entry
// is removed only by Forget, which the session manager's idle GC does not
// call. It implements prometheus.Collector so it can be
// registered the same way the teacher registers *allocator.Allocator and
// its promMetrics.
type Registry struct {
	mu       sync.Mutex
	counters map[session.Identifier]*Counters
	labels   prometheus.Labels

	descPackets *prometheus.Desc
	descBytes   *prometheus.Desc
	descErrors  *prometheus.Desc
}

// NewRegistry builds an empty Registry.
func NewRegistry(labels prometheus.Labels) *Registry {
	if labels == nil {
		labels = prometheus.Labels{}
	}
	return &Registry{
		counters: make(map[session.Identifier]*Counters),
		labels:   labels,
		descPackets: prometheus.NewDesc("gorelayd_packets_total",
			"Total number of packets processed, by direction.", []string{"direction"}, labels),
		descBytes: prometheus.NewDesc("gorelayd_bytes_total",
			"Total number of bytes processed, by direction.", []string{"direction"}, labels),
		descErrors: prometheus.NewDesc("gorelayd_errors_total",
			"Total number of transport errors.", nil, labels),
	}
}

func (r *Registry) get(id session.Identifier) *Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[id]
	if !ok {
		c = &Counters{}
		r.counters[id] = c
	}
	return c
}

// RecordReceived accounts for one inbound packet of n bytes from id.
func (r *Registry) RecordReceived(id session.Identifier, n int) {
	c := r.get(id)
	r.mu.Lock()
	c.PacketsReceived++
	c.BytesReceived += uint64(n)
	r.mu.Unlock()
}

// RecordSent accounts for one outbound packet of n bytes to id.
func (r *Registry) RecordSent(id session.Identifier, n int) {
	c := r.get(id)
	r.mu.Lock()
	c.PacketsSent++
	c.BytesSent += uint64(n)
	r.mu.Unlock()
}

// RecordError increments id's error counter.
func (r *Registry) RecordError(id session.Identifier) {
	c := r.get(id)
	r.mu.Lock()
	c.Errors++
	r.mu.Unlock()
}

// Forget drops id's counters. Service does not call it when sessions are
// evicted, so entries for evicted sessions remain in the Registry.
func (r *Registry) Forget(id session.Identifier) {
	r.mu.Lock()
	delete(r.counters, id)
	r.mu.Unlock()
}

// Snapshot returns a copy of id's current counters.
func (r *Registry) Snapshot(id session.Identifier) Counters {
	c := r.get(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return *c
}

// Totals aggregates counters across all tracked sessions.
func (r *Registry) Totals() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total Counters
	for _, c := range r.counters {
		total.PacketsReceived += c.PacketsReceived
		total.PacketsSent += c.PacketsSent
		total.BytesReceived += c.BytesReceived
		total.BytesSent += c.BytesSent
		total.Errors += c.Errors
	}
	return total
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(d chan<- *prometheus.Desc) {
	d <- r.descPackets
	d <- r.descBytes
	d <- r.descErrors
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(c chan<- prometheus.Metric) {
	t := r.Totals()
	c <- prometheus.MustNewConstMetric(r.descPackets, prometheus.CounterValue, float64(t.PacketsReceived), "received")
	c <- prometheus.MustNewConstMetric(r.descPackets, prometheus.CounterValue, float64(t.PacketsSent), "sent")
	c <- prometheus.MustNewConstMetric(r.descBytes, prometheus.CounterValue, float64(t.BytesReceived), "received")
	c <- prometheus.MustNewConstMetric(r.descBytes, prometheus.CounterValue, float64(t.BytesSent), "sent")
	c <- prometheus.MustNewConstMetric(r.descErrors, prometheus.CounterValue, float64(t.Errors))
}

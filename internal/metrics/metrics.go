// Package metrics counts broker activity and exposes it as Prometheus text
// and OpenTelemetry observable instruments.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/nfrund/topichub/internal/router"
)

// ID identifies a counter.
type ID uint8

const (
	SessionsOpened ID = iota
	SessionsClosed
	PublishesAcked
	DeliveriesEnqueued
	DeliveriesSkipped
	DeliveriesDropped
	ProtocolErrors
	IntentsDenied

	numCounters
)

type counterDef struct {
	ID   ID
	Name string
	Help string
}

var counterDefs = [numCounters]counterDef{
	{SessionsOpened, "topichub_sessions_opened_total", "Sessions that reached the open state."},
	{SessionsClosed, "topichub_sessions_closed_total", "Sessions that reached the closed state."},
	{PublishesAcked, "topichub_publishes_acked_total", "Publish intents acknowledged to their publisher."},
	{DeliveriesEnqueued, "topichub_deliveries_enqueued_total", "Deliveries accepted into a subscriber queue."},
	{DeliveriesSkipped, "topichub_deliveries_skipped_total", "Deliveries skipped because the subscriber was gone or closing."},
	{DeliveriesDropped, "topichub_deliveries_dropped_total", "Queued envelopes evicted by outbound backpressure."},
	{ProtocolErrors, "topichub_protocol_errors_total", "Sessions closed for sending an undecodable frame."},
	{IntentsDenied, "topichub_intents_denied_total", "Subscribe or publish intents rejected by topic policy."},
}

// Name returns the exported metric name of id.
func (id ID) Name() string {
	if id >= numCounters {
		return ""
	}
	return counterDefs[id].Name
}

// GaugeFunc reports a current value.
type GaugeFunc func() int64

type gaugeDef struct {
	name string
	help string
	fn   GaugeFunc
}

// Collector accumulates counters. It satisfies session.Observer and
// router.Observer so it can be wired directly into both.
type Collector struct {
	counters [numCounters]atomic.Uint64

	mu     sync.RWMutex
	gauges []gaugeDef
}

// NewCollector returns a collector with every counter at zero.
func NewCollector() *Collector {
	return &Collector{}
}

// Inc adds one to id.
func (c *Collector) Inc(id ID) { c.Add(id, 1) }

// Add adds n to id.
func (c *Collector) Add(id ID, n uint64) {
	if id >= numCounters || n == 0 {
		return
	}
	c.counters[id].Add(n)
}

// Value returns the current value of id.
func (c *Collector) Value(id ID) uint64 {
	if id >= numCounters {
		return 0
	}
	return c.counters[id].Load()
}

// AddGauge registers a gauge read at export time.
func (c *Collector) AddGauge(name, help string, fn GaugeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges = append(c.gauges, gaugeDef{name: name, help: help, fn: fn})
}

// Snapshot is a point-in-time copy of every counter and gauge, keyed by
// exported name.
type Snapshot struct {
	Counters map[string]uint64 `json:"counters"`
	Gauges   map[string]int64  `json:"gauges"`
}

// Snapshot reads every counter and gauge.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Counters: make(map[string]uint64, numCounters),
		Gauges:   make(map[string]int64),
	}
	for _, def := range counterDefs {
		snap.Counters[def.Name] = c.counters[def.ID].Load()
	}
	for _, g := range c.gaugeDefs() {
		snap.Gauges[g.name] = g.fn()
	}
	return snap
}

func (c *Collector) gaugeDefs() []gaugeDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]gaugeDef(nil), c.gauges...)
}

func (c *Collector) SessionOpened(string) { c.Inc(SessionsOpened) }
func (c *Collector) SessionClosed(string, string) { c.Inc(SessionsClosed) }
func (c *Collector) Acked(string, string) { c.Inc(PublishesAcked) }
func (c *Collector) Dropped(string, string) { c.Inc(DeliveriesDropped) }
func (c *Collector) ProtocolError(string, error) { c.Inc(ProtocolErrors) }
func (c *Collector) Denied(string, string, error) { c.Inc(IntentsDenied) }

// Routed implements router.Observer.
func (c *Collector) Routed(_ string, res router.Result) {
	c.Add(DeliveriesEnqueued, uint64(res.Enqueued))
	c.Add(DeliveriesSkipped, uint64(res.Skipped))
}

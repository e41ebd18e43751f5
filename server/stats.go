/******************************************************************************
 *
 *  Description :
 *
 *    Server metrics: expvar counters behind the stats* helpers plus
 *    prometheus collectors for the scrape endpoint.
 *
 *****************************************************************************/

package main

import (
	"expvar"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arfacturas/relay/server/bus"
	"github.com/arfacturas/relay/server/cbreaker"
)

var promRegistry = prometheus.NewRegistry()

var (
	promSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_live_sessions",
		Help: "Number of live sessions on this node.",
	})
	promQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_bus_queue_depth",
		Help: "Envelopes queued while the bus transport is down.",
	})
	promDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dropped_total",
		Help: "Dropped messages by reason.",
	}, []string{"reason"})
	promBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_breaker_state",
		Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})
	promEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Inbound events by name.",
	}, []string{"event"})
)

func init() {
	promRegistry.MustRegister(promSessions, promQueueDepth, promDropped, promBreakerState, promEvents)
}

// Expvar counters, teacher-style: registered once by name, bumped from hot
// paths without further lookups.
var statsVars = map[string]*expvar.Int{}

func statsRegisterInt(name string) {
	if _, ok := statsVars[name]; ok {
		return
	}
	v := new(expvar.Int)
	statsVars[name] = v
	expvar.Publish(name, v)
}

func statsInc(name string, delta int) {
	if v, ok := statsVars[name]; ok {
		v.Add(int64(delta))
	}
}

func statsSet(name string, value int64) {
	if v, ok := statsVars[name]; ok {
		v.Set(value)
	}
}

func statsGet(name string) int64 {
	if v, ok := statsVars[name]; ok {
		return v.Value()
	}
	return 0
}

func statsInit() {
	for _, name := range []string{
		"LiveSessions",
		"TotalSessions",
		"LiveClusterNodes",
		"MessagesDropped",
		"DroppedTTL",
		"DroppedOutbound",
		"DebouncedEvents",
		"RateLimitRejections",
		"AuthFailures",
		"SecurityRejections",
		"DDoSDetected",
		"SuspicionBlacklists",
	} {
		statsRegisterInt(name)
	}
}

// breakerObserver feeds breaker transitions into metrics.
func breakerObserver(name string, from, to cbreaker.State) {
	log.Println("breaker:", name, from.String(), "->", to.String())
	var v float64
	switch to {
	case cbreaker.Open:
		v = 1
	case cbreaker.HalfOpen:
		v = 2
	}
	promBreakerState.WithLabelValues(name).Set(v)
}

// statsSnapshot is the periodic health payload published on the bus.
type statsSnapshot struct {
	NodeID       string `json:"node_id"`
	Sessions     int64  `json:"sessions"`
	QueueDepth   int    `json:"queue_depth"`
	Dropped      int64  `json:"dropped"`
	DroppedTTL   int64  `json:"dropped_ttl"`
	Debounced    int64  `json:"debounced"`
	UptimeS      int64  `json:"uptime_s"`
	BusState     string `json:"bus_state"`
	TakenAtMilli int64  `json:"taken_at"`
}

// publishHealth emits the node's metrics snapshot on health.<node_id>.
func publishHealth(b *bus.Bus, nodeID string, startedAt time.Time) {
	snap := &statsSnapshot{
		NodeID:       nodeID,
		Sessions:     statsGet("LiveSessions"),
		QueueDepth:   b.QueueLen(),
		Dropped:      statsGet("MessagesDropped") + b.Stats().MessagesDropped.Load(),
		DroppedTTL:   b.Stats().DroppedTTL.Load(),
		Debounced:    statsGet("DebouncedEvents"),
		UptimeS:      int64(time.Since(startedAt) / time.Second),
		BusState:     b.State().String(),
		TakenAtMilli: time.Now().UnixMilli(),
	}
	promSessions.Set(float64(snap.Sessions))
	promQueueDepth.Set(float64(snap.QueueDepth))

	if _, err := b.Publish("health."+nodeID, "health.snapshot", snap, bus.PublishOpts{
		Priority: bus.PriorityLow,
	}); err != nil {
		log.Println("stats: health publish failed:", err)
	}
}

// Package metrics exposes presence counters and gauges to Prometheus.
//
// A nil *Recorder is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "helpdesk"

// Recorder owns a private registry and the presence metrics registered on it.
type Recorder struct {
	registry *prometheus.Registry

	heartbeats      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	sweepEvicted    prometheus.Counter
	connections     prometheus.Gauge
	connOpened      prometheus.Counter
	connClosed      *prometheus.CounterVec
	reconcileWrites *prometheus.CounterVec
	coalesced       prometheus.Counter
	durableFlipped  prometheus.Counter
	relayPublished  *prometheus.CounterVec
}

// New constructs a Recorder with Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{registry: reg}

	r.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "heartbeats_total",
		Help:      "Heartbeats processed, by transport.",
	}, []string{"transport"})

	r.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "transitions_total",
		Help:      "Online/offline transitions published, by state and cause.",
	}, []string{"state", "cause"})

	r.sweepEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "sweep_evicted_total",
		Help:      "Entries evicted by the expiry sweeper.",
	})

	r.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Currently registered WebSocket connections.",
	})

	r.connOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections_opened_total",
		Help:      "WebSocket connections accepted and registered.",
	})

	r.connClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections_closed_total",
		Help:      "WebSocket connections torn down, by reason.",
	}, []string{"reason"})

	r.reconcileWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "writes_total",
		Help:      "Durable presence writes, by outcome.",
	}, []string{"outcome"})

	r.coalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "coalesced_total",
		Help:      "Records superseded by a newer record for the same user before being written.",
	})

	r.durableFlipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "durable_flipped_total",
		Help:      "Users flipped offline by the durable stale sweep.",
	})

	r.relayPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "published_total",
		Help:      "Transitions relayed to the message bus, by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(
		r.heartbeats,
		r.transitions,
		r.sweepEvicted,
		r.connections,
		r.connOpened,
		r.connClosed,
		r.reconcileWrites,
		r.coalesced,
		r.durableFlipped,
		r.relayPublished,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RegisterStoreGauges exposes store size and online count, read at scrape time.
func (r *Recorder) RegisterStoreGauges(entries, online func() int) {
	if r == nil {
		return
	}
	r.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "entries",
			Help:      "Entries in the presence table, including stale ones not yet swept.",
		}, func() float64 { return float64(entries()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "Users currently online.",
		}, func() float64 { return float64(online()) }),
	)
}

func (r *Recorder) Heartbeat(transport string) {
	if r == nil {
		return
	}
	r.heartbeats.WithLabelValues(transport).Inc()
}

func (r *Recorder) Transition(online bool, cause string) {
	if r == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	r.transitions.WithLabelValues(state, cause).Inc()
}

func (r *Recorder) SweepEvicted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweepEvicted.Add(float64(n))
}

func (r *Recorder) ConnOpened() {
	if r == nil {
		return
	}
	r.connOpened.Inc()
	r.connections.Inc()
}

func (r *Recorder) ConnClosed(reason string) {
	if r == nil {
		return
	}
	r.connClosed.WithLabelValues(reason).Inc()
	r.connections.Dec()
}

func (r *Recorder) ReconcileWrite(outcome string) {
	if r == nil {
		return
	}
	r.reconcileWrites.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ReconcileCoalesced() {
	if r == nil {
		return
	}
	r.coalesced.Inc()
}

func (r *Recorder) DurableFlipped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.durableFlipped.Add(float64(n))
}

func (r *Recorder) RelayPublish(ok bool) {
	if r == nil {
		return
	}
	r.relayPublished.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// Package metrics exports board activity to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the board's collectors and the registry they are exposed from.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry    *prometheus.Registry
	sessions    prometheus.Gauge
	broadcasts  *prometheus.CounterVec
	commands    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	dropped     prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "stv_ws_sessions", Help: "Connected websocket sessions"}),

		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "stv_ws_broadcasts_total", Help: "Events broadcast to all sessions"},
			[]string{"type"}),

		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "stv_ws_commands_total", Help: "Commands received from sessions"},
			[]string{"type", "outcome"}),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "stv_rate_limited_total", Help: "Attempts denied by a cooldown"},
			[]string{"action"}),

		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "stv_ws_sessions_dropped_total", Help: "Sessions closed for falling behind"}),
	}

	c.registry.MustRegister(
		c.sessions, c.broadcasts, c.commands, c.rateLimited, c.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetSessions records the number of open realtime sessions.
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessions.Set(float64(n))
}

// Broadcast counts one event fanned out to every session.
func (c *Collector) Broadcast(eventType string) {
	if c == nil {
		return
	}
	c.broadcasts.WithLabelValues(eventType).Inc()
}

// Command counts a handled command. outcome is "ok" or an error kind.
func (c *Collector) Command(commandType, outcome string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(commandType, outcome).Inc()
}

// RateLimited counts a request refused by a cooldown.
func (c *Collector) RateLimited(action string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(action).Inc()
}

// SessionDropped counts a session closed because its send buffer was full.
func (c *Collector) SessionDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// Package metrics exposes the process Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SavesTotal counts envelope batch saves, labeled by outcome.
	SavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planmark_saves_total",
		Help: "Envelope batch saves by outcome.",
	}, []string{"outcome"})

	// BroadcastsTotal counts events fanned out to document subscribers.
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planmark_broadcasts_total",
		Help: "Events broadcast to WebSocket subscribers.",
	})

	// SubscribersGauge tracks currently connected WebSocket clients.
	SubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planmark_ws_subscribers",
		Help: "Connected WebSocket subscribers.",
	})

	// RequestsTotal counts HTTP requests by method and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planmark_http_requests_total",
		Help: "HTTP requests by method and status class.",
	}, []string{"method", "class"})
)

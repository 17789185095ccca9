// Package metrics defines the Prometheus collectors exposed by the relay
// and the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})

	// Room metrics
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_rooms_active",
		Help: "The current number of rooms with at least one member.",
	})

	// Event metrics
	EventsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_events_relayed_total",
		Help: "The total number of events fanned out to room members.",
	}, []string{"type"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_events_dropped_total",
		Help: "The total number of inbound events discarded without delivery.",
	}, []string{"reason"})

	// Bus metrics
	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_bus_published_total",
		Help: "The total number of events published to the Redis room bridge.",
	})
	BusPublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_bus_publish_retries_total",
		Help: "The total number of retried Redis bridge publishes.",
	})
)

// Drop reasons used with EventsDropped.
const (
	ReasonMalformed      = "malformed"
	ReasonUnknownType    = "unknown_type"
	ReasonUnresolvedRoom = "unresolved_room"
	ReasonRateLimited    = "rate_limited"
	ReasonSlowPeer       = "slow_peer"
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package server wires the HTTP surface of the relay into a ServeMux.
package server

import (
	"net/http"

	"chatrelay/internal/metrics"
)

// SetupRoutes returns a mux with the health check, WebSocket endpoint,
// stats, Prometheus metrics, and the test page.
func SetupRoutes(cfg *Config, hub *Hub, dispatcher *Dispatcher) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", WebSocketHandler(cfg, hub, dispatcher))
	mux.HandleFunc("/stats", StatsHandler(hub))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}

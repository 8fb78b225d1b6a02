// Package server provides the HTTP API: session ingest endpoints and a
// WebSocket ingest stream for the generation source, plus monitoring
// endpoints (health, sessions, config, stats, Prometheus metrics).
package server

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robovoice/playout/internal/config"
	"github.com/robovoice/playout/internal/metrics"
	"github.com/robovoice/playout/internal/playback"
)

// maxDeltaBytes bounds a single ingested delta. The generation source sends
// sub-second PCM pieces; anything near this limit is a misbehaving client.
const maxDeltaBytes = 4 << 20

// HTTPServer provides the ingest API for the generation source and
// monitoring endpoints for operators.
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	scheduler *playback.Scheduler
	metrics   *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the ingest and monitoring API server.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, scheduler *playback.Scheduler, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		scheduler: scheduler,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Ingest endpoints for the generation source
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSession))
	mux.HandleFunc("/ingest/ws", h.handleIngestWS)

	// Monitoring endpoints
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleSession routes /sessions/{id}, /sessions/{id}/deltas, /sessions/{id}/end
// and /sessions/{id}/abort.
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		h.handleSessionDetail(w, r, sessionID)
	case "deltas":
		h.handleDeltas(w, r, sessionID)
	case "end":
		h.handleEnd(w, r, sessionID)
	case "abort":
		h.handleAbort(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

// handleDeltas implements POST /sessions/{id}/deltas. The body is raw PCM16
// bytes, appended to the session stream.
func (h *HTTPServer) handleDeltas(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	delta, err := io.ReadAll(io.LimitReader(r.Body, maxDeltaBytes+1))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(delta) > maxDeltaBytes {
		http.Error(w, "Delta too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(delta) == 0 {
		http.Error(w, "Empty delta", http.StatusBadRequest)
		return
	}

	if err := h.scheduler.PushDelta(sessionID, delta); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleEnd implements POST /sessions/{id}/end.
func (h *HTTPServer) handleEnd(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.scheduler.EndOfStream(sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleAbort implements POST /sessions/{id}/abort with an optional JSON
// body {"reason": "..."}.
func (h *HTTPServer) handleAbort(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reason := "caller request"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}

	if err := h.scheduler.Abort(sessionID, reason); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleSessionDetail implements GET /sessions/{id}.
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info, exists := h.scheduler.Info(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	stats := h.scheduler.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "playout-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"scheduler": map[string]interface{}{
				"status":             "running",
				"active_sessions":    h.scheduler.ActiveCount(),
				"sessions_completed": stats.SessionsCompleted,
				"sessions_aborted":   stats.SessionsAborted,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.scheduler.Snapshot()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]interface{}{
		"device": map[string]interface{}{
			"base_url":        h.config.Device.BaseURL,
			"event_url":       h.config.Device.EventURL,
			"timeout":         h.config.Device.Timeout,
			"upload_attempts": h.config.Device.UploadAttempts,
			"retry_delay":     h.config.Device.RetryDelay,
			"volume":          h.config.Device.Volume,
		},
		"audio": map[string]interface{}{
			"source_rate":    h.config.Audio.SourceRate,
			"device_rate":    h.config.Audio.DeviceRate,
			"chunking":       h.config.Audio.Chunking,
			"chunk_duration": h.config.Audio.ChunkDuration,
		},
		"playback": map[string]interface{}{
			"pipelining":           h.config.Playback.Pipelining,
			"advance_margin":       h.config.Playback.AdvanceMargin,
			"strict_mode":          h.config.Playback.StrictMode,
			"cleanup_workers":      h.config.Playback.CleanupWorkers,
			"session_idle_timeout": h.config.Playback.SessionIdleTimeout,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"scheduler": h.scheduler.Stats(),
		"sessions": map[string]interface{}{
			"active_count": h.scheduler.ActiveCount(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Chunked Speech Playout Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                          "API documentation",
			"POST /sessions/{id}/deltas":     "Append raw PCM16 bytes to a session stream",
			"POST /sessions/{id}/end":        "Mark a session stream complete",
			"POST /sessions/{id}/abort":      "Abort a session",
			"GET /ingest/ws?session={id}":    "WebSocket ingest: binary frames are deltas",
			"GET /health":                    "Service health check",
			"GET /sessions":                  "List all sessions",
			"GET /sessions/{id}":             "Get detailed session information",
			"GET /config":                    "Get service configuration",
			"GET /stats":                     "Get service statistics",
			"GET /metrics":                   "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}

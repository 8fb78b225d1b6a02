package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 4 * 1024,
	// The generation source runs on the same trusted network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ingestControl is a text frame on the ingest socket. Binary frames carry
// raw PCM deltas; text frames carry stream control.
type ingestControl struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// handleIngestWS implements GET /ingest/ws?session={id}: a WebSocket that
// streams one session's audio. Binary messages are PCM16 deltas, a text
// {"type":"end"} message closes the stream, {"type":"abort"} cancels it.
// A dropped connection leaves the session to the idle sweep so a source
// reconnect can resume pushing.
func (h *HTTPServer) handleIngestWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	h.logger.Info("Ingest stream connected", slog.String("session_id", sessionID))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("Ingest stream dropped",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			if err := h.scheduler.PushDelta(sessionID, data); err != nil {
				h.writeIngestError(conn, sessionID, err)
				return
			}

		case websocket.TextMessage:
			var ctl ingestControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				h.logger.Warn("Malformed ingest control frame",
					slog.String("session_id", sessionID),
				)
				continue
			}

			switch ctl.Type {
			case "end":
				if err := h.scheduler.EndOfStream(sessionID); err != nil {
					h.writeIngestError(conn, sessionID, err)
				}
				return
			case "abort":
				reason := ctl.Reason
				if reason == "" {
					reason = "caller request"
				}
				if err := h.scheduler.Abort(sessionID, reason); err != nil {
					h.writeIngestError(conn, sessionID, err)
				}
				return
			default:
				h.logger.Warn("Unknown ingest control type",
					slog.String("session_id", sessionID),
					slog.String("type", ctl.Type),
				)
			}
		}
	}
}

func (h *HTTPServer) writeIngestError(conn *websocket.Conn, sessionID string, err error) {
	h.logger.Warn("Ingest stream error",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
	conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
}

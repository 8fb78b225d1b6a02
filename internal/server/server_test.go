package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robovoice/playout/internal/audio"
	"github.com/robovoice/playout/internal/config"
	"github.com/robovoice/playout/internal/device"
	"github.com/robovoice/playout/internal/metrics"
	"github.com/robovoice/playout/internal/playback"
)

type stubDeliverer struct {
	mu     sync.Mutex
	seq    int
	played []string
}

func (d *stubDeliverer) Upload(ctx context.Context, blob []byte) (device.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return device.Handle{Name: fmt.Sprintf("file_%d.wav", d.seq)}, nil
}

func (d *stubDeliverer) Play(ctx context.Context, h device.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played = append(d.played, h.Name)
	return nil
}

func (d *stubDeliverer) Delete(ctx context.Context, h device.Handle) error { return nil }

type stubFeed struct{}

func (stubFeed) PlaybackDone(name string) <-chan struct{} { return make(chan struct{}) }
func (stubFeed) Forget(name string)                       {}

func newTestServer(t *testing.T) (*httptest.Server, *playback.Scheduler) {
	t.Helper()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seg := audio.NewSegmenter(audio.SegmenterConfig{
		ChunkDuration: 100 * time.Millisecond,
		SampleRate:    24000,
		Chunking:      true,
	})
	tr, err := audio.NewTranscoder(24000, 24000)
	if err != nil {
		t.Fatalf("NewTranscoder failed: %v", err)
	}

	d := &stubDeliverer{}
	cleaner := playback.NewCleaner(d, playback.CleanerConfig{Workers: 1, QueueSize: 16}, m, logger)
	t.Cleanup(cleaner.Stop)

	sch := playback.NewScheduler(
		playback.Config{Pipelining: true, AdvanceMargin: 20 * time.Millisecond},
		seg, tr, d, stubFeed{}, cleaner, playback.Events{}, m, logger)
	t.Cleanup(sch.Stop)

	appConfig := &config.Config{
		Device: config.DeviceConfig{
			BaseURL: "http://device", EventURL: "ws://device/pubsub",
			Timeout: 10, UploadAttempts: 3, RetryDelay: 0.5, Volume: 100,
		},
		Audio:    config.AudioConfig{SourceRate: 24000, DeviceRate: 24000, Chunking: true, ChunkDuration: 0.1},
		Playback: config.PlaybackConfig{Pipelining: true, AdvanceMargin: 0.02, CleanupWorkers: 1, CleanupQueueSize: 16, SessionIdleTimeout: 120},
		HTTP:     config.HTTPConfig{Port: 8080, Address: "127.0.0.1", Enabled: true},
		Logging:  config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}

	h := NewHTTPServer(appConfig.HTTP, logger, appConfig, sch, m)
	srv := httptest.NewServer(h.server.Handler)
	t.Cleanup(srv.Close)

	return srv, sch
}

func TestIngestLifecycle(t *testing.T) {
	srv, sch := newTestServer(t)

	delta := bytes.Repeat([]byte{1, 0}, 600) // 1200 bytes of PCM16
	resp, err := http.Post(srv.URL+"/sessions/s1/deltas", "application/octet-stream", bytes.NewReader(delta))
	if err != nil {
		t.Fatalf("POST deltas failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202 for deltas, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/sessions/s1/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST end failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202 for end, got %d", resp.StatusCode)
	}

	// A second end must conflict.
	resp, err = http.Post(srv.URL+"/sessions/s1/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST end failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate end, got %d", resp.StatusCode)
	}

	info, ok := sch.Info("s1")
	if !ok {
		t.Fatal("Session not registered")
	}
	if !info.FinalSeen {
		t.Error("End of stream not recorded")
	}
}

func TestSessionDetailEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	delta := bytes.Repeat([]byte{0, 0}, 100)
	resp, err := http.Post(srv.URL+"/sessions/abc/deltas", "application/octet-stream", bytes.NewReader(delta))
	if err != nil {
		t.Fatalf("POST deltas failed: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/sessions/abc")
	if err != nil {
		t.Fatalf("GET session failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var info playback.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode session info: %v", err)
	}
	if info.ID != "abc" {
		t.Errorf("Expected session abc, got %q", info.ID)
	}
	if info.DeltasReceived != 1 {
		t.Errorf("Expected 1 delta recorded, got %d", info.DeltasReceived)
	}

	resp, err = http.Get(srv.URL + "/sessions/missing")
	if err != nil {
		t.Fatalf("GET session failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestAbortEndpoint(t *testing.T) {
	srv, sch := newTestServer(t)

	delta := bytes.Repeat([]byte{0, 0}, 100)
	resp, err := http.Post(srv.URL+"/sessions/s1/deltas", "application/octet-stream", bytes.NewReader(delta))
	if err != nil {
		t.Fatalf("POST deltas failed: %v", err)
	}
	resp.Body.Close()

	body := strings.NewReader(`{"reason":"barge-in"}`)
	resp, err = http.Post(srv.URL+"/sessions/s1/abort", "application/json", body)
	if err != nil {
		t.Fatalf("POST abort failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202 for abort, got %d", resp.StatusCode)
	}

	info, _ := sch.Info("s1")
	if info.Status != playback.StatusAborted {
		t.Errorf("Expected aborted session, got %s", info.Status)
	}
	if info.Reason != "barge-in" {
		t.Errorf("Expected barge-in reason, got %q", info.Reason)
	}

	resp, err = http.Post(srv.URL+"/sessions/unknown/abort", "application/json", nil)
	if err != nil {
		t.Fatalf("POST abort failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 aborting unknown session, got %d", resp.StatusCode)
	}
}

func TestIngestValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	// Empty delta body.
	resp, err := http.Post(srv.URL+"/sessions/s1/deltas", "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty delta, got %d", resp.StatusCode)
	}

	// Wrong method.
	resp, err = http.Get(srv.URL + "/sessions/s1/deltas")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET deltas, got %d", resp.StatusCode)
	}

	// Unknown action.
	resp, err = http.Post(srv.URL+"/sessions/s1/bogus", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown action, got %d", resp.StatusCode)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/sessions", "/config", "/stats", "/"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("GET %s: expected JSON, got %q", path, ct)
		}
		resp.Body.Close()
	}
}

func TestConfigEndpointOmitsNothingSensitive(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config failed: %v", err)
	}
	defer resp.Body.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("Failed to decode config: %v", err)
	}
	for _, section := range []string{"device", "audio", "playback", "logging"} {
		if _, ok := cfg[section]; !ok {
			t.Errorf("Config response missing %q section", section)
		}
	}
}

func TestWebSocketIngest(t *testing.T) {
	srv, sch := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ingest/ws?session=ws1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	delta := bytes.Repeat([]byte{2, 0}, 300)
	if err := conn.WriteMessage(websocket.BinaryMessage, delta); err != nil {
		t.Fatalf("Failed to send delta: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`)); err != nil {
		t.Fatalf("Failed to send end: %v", err)
	}

	// The server closes the socket after end; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, ok := sch.Info("ws1")
		if ok && info.FinalSeen {
			if info.DeltasReceived != 1 {
				t.Errorf("Expected 1 delta, got %d", info.DeltasReceived)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Session never saw end of stream")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketIngestRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ingest/ws")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without session parameter, got %d", resp.StatusCode)
	}
}

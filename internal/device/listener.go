package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Listener subscribes to the device's WebSocket event feed and fans
// playback-complete notifications out to per-handle waiters. The feed is
// unreliable: events can arrive late, for unknown files, or never. The
// scheduler races every waiter against its own fallback timer.
type Listener struct {
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// completeEvent is one message on the device event feed.
type completeEvent struct {
	EventName string `json:"eventName"`
	Message   struct {
		Name string `json:"name"`
	} `json:"message"`
}

// subscribeRequest registers interest in playback completion events.
type subscribeRequest struct {
	Operation string `json:"operation"`
	Type      string `json:"type"`
	EventName string `json:"eventName"`
}

const audioPlayCompleteEvent = "AudioPlayComplete"

// NewListener creates an event feed listener for the given WebSocket URL,
// e.g. "ws://10.0.0.31/pubsub".
func NewListener(url string, logger *slog.Logger) *Listener {
	return &Listener{
		url:     url,
		logger:  logger,
		waiters: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start connects to the feed and begins dispatching events. The read loop
// reconnects with capped backoff until Stop is called; a dead feed degrades
// the pipeline to timer-only advancement rather than failing it.
func (l *Listener) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	go l.run()
}

// Stop tears the connection down and ends the read loop.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}

// PlaybackDone returns a channel that is closed when the device reports the
// named file finished playing. At most one waiter per handle exists at a
// time; handles are single-use so that is enough.
func (l *Listener) PlaybackDone(name string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.waiters[name]
	if !ok {
		ch = make(chan struct{})
		l.waiters[name] = ch
	}
	return ch
}

// Forget drops the waiter for a handle once the scheduler has settled the
// chunk, so late events for consumed handles are discarded.
func (l *Listener) Forget(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.waiters, name)
}

func (l *Listener) run() {
	defer close(l.done)

	backoff := time.Second
	for {
		if l.ctx.Err() != nil {
			return
		}

		if err := l.listenOnce(); err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Warn("Device event feed disconnected",
				slog.String("url", l.url),
				slog.String("error", err.Error()),
				slog.Duration("reconnect_in", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-l.ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// listenOnce dials, subscribes, and reads events until the connection drops.
func (l *Listener) listenOnce() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(l.ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := subscribeRequest{
		Operation: "subscribe",
		Type:      audioPlayCompleteEvent,
		EventName: audioPlayCompleteEvent,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	l.logger.Info("Subscribed to device event feed", slog.String("url", l.url))

	// Unblock ReadMessage when the listener stops.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-l.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev completeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Debug("Ignoring non-JSON event feed message", slog.Int("bytes", len(data)))
			continue
		}
		if ev.EventName != audioPlayCompleteEvent || ev.Message.Name == "" {
			continue
		}
		l.dispatch(ev.Message.Name)
	}
}

func (l *Listener) dispatch(name string) {
	l.mu.Lock()
	ch, ok := l.waiters[name]
	if ok {
		delete(l.waiters, name)
	}
	l.mu.Unlock()

	if ok {
		close(ch)
		l.logger.Debug("Playback complete event", slog.String("file", name))
	} else {
		l.logger.Debug("Playback complete event for unknown file", slog.String("file", name))
	}
}

package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robovoice/playout/internal/device"
	"github.com/robovoice/playout/internal/metrics"
)

type countingDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (c *countingDeleter) Delete(ctx context.Context, h device.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[h.Name] {
		return errors.New("device refused")
	}
	c.deleted = append(c.deleted, h.Name)
	return nil
}

func (c *countingDeleter) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

func newTestCleaner(d RemoteDeleter, workers, queueSize int) *Cleaner {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCleaner(d, CleanerConfig{Workers: workers, QueueSize: queueSize}, m, logger)
}

func TestCleanerDeletesHandles(t *testing.T) {
	d := &countingDeleter{}
	c := newTestCleaner(d, 2, 16)

	c.Enqueue(device.Handle{Name: "a.wav"})
	c.Enqueue(device.Handle{Name: "b.wav"})
	c.Enqueue(device.Handle{Name: "c.wav"})
	c.Stop()

	got := d.names()
	if len(got) != 3 {
		t.Fatalf("Expected 3 deletions, got %v", got)
	}
	seen := map[string]bool{}
	for _, name := range got {
		seen[name] = true
	}
	for _, want := range []string{"a.wav", "b.wav", "c.wav"} {
		if !seen[want] {
			t.Errorf("Handle %q never deleted", want)
		}
	}
}

func TestCleanerSurvivesFailures(t *testing.T) {
	// A failed deletion is logged and forgotten; later handles still
	// get deleted.
	d := &countingDeleter{fail: map[string]bool{"bad.wav": true}}
	c := newTestCleaner(d, 1, 16)

	c.Enqueue(device.Handle{Name: "bad.wav"})
	c.Enqueue(device.Handle{Name: "good.wav"})
	c.Stop()

	got := d.names()
	if len(got) != 1 || got[0] != "good.wav" {
		t.Errorf("Expected only good.wav deleted, got %v", got)
	}
}

func TestCleanerEnqueueNeverBlocks(t *testing.T) {
	// A single worker stuck on a slow delete must not make Enqueue block
	// once the queue saturates.
	block := make(chan struct{})
	d := &slowDeleter{release: block}
	c := newTestCleaner(d, 1, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.Enqueue(device.Handle{Name: "x.wav"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a saturated queue")
	}

	close(block)
	c.Stop()
}

func TestCleanerEnqueueAfterStop(t *testing.T) {
	d := &countingDeleter{}
	c := newTestCleaner(d, 1, 16)
	c.Stop()

	// Must neither panic nor deadlock.
	c.Enqueue(device.Handle{Name: "late.wav"})

	if got := d.names(); len(got) != 0 {
		t.Errorf("Expected no deletions after stop, got %v", got)
	}
}

type slowDeleter struct {
	release chan struct{}
}

func (s *slowDeleter) Delete(ctx context.Context, h device.Handle) error {
	<-s.release
	return nil
}

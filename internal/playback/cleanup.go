package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robovoice/playout/internal/device"
	"github.com/robovoice/playout/internal/metrics"
)

// RemoteDeleter deletes an uploaded file from the device.
type RemoteDeleter interface {
	Delete(ctx context.Context, h device.Handle) error
}

// CleanerConfig contains cleanup worker pool configuration.
type CleanerConfig struct {
	Workers   int
	QueueSize int
}

// Cleaner deletes consumed remote files off the playback-critical path. The
// device's storage is constrained, so every uploaded file is enqueued here
// after it has played, been skipped or been orphaned by an abort. Deletions
// are best-effort: failures are logged and never retried, to avoid adding
// pressure on an already struggling device.
type Cleaner struct {
	deleter RemoteDeleter
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan device.Handle
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewCleaner creates a cleanup worker pool.
func NewCleaner(deleter RemoteDeleter, config CleanerConfig, m *metrics.Metrics, logger *slog.Logger) *Cleaner {
	if config.Workers < 1 {
		config.Workers = 2
	}
	if config.QueueSize < 1 {
		config.QueueSize = 64
	}

	c := &Cleaner{
		deleter: deleter,
		logger:  logger,
		metrics: m,
		queue:   make(chan device.Handle, config.QueueSize),
	}

	for i := 0; i < config.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	return c
}

// Enqueue schedules a remote file for deletion. Never blocks: when the queue
// is saturated the handle is dropped and logged. A leaked file on the device
// is preferable to a stalled scheduler.
func (c *Cleaner) Enqueue(h device.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.queue <- h:
	default:
		c.metrics.RecordCleanupDropped()
		c.logger.Warn("Cleanup queue full, dropping delete request",
			slog.String("file", h.Name),
		)
	}
}

// Stop drains the queue and waits for the workers to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Cleaner) worker() {
	defer c.wg.Done()

	for h := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.deleter.Delete(ctx, h)
		cancel()

		if err != nil {
			c.metrics.RecordCleanupFailure()
			c.logger.Warn("Failed to delete remote file",
				slog.String("file", h.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.metrics.RecordCleanupDelete()
		c.logger.Debug("Deleted remote file", slog.String("file", h.Name))
	}
}

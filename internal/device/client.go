package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Handle is an opaque reference to an uploaded audio file on the device.
// It is created by Upload, consumed by Play and invalidated by Delete.
type Handle struct {
	Name string
}

// Config contains delivery channel configuration.
type Config struct {
	// BaseURL is the root of the device's HTTP API, e.g. "http://10.0.0.31".
	BaseURL string

	// Timeout bounds every single HTTP call. The device is on a slow LAN;
	// an unbounded call here would stall an upload worker indefinitely.
	Timeout time.Duration

	// UploadAttempts is the total number of tries for one upload,
	// including the first.
	UploadAttempts int

	// RetryDelay is the fixed pause between upload attempts.
	RetryDelay time.Duration

	// Volume is the playback volume passed to the device, 0-100.
	Volume int

	// Observer receives upload attempt/retry callbacks. Optional.
	Observer UploadObserver
}

// UploadObserver counts upload attempts and retries for instrumentation.
type UploadObserver interface {
	RecordUploadAttempt()
	RecordUploadRetry()
}

// Client talks to the playback device over its HTTP API. The underlying
// transport keeps connections alive: connection setup against this device is
// a material latency cost, so the first upload must not pay it again on
// every subsequent call.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a delivery channel client.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("device base URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.UploadAttempts < 1 {
		config.UploadAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.Volume <= 0 || config.Volume > 100 {
		config.Volume = 100
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// saveAudioRequest is the device's upload body. Audio travels base64-encoded
// inside JSON; ImmediatelyApply stays false because playback is a separate,
// scheduler-controlled step.
type saveAudioRequest struct {
	FileName          string `json:"fileName"`
	Data              string `json:"data"`
	ImmediatelyApply  bool   `json:"immediatelyApply"`
	OverwriteExisting bool   `json:"overwriteExisting"`
}

type playAudioRequest struct {
	FileName string `json:"fileName"`
	Volume   int    `json:"volume"`
}

type deleteAudioRequest struct {
	FileName string `json:"fileName"`
}

// Upload stores an audio blob on the device under a fresh unique name and
// returns its handle. Transient failures are retried up to the configured
// attempt count with a short fixed delay; a permanent failure or context
// cancellation returns immediately.
func (c *Client) Upload(ctx context.Context, blob []byte) (Handle, error) {
	name := fmt.Sprintf("speech_%s.wav", uuid.NewString()[:8])
	body := saveAudioRequest{
		FileName:          name,
		Data:              base64.StdEncoding.EncodeToString(blob),
		ImmediatelyApply:  false,
		OverwriteExisting: true,
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.UploadAttempts; attempt++ {
		if attempt > 1 {
			if c.config.Observer != nil {
				c.config.Observer.RecordUploadRetry()
			}
			c.logger.Debug("Retrying upload",
				slog.String("file", name),
				slog.Int("attempt", attempt),
			)
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			}
		}
		if c.config.Observer != nil {
			c.config.Observer.RecordUploadAttempt()
		}

		err := c.post(ctx, "/api/audio", body)
		if err == nil {
			return Handle{Name: name}, nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return Handle{}, err
		}
		if ctx.Err() != nil {
			return Handle{}, ctx.Err()
		}
	}
	return Handle{}, fmt.Errorf("upload failed after %d attempts: %w", c.config.UploadAttempts, lastErr)
}

// Play starts playback of an uploaded file. It is fire-and-forget: the call
// returns once the device accepts the command, and any failure means the
// chunk did not play. Play is never retried, because a duplicate play would
// produce duplicate audio.
func (c *Client) Play(ctx context.Context, h Handle) error {
	return c.post(ctx, "/api/audio/play", playAudioRequest{FileName: h.Name, Volume: c.config.Volume})
}

// Delete removes an uploaded file from the device's constrained storage.
// Best-effort, single attempt: callers log failures and move on.
func (c *Client) Delete(ctx context.Context, h Handle) error {
	payload, err := json.Marshal(deleteAudioRequest{FileName: h.Name})
	if err != nil {
		return fmt.Errorf("delete: failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.config.BaseURL+"/api/audio", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("delete: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do("delete", req)
}

// post sends a JSON body and classifies the outcome.
func (c *Client) post(ctx context.Context, path string, body any) error {
	op := path
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req)
}

// do executes one request and maps the result onto the error taxonomy.
func (c *Client) do(op string, req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable by nature.
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s", bytes.TrimSpace(msg))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Op: op, Status: resp.StatusCode, Err: cause}
	}
	return &PermanentError{Op: op, Status: resp.StatusCode, Err: cause}
}

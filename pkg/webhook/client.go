// Package webhook notifies the backend about call lifecycle and transcript
// events. Delivery is best effort and never blocks a call.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/altiora/pkg/errorsx"
	"github.com/harunnryd/altiora/pkg/logging"
	"github.com/harunnryd/altiora/pkg/resilience"
)

// Notifier is the surface the stream handler depends on.
type Notifier interface {
	// CallStarted blocks for the backend's answer; callers run it off the
	// receive loop.
	CallStarted(ctx context.Context, ev CallStarted) (string, error)
	// CallEnded and Transcript enqueue and return immediately.
	CallEnded(ev CallEnded)
	Transcript(ev Transcript)
}

// Nop discards every event.
type Nop struct{}

func (Nop) CallStarted(context.Context, CallStarted) (string, error) { return "", nil }
func (Nop) CallEnded(CallEnded)                                      {}
func (Nop) Transcript(Transcript)                                    {}

type Config struct {
	URL       string
	Token     string
	Timeout   time.Duration
	QueueSize int
	Retry     resilience.RetryPolicy
}

type job struct {
	path    string
	payload any
}

// Client is created once per process and shared by all calls.
type Client struct {
	base    string
	token   string
	http    *http.Client
	retry   resilience.RetryPolicy
	log     *slog.Logger
	queue   chan job
	done    chan struct{}
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry = resilience.NewRetryPolicy(2, 250*time.Millisecond)
	}
	c := &Client{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		retry: cfg.Retry,
		log:   logging.NewComponentLogger(logger, "webhook"),
		queue: make(chan job, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func (c *Client) CallStarted(ctx context.Context, ev CallStarted) (string, error) {
	var out callStartedResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/call-started", ev, &out)
	})
	if err != nil {
		c.log.Warn("webhook_call_started_failed",
			"provider_call_id", ev.ProviderCallID,
			"reason_code", errorsx.Reason(err),
			"error", err)
		return "", err
	}
	return out.CallID, nil
}

func (c *Client) CallEnded(ev CallEnded) {
	c.enqueue(job{path: "/call-ended", payload: ev})
}

func (c *Client) Transcript(ev Transcript) {
	c.enqueue(job{path: "/transcript", payload: ev})
}

// Dropped reports events discarded because the queue was full.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops intake and waits for queued events to be delivered or for ctx
// to expire.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) enqueue(j job) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- j:
	default:
		c.dropped.Add(1)
		c.log.Warn("webhook_queue_full", "path", j.path)
	}
}

func (c *Client) loop() {
	defer close(c.done)
	for j := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout*time.Duration(c.retry.MaxRetries+1))
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			return c.post(ctx, j.path, j.payload, nil)
		})
		cancel()
		if err != nil {
			c.log.Warn("webhook_send_failed",
				"path", j.path,
				"reason_code", errorsx.Reason(err),
				"error", err)
		}
	}
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(errorsx.Wrap(err, errorsx.ReasonWebhookSend))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonWebhookSend)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := errorsx.Wrap(fmt.Errorf("%s %s: %d %s", http.MethodPost, path, resp.StatusCode, strings.TrimSpace(string(msg))), errorsx.ReasonWebhookStatus)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(err)
		}
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(errorsx.Wrap(fmt.Errorf("decode %s response: %w", path, err), errorsx.ReasonWebhookStatus))
	}
	return nil
}

var (
	_ Notifier = (*Client)(nil)
	_ Notifier = Nop{}
)

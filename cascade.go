package taskfabric

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// Cascade is the self-chaining trigger: after every terminal step
// transition, the worker fires a best-effort "process next" signal so
// the queue keeps draining without a polling loop. A failed cascade
// must never block or fail the step that just completed.
type Cascade interface {
	Trigger(ctx context.Context)
}

// HTTPCascade posts to a configured self URL with transient-error
// detection and bounded backoff. It is fire-and-forget: the result of
// Trigger is logged, never returned or waited on by callers.
type HTTPCascade struct {
	Client *http.Client
	URL    string
	Secret string
	Logger *slog.Logger

	MaxAttempts int
	BaseDelay   time.Duration
}

// NewHTTPCascade constructs an HTTPCascade posting to url with the given
// shared secret (the resume/process-next bearer token).
func NewHTTPCascade(url, secret string, logger *slog.Logger) *HTTPCascade {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPCascade{
		Client:      &http.Client{Timeout: 5 * time.Second},
		URL:         url,
		Secret:      secret,
		Logger:      logger,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
	}
}

// Trigger fires the cascade asynchronously; it returns immediately and
// never propagates an error to the caller.
func (c *HTTPCascade) Trigger(ctx context.Context) {
	if c.URL == "" {
		return
	}
	go c.doTrigger(context.WithoutCancel(ctx))
}

func (c *HTTPCascade) doTrigger(ctx context.Context) {
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(ctx, c.Client.Timeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, nil)
		if err != nil {
			cancel()
			return
		}
		if c.Secret != "" {
			req.Header.Set("Authorization", "Bearer "+c.Secret)
		}
		resp, err := c.Client.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		if !isTransientCascadeErr(err) && err != nil {
			c.Logger.Warn("cascade trigger failed", "url", c.URL, "err", err)
			return
		}
		if attempt == c.MaxAttempts {
			c.Logger.Warn("cascade trigger exhausted retries", "url", c.URL, "attempts", attempt)
			return
		}
		delay := c.BaseDelay * time.Duration(1<<(attempt-1))
		delay += time.Duration(rand.Int63n(int64(delay) / 2))
		time.Sleep(delay)
	}
}

func isTransientCascadeErr(err error) bool {
	if err == nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

// InProcessCascade substitutes an in-process channel for the HTTP leg
// when everything runs in a single process. Trigger is a non-blocking
// send; a full channel simply drops the signal, since the next inbound
// request (or the next successful send) will run the Sweeper and
// selection anyway.
type InProcessCascade struct {
	signal chan struct{}
}

// NewInProcessCascade returns a Cascade backed by a buffered channel that
// the caller drains with Chan().
func NewInProcessCascade() *InProcessCascade {
	return &InProcessCascade{signal: make(chan struct{}, 1)}
}

func (c *InProcessCascade) Trigger(ctx context.Context) {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Chan returns the channel a worker loop should select on to learn that a
// ProcessNext pass is due.
func (c *InProcessCascade) Chan() <-chan struct{} {
	return c.signal
}

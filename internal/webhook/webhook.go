// Package webhook fires named events at the outbound webhook gateway.
// Equipment actuation is one event per on/off action; the gateway recipe
// does the actual switching.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/config"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
)

// ErrWebhookFailure indicates every delivery attempt failed. Callers must
// not update equipment status when they receive it.
var ErrWebhookFailure = errors.New("webhook dispatch failed")

// Client triggers named events at the gateway.
type Client interface {
	Trigger(ctx context.Context, event string) error
}

// Timing of the bounded retry schedule: 3 attempts, exponential backoff
// 500ms -> 4s, 30s cap per request.
const (
	maxAttempts    = 3
	requestTimeout = 30 * time.Second
)

var backoffDelays = []time.Duration{500 * time.Millisecond, 4 * time.Second}

// LiveClient sends real HTTP requests to the gateway.
type LiveClient struct {
	baseURL string
	key     string
	http    *http.Client
	sleepFn func(time.Duration) // injectable for tests
}

// NewLive creates a live gateway client.
func NewLive(cfg config.WebhookConfig) *LiveClient {
	return &LiveClient{
		baseURL: cfg.BaseURL,
		key:     cfg.Key,
		http:    &http.Client{Timeout: requestTimeout},
		sleepFn: time.Sleep,
	}
}

// New selects the live or stub client per the configured mode.
func New(cfg *config.Config) Client {
	if cfg.Stub() {
		L_info("webhook: stub mode, events will not be dispatched")
		return NewStub()
	}
	return NewLive(cfg.Webhook)
}

// SetSleepFunc overrides the backoff sleeper. Tests only.
func (c *LiveClient) SetSleepFunc(fn func(time.Duration)) { c.sleepFn = fn }

// Trigger fires event at the gateway, retrying with bounded backoff.
// Success iff any attempt returns 2xx.
func (c *LiveClient) Trigger(ctx context.Context, event string) error {
	endpoint := fmt.Sprintf("%s/trigger/%s/with/key/%s",
		c.baseURL, url.PathEscape(event), url.PathEscape(c.key))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelays[attempt-2]
			L_debug("webhook: backing off before retry", "event", event, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrWebhookFailure, ctx.Err())
			default:
			}
			c.sleepFn(delay)
		}

		status, err := c.attempt(ctx, endpoint)
		if err != nil {
			lastErr = err
			L_warn("webhook: attempt failed", "event", event, "attempt", attempt, "error", err)
			continue
		}
		if status >= 200 && status < 300 {
			L_info("webhook: event dispatched", "event", event, "attempt", attempt, "status", status)
			return nil
		}
		lastErr = fmt.Errorf("gateway returned status %d", status)
		L_warn("webhook: non-2xx response", "event", event, "attempt", attempt, "status", status)
	}

	return fmt.Errorf("%w: event %s after %d attempts: %v", ErrWebhookFailure, event, maxAttempts, lastErr)
}

func (c *LiveClient) attempt(ctx context.Context, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// StubClient short-circuits the network call and records triggered events.
// Used in development and by tests to inject outcomes.
type StubClient struct {
	// Fail, when set, makes every Trigger fail with ErrWebhookFailure.
	Fail bool

	mu     sync.Mutex
	events []string
}

// NewStub creates a stub client.
func NewStub() *StubClient {
	return &StubClient{}
}

// Trigger records the event and succeeds unless Fail is set.
func (c *StubClient) Trigger(_ context.Context, event string) error {
	if c.Fail {
		return fmt.Errorf("%w: stub configured to fail", ErrWebhookFailure)
	}
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	L_debug("webhook: stub trigger", "event", event)
	return nil
}

// Events returns the events triggered so far.
func (c *StubClient) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// Reset clears recorded events.
func (c *StubClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

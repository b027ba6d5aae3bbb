package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/telemetry"
)

// Pusher delivers one session record to the remote store. Pushes are
// at-least-once; the remote endpoint upserts by record ID, so a repeated
// push of the same record must be accepted.
type Pusher interface {
	Push(ctx context.Context, rec *telemetry.SessionRecord) error
}

// PusherFunc adapts a function to the Pusher interface.
type PusherFunc func(ctx context.Context, rec *telemetry.SessionRecord) error

// Push implements Pusher.
func (f PusherFunc) Push(ctx context.Context, rec *telemetry.SessionRecord) error {
	return f(ctx, rec)
}

// HTTPPusherConfig configures the remote sync endpoint.
type HTTPPusherConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Validate checks the configuration for errors
func (c *HTTPPusherConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPPusherConfig", "Validate", "url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.WrapInvalid(err, "HTTPPusherConfig", "Validate", "invalid URL format")
	}
	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPPusherConfig", "Validate",
			"timeout must be between 0 and 5 minutes")
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *HTTPPusherConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// HTTPPusher POSTs session records as JSON to the remote store. The
// endpoint URL receives the record kind as its final path segment so the
// remote side routes EMG and EMS records to their collections.
type HTTPPusher struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPPusher creates a pusher from configuration.
func NewHTTPPusher(cfg HTTPPusherConfig) (*HTTPPusher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &HTTPPusher{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Push implements Pusher.
func (p *HTTPPusher) Push(ctx context.Context, rec *telemetry.SessionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "HTTPPusher", "Push", "record marshal")
	}

	target := fmt.Sprintf("%s/%s", p.url, rec.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "HTTPPusher", "Push", "request build")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "HTTPPusher", "Push", "request send")
	}
	defer resp.Body.Close()

	// Read and discard body to reuse connection
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, resp.Status, errors.ErrPushFailed)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return errors.WrapInvalid(err, "HTTPPusher", "Push", "remote rejected record")
		}
		return errors.WrapTransient(err, "HTTPPusher", "Push", "remote error")
	}
	return nil
}

// Package messaging provides a client for the outbound messaging gateway
// that delivers reminder texts to users.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/yoman-app/yoman/internal/resilience"
)

// Client sends text messages through the gateway.
type Client interface {
	// Send delivers text to recipient. A *resilience.TransientError is
	// returned for throttling and server-side failures.
	Send(ctx context.Context, recipient, text string) error
}

// SendRequest is the gateway request body.
type SendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendResponse is the gateway response body.
type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Option configures the messaging client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRate limits outbound sends to perSec with the given burst. A
// non-positive rate disables limiting.
func WithRate(perSec float64, burst int) Option {
	return func(c *httpClient) {
		if perSec <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a gateway client posting to baseURL.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Send(ctx context.Context, recipient, text string) error {
	if recipient == "" {
		return eris.New("messaging: recipient is required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "messaging: rate limit wait")
		}
	}

	payload, err := json.Marshal(SendRequest{To: recipient, Text: text})
	if err != nil {
		return eris.Wrap(err, "messaging: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "messaging: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(err, "messaging: request")
		}
		return resilience.NewTransientError(eris.Wrap(err, "messaging: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return eris.Wrap(err, "messaging: read response body")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(eris.Errorf("messaging: status %d: %s", resp.StatusCode, string(body)), resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return eris.Errorf("messaging: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var out SendResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return eris.Wrap(err, "messaging: decode response")
		}
	}
	if out.Status == "rejected" {
		return eris.Errorf("messaging: message to %s rejected", recipient)
	}
	return nil
}

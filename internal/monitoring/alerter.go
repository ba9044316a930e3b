// Package monitoring delivers admin alerts about quota usage and failed
// deliveries.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertQuotaWarning AlertType = "quota_warning"
	AlertQuotaLimit   AlertType = "quota_limit"
	AlertDeadLetter   AlertType = "delivery_dead_letter"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// QuotaAlert builds the alert for a counter reaching a threshold. level is
// "warning" or "limit".
func QuotaAlert(level, window string, count, limit int64, at time.Time) Alert {
	a := Alert{
		Type:     AlertQuotaWarning,
		Severity: "medium",
		Message:  fmt.Sprintf("Classifier usage for %s at %d of %d", window, count, limit),
		Details: map[string]any{
			"window": window,
			"count":  count,
			"limit":  limit,
		},
		Timestamp: at.UTC(),
	}
	if level == "limit" {
		a.Type = AlertQuotaLimit
		a.Severity = "high"
		a.Message = fmt.Sprintf("Classifier limit reached for %s (%d of %d)", window, count, limit)
	}
	return a
}

// DeadLetterAlert builds the alert for a delivery job that exhausted its
// attempts.
func DeadLetterAlert(d resilience.DeadLetter) Alert {
	return Alert{
		Type:     AlertDeadLetter,
		Severity: "high",
		Message:  fmt.Sprintf("Reminder %s failed after %d attempts: %s", d.JobID, d.Attempts, d.Error),
		Details: map[string]any{
			"job_id":     d.JobID,
			"attempts":   d.Attempts,
			"error_type": d.ErrorType,
		},
		Timestamp: d.FailedAt.UTC(),
	}
}

// Alerter posts alerts to a webhook. Without a webhook URL alerts are only
// logged.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithRetry sets the retry policy for webhook posts.
func WithRetry(rc resilience.RetryConfig) AlerterOption {
	return func(a *Alerter) { a.retry = rc }
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig, opts ...AlerterOption) *Alerter {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		retry:  resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.retry.OnRetry == nil {
		a.retry.OnRetry = resilience.RetryLogger("alert-webhook", "post")
	}
	return a
}

// Notify delivers one alert.
func (a *Alerter) Notify(ctx context.Context, alert Alert) error {
	zap.L().Warn("monitoring: alert",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
		zap.String("message", alert.Message),
	)
	if a.cfg.WebhookURL == "" {
		return nil
	}
	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.sendWebhook(ctx, alert)
	})
}

// SendAlerts delivers alerts and returns how many were sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		if err := a.Notify(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

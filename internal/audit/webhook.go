package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/systmms/teamvault/internal/retry"
)

// WebhookConfig describes one HTTP alert destination.
type WebhookConfig struct {
	Name    string
	URL     string
	Method  string
	Headers map[string]string
	// MinSeverity filters events; the default forwards warnings and alerts.
	MinSeverity Severity
	Timeout     time.Duration
	Retry       retry.Policy
}

// WebhookSink forwards events to an HTTP endpoint.
type WebhookSink struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookSink validates config and applies defaults.
func NewWebhookSink(config WebhookConfig) (*WebhookSink, error) {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.MinSeverity == "" {
		config.MinSeverity = SeverityWarning
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry.Timeout == 0 {
		config.Retry.Timeout = config.Timeout
	}

	parsed, err := url.Parse(config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL: %q", config.URL)
	}
	switch strings.ToUpper(config.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", config.Method)
	}

	return &WebhookSink{
		config: config,
		client: &http.Client{},
	}, nil
}

// Name identifies the sink in logs.
func (s *WebhookSink) Name() string {
	if s.config.Name != "" {
		return "webhook:" + s.config.Name
	}
	return "webhook"
}

func (s *WebhookSink) Emit(ctx context.Context, e Event) error {
	if !e.Severity.AtLeast(s.config.MinSeverity) {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}
	return retry.Do(ctx, s.config.Retry, "audit.webhook", s.Name(), func(ctx context.Context) error {
		return s.send(ctx, payload)
	})
}

func (s *WebhookSink) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(s.config.Method), s.config.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

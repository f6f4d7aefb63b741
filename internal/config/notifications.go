package config

// AuditConfig configures where audit events and alerts go.
type AuditConfig struct {
	// File is the append-only JSONL log. Default: <data_dir>/audit.jsonl.
	File string `yaml:"file,omitempty"`

	// Log echoes every event to the process logger.
	Log bool `yaml:"log"`

	// Webhooks forward events to HTTP endpoints such as a chat incoming
	// webhook or an incident tool.
	Webhooks []WebhookNotificationConfig `yaml:"webhooks,omitempty"`
}

// WebhookNotificationConfig holds one HTTP alert destination.
type WebhookNotificationConfig struct {
	// Name identifies this webhook in logs.
	Name string `yaml:"name"`

	// URL is the webhook endpoint URL.
	URL string `yaml:"url"`

	// Method is the HTTP method (default: POST).
	Method string `yaml:"method,omitempty"`

	// Headers are custom HTTP headers to include, e.g. an Authorization
	// header for the receiving service.
	Headers map[string]string `yaml:"headers,omitempty"`

	// MinSeverity filters events: info, warning or critical.
	// Default: warning.
	MinSeverity string `yaml:"min_severity,omitempty"`

	// Timeout bounds a single delivery attempt.
	Timeout Duration `yaml:"timeout,omitempty"`

	// Retry bounds redelivery of a failed event.
	Retry RetryConfig `yaml:"retry,omitempty"`
}

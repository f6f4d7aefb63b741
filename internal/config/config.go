// Package config loads teamvault.yaml.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/systmms/teamvault/internal/cipher"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/retry"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "teamvault.yaml"

//go:embed schema.json
var schemaJSON []byte

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition is the teamvault.yaml structure.
type Definition struct {
	Version      int                `yaml:"version"`
	DataDir      string             `yaml:"data_dir"`
	MasterSecret MasterSecretConfig `yaml:"master_secret"`
	KDF          *cipher.KDFParams  `yaml:"kdf,omitempty"`
	Audit        AuditConfig        `yaml:"audit"`
	Rotation     RotationConfig     `yaml:"rotation"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	BreakGlass   BreakGlassConfig   `yaml:"breakglass"`
	Access       AccessConfig       `yaml:"access"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
}

// MasterSecretConfig selects where the master secret comes from.
type MasterSecretConfig struct {
	// Source is env, file or keyring.
	Source  string `yaml:"source"`
	Env     string `yaml:"env,omitempty"`
	File    string `yaml:"file,omitempty"`
	Service string `yaml:"service,omitempty"`
	Account string `yaml:"account,omitempty"`
}

// RotationConfig tunes the rotation manager and its schedule.
type RotationConfig struct {
	Schedule             string              `yaml:"schedule"`
	GracePeriod          Duration            `yaml:"grace_period"`
	EmergencyGracePeriod Duration            `yaml:"emergency_grace_period"`
	CallTimeout          Duration            `yaml:"call_timeout"`
	RolloutTimeout       Duration            `yaml:"rollout_timeout"`
	StaleAfter           Duration            `yaml:"stale_after"`
	MaxConcurrent        int                 `yaml:"max_concurrent"`
	Periods              map[string]Duration `yaml:"periods,omitempty"`
	Rollout              map[string]string   `yaml:"rollout,omitempty"`
	Canary               CanaryConfig        `yaml:"canary"`
}

// CanaryConfig is the staged rollout policy for cluster credentials.
type CanaryConfig struct {
	HealthMonitoring Duration     `yaml:"health_monitoring"`
	Waves            []WaveConfig `yaml:"waves,omitempty"`
}

// WaveConfig is one cumulative rollout wave.
type WaveConfig struct {
	Percentage int      `yaml:"percentage"`
	Monitor    Duration `yaml:"monitor,omitempty"`
	Wait       Duration `yaml:"wait,omitempty"`
}

// ClusterConfig enables Kubernetes distribution.
type ClusterConfig struct {
	Enabled    bool        `yaml:"enabled"`
	Kubeconfig string      `yaml:"kubeconfig,omitempty"`
	Namespace  string      `yaml:"namespace,omitempty"`
	Retry      RetryConfig `yaml:"retry"`
}

// RetryConfig bounds calls to external systems.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts,omitempty"`
	InitialInterval Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `yaml:"max_interval,omitempty"`
	Timeout         Duration `yaml:"timeout,omitempty"`
}

// Policy converts r; zero fields take the retry package defaults.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval.D(),
		MaxInterval:     r.MaxInterval.D(),
		Timeout:         r.Timeout.D(),
	}
}

// BreakGlassConfig bounds emergency token lifetimes.
type BreakGlassConfig struct {
	DefaultDuration Duration `yaml:"default_duration"`
	MaxDuration     Duration `yaml:"max_duration"`
}

// AccessConfig seeds rules into an empty vault.
type AccessConfig struct {
	Bootstrap map[string][]string `yaml:"bootstrap,omitempty"`
}

// MetricsConfig exposes Prometheus metrics from serve.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// HealthChecksConfig gates canary waves.
type HealthChecksConfig struct {
	Interval         Duration          `yaml:"interval"`
	FailureThreshold int               `yaml:"failure_threshold"`
	Kubernetes       bool              `yaml:"kubernetes"`
	SQL              []SQLCheckConfig  `yaml:"sql,omitempty"`
	HTTP             []HTTPCheckConfig `yaml:"http,omitempty"`
}

// SQLCheckConfig pings a database the rotated credentials serve.
type SQLCheckConfig struct {
	Name             string   `yaml:"name"`
	Driver           string   `yaml:"driver"`
	DSN              string   `yaml:"dsn"`
	LatencyThreshold Duration `yaml:"latency_threshold,omitempty"`
}

// HTTPCheckConfig checks an HTTP endpoint.
type HTTPCheckConfig struct {
	Name           string            `yaml:"name"`
	Endpoint       string            `yaml:"endpoint"`
	ExpectedStatus []int             `yaml:"expected_status,omitempty"`
	Timeout        Duration          `yaml:"timeout,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	// CredentialHeader sends the credential being rolled out, after
	// CredentialPrefix, so the check exercises the new value.
	CredentialHeader string `yaml:"credential_header,omitempty"`
	CredentialPrefix string `yaml:"credential_prefix,omitempty"`
}

// Load reads, validates and applies defaults to the configuration file.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return vaulterrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create teamvault.yaml or pass --config",
			}
		}
		return vaulterrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}
	def.resolvePaths(filepath.Dir(c.Path))
	c.Definition = def
	return nil
}

// Parse validates raw YAML against the schema and decodes it with
// defaults applied. Relative paths are left as written.
func Parse(data []byte) (*Definition, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, vaulterrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	def := &Definition{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(def); err != nil && !errors.Is(err, io.EOF) {
		return nil, vaulterrors.ConfigError{
			Message:    err.Error(),
			Suggestion: "Check value types against the documented configuration",
		}
	}
	def.applyDefaults()

	if def.Version != 0 {
		return nil, vaulterrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your teamvault.yaml file",
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func validateSchema(doc map[string]interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	sort.Strings(msgs)
	return vaulterrors.ConfigError{
		Message:    "schema validation failed:\n  - " + strings.Join(msgs, "\n  - "),
		Suggestion: "Fix the listed fields in teamvault.yaml",
	}
}

func (d *Definition) resolvePaths(base string) {
	d.DataDir = resolve(base, expandHome(d.DataDir))
	if d.MasterSecret.File != "" {
		d.MasterSecret.File = resolve(base, expandHome(d.MasterSecret.File))
	}
	if d.Audit.File != "" {
		d.Audit.File = resolve(base, expandHome(d.Audit.File))
	}
	if d.Cluster.Kubeconfig != "" {
		d.Cluster.Kubeconfig = resolve(base, expandHome(d.Cluster.Kubeconfig))
	}
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// DatabasePath is the SQLite file inside the data directory.
func (d *Definition) DatabasePath() string {
	return filepath.Join(d.DataDir, "vault.db")
}

// KeyPath is the key artifact inside the data directory.
func (d *Definition) KeyPath() string {
	return filepath.Join(d.DataDir, "vault.key")
}

// AuditPath is the audit log location.
func (d *Definition) AuditPath() string {
	if d.Audit.File != "" {
		return d.Audit.File
	}
	return filepath.Join(d.DataDir, "audit.jsonl")
}

// SecretSource builds the configured master secret source.
func (d *Definition) SecretSource() (cipher.SecretSource, error) {
	ms := d.MasterSecret
	switch ms.Source {
	case "env":
		return cipher.EnvSource{Var: ms.Env}, nil
	case "file":
		if ms.File == "" {
			return nil, vaulterrors.ConfigError{
				Field:      "master_secret.file",
				Message:    "file source requires a path",
				Suggestion: "Set master_secret.file to a file readable only by you",
			}
		}
		return cipher.FileSource{Path: ms.File}, nil
	case "keyring":
		return cipher.KeyringSource{Service: ms.Service, Account: ms.Account}, nil
	}
	return nil, vaulterrors.ConfigError{
		Field:      "master_secret.source",
		Value:      ms.Source,
		Message:    "unknown master secret source",
		Suggestion: "Use env, file or keyring",
	}
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "720h") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5m\"", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

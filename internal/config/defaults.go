package config

import (
	"fmt"
	"time"

	"github.com/systmms/teamvault/internal/cipher"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/pkg/credential"
)

// Defaults for values the file leaves out.
const (
	DefaultDataDir          = "~/.teamvault"
	DefaultSecretEnv        = "TEAMVAULT_MASTER_SECRET"
	DefaultKeyringService   = "teamvault"
	DefaultKeyringAccount   = "master"
	DefaultSchedule         = "0 3 * * *"
	DefaultNamespace        = "default"
	DefaultMetricsListen    = "127.0.0.1:9090"
	DefaultMetricsPath      = "/metrics"
	DefaultHealthInterval   = 30 * time.Second
	DefaultFailureThreshold = 3
)

// Default returns a definition with every default filled in.
func Default() *Definition {
	d := &Definition{}
	d.applyDefaults()
	return d
}

func (d *Definition) applyDefaults() {
	if d.DataDir == "" {
		d.DataDir = expandHome(DefaultDataDir)
	}

	ms := &d.MasterSecret
	if ms.Source == "" {
		ms.Source = "env"
	}
	if ms.Env == "" {
		ms.Env = DefaultSecretEnv
	}
	if ms.Service == "" {
		ms.Service = DefaultKeyringService
	}
	if ms.Account == "" {
		ms.Account = DefaultKeyringAccount
	}

	r := &d.Rotation
	if r.Schedule == "" {
		r.Schedule = DefaultSchedule
	}
	setDuration(&r.GracePeriod, 5*time.Minute)
	setDuration(&r.EmergencyGracePeriod, time.Minute)
	setDuration(&r.CallTimeout, 30*time.Second)
	setDuration(&r.RolloutTimeout, 30*time.Minute)
	setDuration(&r.StaleAfter, time.Hour)
	setDuration(&r.Canary.HealthMonitoring, 5*time.Minute)
	if len(r.Canary.Waves) == 0 {
		r.Canary.Waves = []WaveConfig{{Percentage: 10}, {Percentage: 50}, {Percentage: 100}}
	}
	for i := range r.Canary.Waves {
		setDuration(&r.Canary.Waves[i].Monitor, r.Canary.HealthMonitoring.D())
	}

	if d.Cluster.Namespace == "" {
		d.Cluster.Namespace = DefaultNamespace
	}

	setDuration(&d.BreakGlass.DefaultDuration, time.Hour)
	setDuration(&d.BreakGlass.MaxDuration, 24*time.Hour)

	if d.Metrics.Listen == "" {
		d.Metrics.Listen = DefaultMetricsListen
	}
	if d.Metrics.Path == "" {
		d.Metrics.Path = DefaultMetricsPath
	}

	setDuration(&d.HealthChecks.Interval, DefaultHealthInterval)
	if d.HealthChecks.FailureThreshold == 0 {
		d.HealthChecks.FailureThreshold = DefaultFailureThreshold
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// Validate checks the rules the schema cannot express.
func (d *Definition) Validate() error {
	if d.KDF != nil {
		if err := d.KDF.Validate(); err != nil {
			return vaulterrors.ConfigError{Field: "kdf", Message: err.Error(),
				Suggestion: fmt.Sprintf("Omit kdf to use the defaults %+v", cipher.DefaultKDFParams())}
		}
	}
	for name := range d.Rotation.Periods {
		if _, err := credential.ParseType(name); err != nil {
			return vaulterrors.ConfigError{Field: "rotation.periods", Value: name, Message: err.Error(),
				Suggestion: "Use one of the credential types listed by 'teamvault create --help'"}
		}
	}
	for name := range d.Rotation.Rollout {
		if _, err := credential.ParseType(name); err != nil {
			return vaulterrors.ConfigError{Field: "rotation.rollout", Value: name, Message: err.Error(),
				Suggestion: "Use one of the credential types listed by 'teamvault create --help'"}
		}
	}
	if d.BreakGlass.DefaultDuration > d.BreakGlass.MaxDuration {
		return vaulterrors.ConfigError{
			Field:      "breakglass.default_duration",
			Value:      d.BreakGlass.DefaultDuration.D(),
			Message:    "default duration exceeds max_duration",
			Suggestion: fmt.Sprintf("Use at most %s", d.BreakGlass.MaxDuration.D()),
		}
	}
	last := 0
	for i, w := range d.Rotation.Canary.Waves {
		if w.Percentage <= last {
			return vaulterrors.ConfigError{
				Field:      fmt.Sprintf("rotation.canary.waves[%d].percentage", i),
				Value:      w.Percentage,
				Message:    "wave percentages must increase",
				Suggestion: "List cumulative percentages such as 10, 50, 100",
			}
		}
		last = w.Percentage
	}
	if last != 100 {
		return vaulterrors.ConfigError{
			Field:      "rotation.canary.waves",
			Value:      last,
			Message:    "the last wave must reach 100%",
			Suggestion: "End the wave list with percentage: 100",
		}
	}
	return nil
}

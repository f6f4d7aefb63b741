package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/systmms/teamvault/pkg/credential"
)

// RolloutKind selects how a new value reaches consumers.
type RolloutKind string

const (
	// RolloutDirect swaps the stored value; consumers read it on demand.
	RolloutDirect RolloutKind = "direct"

	// RolloutCluster publishes the team's bundle to the cluster in canary
	// waves. Global credentials fall back to direct.
	RolloutCluster RolloutKind = "cluster"
)

// ParseRolloutKind accepts "direct" or "cluster".
func ParseRolloutKind(s string) (RolloutKind, error) {
	switch k := RolloutKind(s); k {
	case RolloutDirect, RolloutCluster:
		return k, nil
	}
	return "", fmt.Errorf("unknown rollout kind %q (use direct or cluster)", s)
}

// Generator produces a new credential value.
type Generator func(ctx context.Context) (string, error)

// TypeStrategy is everything rotation needs to know about one type.
type TypeStrategy struct {
	Period   time.Duration
	Generate Generator
	Rollout  RolloutKind
}

// Strategies is the closed type table.
type Strategies map[credential.Type]TypeStrategy

// DefaultStrategies returns the built-in table.
func DefaultStrategies() Strategies {
	day := 24 * time.Hour
	return Strategies{
		credential.TypeAPIKey:         {Period: 30 * day, Generate: GenerateAPIKey, Rollout: RolloutCluster},
		credential.TypeDatabase:       {Period: 7 * day, Generate: GenerateDatabasePassword, Rollout: RolloutCluster},
		credential.TypeServiceAccount: {Period: 90 * day, Generate: GenerateToken, Rollout: RolloutCluster},
		credential.TypeWebhook:        {Period: 60 * day, Generate: GenerateToken, Rollout: RolloutDirect},
		credential.TypeJWTSecret:      {Period: 14 * day, Generate: GenerateJWTSecret, Rollout: RolloutCluster},
		credential.TypeCertificate:    {Period: 365 * day, Generate: GenerateToken, Rollout: RolloutDirect},
	}
}

// Validate fails when any credential type lacks a complete strategy.
func (s Strategies) Validate() error {
	for _, t := range credential.AllTypes() {
		st, ok := s[t]
		if !ok {
			return fmt.Errorf("no rotation strategy for credential type %s", t)
		}
		if st.Period <= 0 {
			return fmt.Errorf("rotation period for %s must be positive", t)
		}
		if st.Generate == nil {
			return fmt.Errorf("no generator for credential type %s", t)
		}
		if _, err := ParseRolloutKind(string(st.Rollout)); err != nil {
			return fmt.Errorf("credential type %s: %w", t, err)
		}
	}
	for t := range s {
		if !t.Valid() {
			return fmt.Errorf("rotation strategy for unknown credential type %q", t)
		}
	}
	return nil
}

// Clone returns a copy that can be modified independently.
func (s Strategies) Clone() Strategies {
	out := make(Strategies, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

const (
	alphanumeric     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passwordCharset  = alphanumeric + "!@#$%^&*"
	apiKeyPrefix     = "sk-tv-"
	apiKeyLength     = 32
	passwordLength   = 24
	jwtSecretBytes   = 64
	genericTokenSize = 32
)

// GenerateAPIKey returns "sk-tv-" followed by 32 alphanumerics.
func GenerateAPIKey(context.Context) (string, error) {
	s, err := randomString(apiKeyLength, alphanumeric)
	if err != nil {
		return "", err
	}
	return apiKeyPrefix + s, nil
}

// GenerateDatabasePassword returns 24 characters from letters, digits and
// a small symbol set accepted by common database engines.
func GenerateDatabasePassword(context.Context) (string, error) {
	return randomString(passwordLength, passwordCharset)
}

// GenerateJWTSecret returns 64 random bytes, base64url encoded.
func GenerateJWTSecret(context.Context) (string, error) {
	return randomURLSafe(jwtSecretBytes)
}

// GenerateToken returns 32 random bytes, base64url encoded.
func GenerateToken(context.Context) (string, error) {
	return randomURLSafe(genericTokenSize)
}

func randomString(n int, charset string) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate random value: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

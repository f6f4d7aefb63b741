// Package breakglass issues single-use emergency access tokens.
//
// The bearer secret is returned once at creation and never stored; the
// database keeps only its BLAKE3 digest. A token is valid until it is used
// or expires, whichever comes first.
package breakglass

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/juju/clock"
	"github.com/zeebo/blake3"

	"github.com/systmms/teamvault/internal/audit"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/metrics"
	"github.com/systmms/teamvault/internal/storage/sqlite"
)

const (
	// SecretBytes is the entropy of a bearer secret.
	SecretBytes = 32

	// DefaultDuration is used when a request does not set one.
	DefaultDuration = time.Hour

	// MaxDuration caps how long a token may live.
	MaxDuration = 24 * time.Hour
)

// Validation outcomes, used as audit details and metric labels.
const (
	OutcomeGranted = "granted"
	OutcomeUnknown = "unknown"
	OutcomeUsed    = "already_used"
	OutcomeExpired = "expired"
)

// MFAVerifier checks a second factor for the requesting user.
type MFAVerifier interface {
	Verify(ctx context.Context, user, code string) (bool, error)
}

// CreateRequest describes a token to issue.
type CreateRequest struct {
	CreatedBy  string
	Reason     string
	Duration   time.Duration
	RequireMFA bool
	MFACode    string
}

// Token is the stored record of a token. It never contains the secret.
type Token struct {
	// ID is a short prefix of the digest, safe to show in logs.
	ID          string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CreatedBy   string
	Reason      string
	MFAVerified bool
	Used        bool
	UsedAt      *time.Time
	UsedBy      string
}

// Options configures a Manager.
type Options struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	MFA             MFAVerifier
	Clock           clock.Clock
	Auditor         *audit.Auditor
	Logger          *logging.Logger
}

// Manager creates and validates tokens.
type Manager struct {
	db              *sqlite.DB
	clock           clock.Clock
	auditor         *audit.Auditor
	logger          *logging.Logger
	mfa             MFAVerifier
	defaultDuration time.Duration
	maxDuration     time.Duration
}

// NewManager creates a manager over db.
func NewManager(db *sqlite.DB, opts Options) *Manager {
	m := &Manager{
		db:              db,
		clock:           opts.Clock,
		auditor:         opts.Auditor,
		logger:          opts.Logger,
		mfa:             opts.MFA,
		defaultDuration: opts.DefaultDuration,
		maxDuration:     opts.MaxDuration,
	}
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	if m.defaultDuration <= 0 {
		m.defaultDuration = DefaultDuration
	}
	if m.maxDuration <= 0 {
		m.maxDuration = MaxDuration
	}
	return m
}

// CreateToken issues a token and returns its bearer secret.
func (m *Manager) CreateToken(ctx context.Context, req CreateRequest) (string, error) {
	if req.CreatedBy == "" {
		return "", fmt.Errorf("break-glass request requires a requester")
	}
	if req.Reason == "" {
		return "", fmt.Errorf("break-glass request requires a reason")
	}
	duration := req.Duration
	if duration <= 0 {
		duration = m.defaultDuration
	}
	if duration > m.maxDuration {
		return "", fmt.Errorf("break-glass duration %s exceeds maximum %s", duration, m.maxDuration)
	}

	mfaVerified := false
	if req.RequireMFA {
		if m.mfa == nil {
			m.logger.Warn("MFA requested for break-glass but no verifier is configured")
		} else {
			ok, err := m.mfa.Verify(ctx, req.CreatedBy, req.MFACode)
			if err != nil {
				return "", vaulterrors.External("breakglass.mfa", req.CreatedBy, err)
			}
			if !ok {
				_ = m.auditor.Critical(ctx, audit.EventBreakGlassRejected, req.CreatedBy,
					"break-glass request failed MFA verification",
					map[string]string{"reason": req.Reason})
				return "", vaulterrors.E(vaulterrors.ErrUnauthorized, "breakglass.create", req.CreatedBy,
					errors.New("MFA verification failed"))
			}
			mfaVerified = true
		}
	}

	raw := make([]byte, SecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", vaulterrors.Crypto("breakglass.create", "", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	digest := Digest(secret)

	now := m.clock.Now().UTC()
	expires := now.Add(duration)
	_, err := m.db.Writer.ExecContext(ctx, `
		INSERT INTO breakglass_tokens (token_hash, created_at, expires_at, created_by, reason, mfa_verified)
		VALUES (?, ?, ?, ?, ?, ?)`,
		digest, sqlite.Time(now), sqlite.Time(expires), req.CreatedBy, req.Reason, mfaVerified)
	if err != nil {
		return "", fmt.Errorf("store break-glass token: %w", err)
	}

	id := tokenID(digest)
	m.logger.Warn("Break-glass token %s issued to %s, expires %s", id, req.CreatedBy, expires.Format(time.RFC3339))
	_ = m.auditor.Warning(ctx, audit.EventBreakGlassRequested, req.CreatedBy,
		"break-glass token issued: "+req.Reason,
		map[string]string{
			"token_id":     id,
			"expires_at":   expires.Format(time.RFC3339),
			"mfa_verified": fmt.Sprint(mfaVerified),
		})
	return secret, nil
}

// ValidateToken consumes the token for usedBy. It returns nil exactly once
// per token; every other call returns an InvalidToken error.
func (m *Manager) ValidateToken(ctx context.Context, secret, usedBy string) error {
	digest := Digest(secret)
	id := tokenID(digest)
	now := m.clock.Now().UTC()

	res, err := m.db.Writer.ExecContext(ctx, `
		UPDATE breakglass_tokens SET used = 1, used_at = ?, used_by = ?
		WHERE token_hash = ? AND used = 0 AND expires_at >= ?`,
		sqlite.Time(now), usedBy, digest, sqlite.Time(now))
	if err != nil {
		return fmt.Errorf("validate break-glass token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		metrics.RecordBreakGlass(OutcomeGranted)
		m.logger.Critical("EMERGENCY ACCESS granted to %s via token %s", usedBy, id)
		_ = m.auditor.Critical(ctx, audit.EventBreakGlassUsed, usedBy,
			"EMERGENCY ACCESS granted",
			map[string]string{"token_id": id})
		return nil
	}

	outcome, err := m.classify(ctx, digest, now)
	if err != nil {
		return err
	}
	metrics.RecordBreakGlass(outcome)
	m.logger.Critical("Rejected break-glass token %s from %s: %s", id, usedBy, outcome)
	_ = m.auditor.Critical(ctx, audit.EventBreakGlassRejected, usedBy,
		"break-glass token rejected: "+outcome,
		map[string]string{"token_id": id, "outcome": outcome})
	return vaulterrors.E(vaulterrors.ErrInvalidToken, "breakglass.validate", id, errors.New(outcome))
}

// classify explains why a conditional consume did not match.
func (m *Manager) classify(ctx context.Context, digest []byte, now time.Time) (string, error) {
	var (
		used    bool
		expires int64
	)
	err := m.db.Reader.QueryRowContext(ctx,
		`SELECT used, expires_at FROM breakglass_tokens WHERE token_hash = ?`, digest).Scan(&used, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("look up break-glass token: %w", err)
	}
	if used {
		return OutcomeUsed, nil
	}
	if now.After(sqlite.ParseTime(expires)) {
		return OutcomeExpired, nil
	}
	// Consumed between the update and this read.
	return OutcomeUsed, nil
}

// CleanupExpired deletes expired tokens that were never used. Used tokens
// stay for the audit trail.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	res, err := m.db.Writer.ExecContext(ctx,
		`DELETE FROM breakglass_tokens WHERE used = 0 AND expires_at < ?`, sqlite.Time(m.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup break-glass tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("Removed %d expired break-glass tokens", n)
		_ = m.auditor.Info(ctx, audit.EventBreakGlassCleanup, "system",
			fmt.Sprintf("removed %d expired break-glass tokens", n),
			map[string]string{"count": fmt.Sprint(n)})
	}
	return int(n), nil
}

// AuditTrail lists tokens created at or after since, newest first.
func (m *Manager) AuditTrail(ctx context.Context, since time.Time) ([]Token, error) {
	var from int64 = math.MinInt64
	if !since.IsZero() {
		from = sqlite.Time(since)
	}
	rows, err := m.db.Reader.QueryContext(ctx, `
		SELECT token_hash, created_at, expires_at, created_by, reason, mfa_verified, used, used_at, COALESCE(used_by, '')
		FROM breakglass_tokens WHERE created_at >= ? ORDER BY created_at DESC`, from)
	if err != nil {
		return nil, fmt.Errorf("read break-glass trail: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var (
			t                Token
			digest           []byte
			created, expires int64
			usedAt           sql.NullInt64
		)
		if err := rows.Scan(&digest, &created, &expires, &t.CreatedBy, &t.Reason,
			&t.MFAVerified, &t.Used, &usedAt, &t.UsedBy); err != nil {
			return nil, err
		}
		t.ID = tokenID(digest)
		t.CreatedAt = sqlite.ParseTime(created)
		t.ExpiresAt = sqlite.ParseTime(expires)
		t.UsedAt = sqlite.ParseNullTime(usedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Digest is the stored form of a bearer secret.
func Digest(secret string) []byte {
	sum := blake3.Sum256([]byte(secret))
	return sum[:]
}

// TokenID is the loggable identifier of secret.
func TokenID(secret string) string {
	return tokenID(Digest(secret))
}

func tokenID(digest []byte) string {
	if len(digest) < 6 {
		return hex.EncodeToString(digest)
	}
	return hex.EncodeToString(digest[:6])
}

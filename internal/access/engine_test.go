package access_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/teamvault/internal/access"
	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/audit/audittest"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/storage/sqlite/sqlitetest"
)

func newEngine(t *testing.T) (*access.Engine, *audittest.Recorder) {
	t.Helper()
	rec := &audittest.Recorder{}
	clk := testclock.NewClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	logger := logging.Discard()
	return access.NewEngine(sqlitetest.New(t), clk, audit.NewAuditor(rec, clk, logger), logger), rec
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	rules := access.RuleSet{
		"global":         {"SHARED_*"},
		"marketing":      {"SOCIAL_*"},
		"marketing.paid": {"ADS_TOKEN"},
		"platform":       {"*"},
	}

	tests := []struct {
		name    string
		team    string
		cred    string
		allowed bool
	}{
		{"own exact rule", "marketing.paid", "ADS_TOKEN", true},
		{"inherited from parent", "marketing.paid", "SOCIAL_TWITTER", true},
		{"inherited from grandparent", "marketing.paid.emea", "SOCIAL_TWITTER", true},
		{"global applies to everyone", "finance", "SHARED_SMTP", true},
		{"child rule not visible to parent", "marketing", "ADS_TOKEN", false},
		{"sibling rules not shared", "sales", "SOCIAL_TWITTER", false},
		{"wildcard matches everything", "platform", "ANYTHING", true},
		{"no rules", "unknown", "SOCIAL_TWITTER", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, access.Evaluate(rules, tt.team, tt.cred))
		})
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	assert.True(t, access.Match("*", "X"))
	assert.True(t, access.Match("DB_*", "DB_URL"))
	assert.True(t, access.Match("DB_?RL", "DB_URL"))
	assert.False(t, access.Match("DB_*", "API_KEY"))
	assert.False(t, access.Match("[", "x"))
	assert.True(t, access.Match("EXACT", "EXACT"))
}

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	assert.NoError(t, access.ValidatePattern("DB_*"))
	assert.Error(t, access.ValidatePattern(""))
	assert.Error(t, access.ValidatePattern("[unterminated"))
}

func TestGrantAndCanAccess(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(t)
	ctx := context.Background()

	ok, err := e.CanAccess(ctx, "eng", "DB_URL")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.GrantAccess(ctx, "eng", "DB_*", "admin"))
	ok, err = e.CanAccess(ctx, "eng", "DB_URL")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.CanAccess(ctx, "eng.backend", "DB_URL")
	require.NoError(t, err)
	assert.True(t, ok, "child team inherits parent rules")

	ok, err = e.CanAccess(ctx, "ops", "DB_URL")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, rec.Count(audit.EventAccessGranted))
}

func TestGrantIsIdempotent(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.GrantAccess(ctx, "eng", "DB_*", "admin"))
	require.NoError(t, e.GrantAccess(ctx, "eng", "DB_*", "admin"))

	rules, err := e.ListRules(ctx, "eng")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "admin", rules[0].GrantedBy)
	assert.Equal(t, 1, rec.Count(audit.EventAccessGranted))
}

func TestGrantValidates(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	ctx := context.Background()

	assert.Error(t, e.GrantAccess(ctx, "Bad Team", "X", "admin"))
	assert.Error(t, e.GrantAccess(ctx, "eng", "[", "admin"))
	assert.NoError(t, e.GrantAccess(ctx, "global", "SHARED_*", "admin"))
}

func TestRevokeAccess(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.GrantAccess(ctx, "eng", "DB_*", "admin"))

	removed, err := e.RevokeAccess(ctx, "eng", "DB_*", "admin")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = e.RevokeAccess(ctx, "eng", "DB_*", "admin")
	require.NoError(t, err)
	assert.False(t, removed)

	ok, err := e.CanAccess(ctx, "eng", "DB_URL")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, rec.Count(audit.EventAccessRevoked))
}

func TestGetTeamCredentials(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.GrantAccess(ctx, "global", "SHARED_*", "admin"))
	require.NoError(t, e.GrantAccess(ctx, "marketing", "SOCIAL_*", "admin"))
	require.NoError(t, e.GrantAccess(ctx, "marketing.paid", "ADS_TOKEN", "admin"))
	require.NoError(t, e.GrantAccess(ctx, "marketing.paid", "SHARED_*", "admin"))
	require.NoError(t, e.GrantAccess(ctx, "sales", "CRM_KEY", "admin"))

	patterns, err := e.GetTeamCredentials(ctx, "marketing.paid")
	require.NoError(t, err)
	assert.Equal(t, []string{"ADS_TOKEN", "SHARED_*", "SOCIAL_*"}, patterns)

	teams, err := e.ListTeams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"marketing", "marketing.paid", "sales"}, teams)
}

func TestBootstrapOnlySeedsEmptyTable(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	ctx := context.Background()

	seeded, err := e.Bootstrap(ctx, access.RuleSet{"platform": {"*"}, "global": {"SHARED_*"}})
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = e.Bootstrap(ctx, access.RuleSet{"eng": {"DB_*"}})
	require.NoError(t, err)
	assert.False(t, seeded)

	rules, err := e.ListRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	for _, r := range rules {
		assert.Equal(t, "bootstrap", r.GrantedBy)
	}

	_, err = e.Bootstrap(ctx, access.RuleSet{"eng": {"["}})
	assert.Error(t, err)
}

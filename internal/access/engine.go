// Package access decides which teams may use which credential names.
//
// A team's effective rules are its own, the global rules, and recursively
// those of its parent namespaces ("marketing.social" inherits from
// "marketing"). Patterns are shell globs; "*" matches every name.
package access

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/juju/clock"

	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/metrics"
	"github.com/systmms/teamvault/internal/storage/sqlite"
	"github.com/systmms/teamvault/pkg/credential"
)

// Rule grants a team every credential name matching Pattern.
type Rule struct {
	Team      string
	Pattern   string
	GrantedAt time.Time
	GrantedBy string
}

// RuleSet maps team (or "global") to its patterns.
type RuleSet map[string][]string

// Evaluate is the access decision over a rule snapshot.
func Evaluate(rules RuleSet, team, name string) bool {
	if matchAny(rules[team], name) {
		return true
	}
	if team != credential.GlobalScope && matchAny(rules[credential.GlobalScope], name) {
		return true
	}
	for parent := credential.Parent(team); parent != ""; parent = credential.Parent(parent) {
		if matchAny(rules[parent], name) {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// Match reports whether name matches the glob pattern. Malformed patterns
// never match.
func Match(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// ValidatePattern rejects patterns that cannot match anything.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return nil
}

// Engine stores rules in the vault database.
type Engine struct {
	db      *sqlite.DB
	clock   clock.Clock
	auditor *audit.Auditor
	logger  *logging.Logger
}

// NewEngine creates an engine over db.
func NewEngine(db *sqlite.DB, clk clock.Clock, auditor *audit.Auditor, logger *logging.Logger) *Engine {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Engine{db: db, clock: clk, auditor: auditor, logger: logger}
}

// CanAccess decides whether team may use credential name.
func (e *Engine) CanAccess(ctx context.Context, team, name string) (bool, error) {
	rules, err := e.loadRules(ctx, ruleScopes(team))
	if err != nil {
		return false, err
	}
	allowed := Evaluate(rules, team, name)
	metrics.RecordAccessDecision(allowed)
	return allowed, nil
}

// GrantAccess adds pattern to team's rules. Granting an existing rule is a
// no-op.
func (e *Engine) GrantAccess(ctx context.Context, team, pattern, actor string) error {
	if err := validateTeam(team); err != nil {
		return err
	}
	if err := ValidatePattern(pattern); err != nil {
		return err
	}

	var added bool
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO access_rules (team, pattern, granted_at, granted_by) VALUES (?, ?, ?, ?)`,
			team, pattern, sqlite.Time(e.clock.Now()), actor)
		if err != nil {
			return fmt.Errorf("grant %s to %s: %w", pattern, team, err)
		}
		n, err := res.RowsAffected()
		added = n == 1
		return err
	})
	if err != nil {
		return err
	}
	if added {
		e.logger.Info("Granted %s access to %s", team, pattern)
		_ = e.auditor.Info(ctx, audit.EventAccessGranted, actor,
			fmt.Sprintf("granted %s access to %s", team, pattern),
			map[string]string{"team": team, "pattern": pattern})
	}
	return nil
}

// RevokeAccess removes pattern from team's rules. It reports whether the
// rule existed.
func (e *Engine) RevokeAccess(ctx context.Context, team, pattern, actor string) (bool, error) {
	var removed bool
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM access_rules WHERE team = ? AND pattern = ?`, team, pattern)
		if err != nil {
			return fmt.Errorf("revoke %s from %s: %w", pattern, team, err)
		}
		n, err := res.RowsAffected()
		removed = n == 1
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		e.logger.Info("Revoked %s access to %s", team, pattern)
		_ = e.auditor.Info(ctx, audit.EventAccessRevoked, actor,
			fmt.Sprintf("revoked %s access to %s", team, pattern),
			map[string]string{"team": team, "pattern": pattern})
	}
	return removed, nil
}

// GetTeamCredentials returns the deduplicated, sorted union of patterns
// that apply to team: its own, global, and its ancestors'.
func (e *Engine) GetTeamCredentials(ctx context.Context, team string) ([]string, error) {
	rules, err := e.loadRules(ctx, ruleScopes(team))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, patterns := range rules {
		for _, p := range patterns {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListRules returns the rules of team, or every rule when team is empty.
func (e *Engine) ListRules(ctx context.Context, team string) ([]Rule, error) {
	query := `SELECT team, pattern, granted_at, granted_by FROM access_rules`
	var args []any
	if team != "" {
		query += ` WHERE team = ?`
		args = append(args, team)
	}
	query += ` ORDER BY team, pattern`

	rows, err := e.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var granted int64
		if err := rows.Scan(&r.Team, &r.Pattern, &granted, &r.GrantedBy); err != nil {
			return nil, err
		}
		r.GrantedAt = sqlite.ParseTime(granted)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTeams returns every team with at least one rule, excluding global.
func (e *Engine) ListTeams(ctx context.Context) ([]string, error) {
	rows, err := e.db.Reader.QueryContext(ctx,
		`SELECT DISTINCT team FROM access_rules WHERE team != ? ORDER BY team`, credential.GlobalScope)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// Bootstrap seeds rules when the rule table is empty. It reports whether
// anything was written.
func (e *Engine) Bootstrap(ctx context.Context, rules RuleSet) (bool, error) {
	for team, patterns := range rules {
		if err := validateTeam(team); err != nil {
			return false, err
		}
		for _, p := range patterns {
			if err := ValidatePattern(p); err != nil {
				return false, err
			}
		}
	}

	var seeded bool
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_rules`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		now := sqlite.Time(e.clock.Now())
		for team, patterns := range rules {
			for _, p := range patterns {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO access_rules (team, pattern, granted_at, granted_by) VALUES (?, ?, ?, 'bootstrap')`,
					team, p, now); err != nil {
					return err
				}
				seeded = true
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bootstrap access rules: %w", err)
	}
	if seeded {
		_ = e.auditor.Info(ctx, audit.EventAccessGranted, "bootstrap", "seeded default access rules", nil)
	}
	return seeded, nil
}

// loadRules reads the rules of the given teams in one query.
func (e *Engine) loadRules(ctx context.Context, teams []string) (RuleSet, error) {
	placeholders := ""
	args := make([]any, len(teams))
	for i, t := range teams {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = t
	}

	rows, err := e.db.Reader.QueryContext(ctx,
		`SELECT team, pattern FROM access_rules WHERE team IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load access rules: %w", err)
	}
	defer rows.Close()

	rules := make(RuleSet)
	for rows.Next() {
		var team, pattern string
		if err := rows.Scan(&team, &pattern); err != nil {
			return nil, err
		}
		rules[team] = append(rules[team], pattern)
	}
	return rules, rows.Err()
}

func ruleScopes(team string) []string {
	return credential.ScopeChain(team)
}

func validateTeam(team string) error {
	if team == credential.GlobalScope {
		return nil
	}
	return credential.ValidateTeam(team)
}

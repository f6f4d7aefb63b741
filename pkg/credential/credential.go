// Package credential defines the data model shared by every vault component:
// credential keys, types and metadata.
package credential

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// GlobalScope is the reserved scope for credentials and rules that apply to
// every team.
const GlobalScope = "global"

// Type is the closed set of credential kinds the vault knows how to rotate.
type Type string

const (
	TypeAPIKey         Type = "api_key"
	TypeDatabase       Type = "database"
	TypeServiceAccount Type = "service_account"
	TypeWebhook        Type = "webhook"
	TypeJWTSecret      Type = "jwt_secret"
	TypeCertificate    Type = "certificate"
)

// AllTypes lists every credential type in a stable order.
func AllTypes() []Type {
	return []Type{
		TypeAPIKey,
		TypeDatabase,
		TypeServiceAccount,
		TypeWebhook,
		TypeJWTSecret,
		TypeCertificate,
	}
}

// ParseType validates s as a credential type.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown credential type %q", s)
}

func (t Type) String() string {
	return string(t)
}

// Valid reports whether t is one of AllTypes.
func (t Type) Valid() bool {
	_, err := ParseType(string(t))
	return err == nil
}

var (
	teamPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(\.[a-z0-9][a-z0-9_-]*)*$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// ValidateTeam checks that team is a dotted lowercase namespace.
func ValidateTeam(team string) error {
	if !teamPattern.MatchString(team) {
		return fmt.Errorf("invalid team name %q: use lowercase segments separated by '.'", team)
	}
	return nil
}

// ValidateName checks a credential name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid credential name %q", name)
	}
	return nil
}

// Key identifies one stored credential.
type Key struct {
	Scope string // team name or GlobalScope
	Name  string
}

// TeamKey returns the key for name owned by team.
func TeamKey(team, name string) Key {
	return Key{Scope: team, Name: name}
}

// GlobalKey returns the key for a credential visible to every team that is
// granted its name.
func GlobalKey(name string) Key {
	return Key{Scope: GlobalScope, Name: name}
}

// ParseKey parses the "scope:name" form.
func ParseKey(s string) (Key, error) {
	scope, name, ok := strings.Cut(s, ":")
	if !ok || scope == "" || name == "" {
		return Key{}, fmt.Errorf("invalid credential key %q: expected scope:name", s)
	}
	k := Key{Scope: scope, Name: name}
	return k, k.Validate()
}

// Validate checks both parts of the key.
func (k Key) Validate() error {
	if k.Scope != GlobalScope {
		if err := ValidateTeam(k.Scope); err != nil {
			return err
		}
	}
	return ValidateName(k.Name)
}

// IsGlobal reports whether the key lives in the global scope.
func (k Key) IsGlobal() bool {
	return k.Scope == GlobalScope
}

// Team returns the owning team, or "" for global credentials.
func (k Key) Team() string {
	if k.IsGlobal() {
		return ""
	}
	return k.Scope
}

func (k Key) String() string {
	return k.Scope + ":" + k.Name
}

// ScopeChain returns the scopes searched when team looks up a credential:
// the team itself, each parent namespace, then global.
func ScopeChain(team string) []string {
	var chain []string
	for t := team; t != ""; t = Parent(t) {
		if t == GlobalScope {
			break
		}
		chain = append(chain, t)
	}
	return append(chain, GlobalScope)
}

// Parent returns the parent namespace of team ("marketing.social" ->
// "marketing"), or "" when team has no parent.
func Parent(team string) string {
	i := strings.LastIndex(team, ".")
	if i < 0 {
		return ""
	}
	return team[:i]
}

// Metadata describes a stored credential. It never holds the value.
type Metadata struct {
	Key           Key
	Type          Type
	OwnerTeam     string
	CreatedAt     time.Time
	LastUpdated   time.Time
	LastRotated   *time.Time
	LastAccessed  *time.Time
	ExpiresAt     *time.Time
	RotationCount int
	Attributes    map[string]string
}

// Expired reports whether the credential has an expiry that is before now.
func (m Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

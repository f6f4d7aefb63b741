// Package vault is the programmatic interface to a team credential vault.
//
// A Vault ties together the encrypted store, the access rules, break-glass
// tokens and the rotation manager over one SQLite database. Every call that
// reads or writes a credential on behalf of a team is checked against that
// team's rules and recorded in the audit log.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/systmms/teamvault/internal/access"
	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/breakglass"
	"github.com/systmms/teamvault/internal/credstore"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/storage/sqlite"
	"github.com/systmms/teamvault/pkg/credential"
	"github.com/systmms/teamvault/pkg/rotation"
)

// Components are the parts a Vault is assembled from. Open builds them
// from configuration; tests may build them directly.
type Components struct {
	DB         *sqlite.DB
	Store      *credstore.Store
	Access     *access.Engine
	BreakGlass *breakglass.Manager
	Rotation   *rotation.Manager
	Auditor    *audit.Auditor
	Clock      clock.Clock
	Logger     *logging.Logger

	// closers run in order on Close, after the store is locked.
	closers []func() error
}

// Vault is safe for concurrent use.
type Vault struct {
	db         *sqlite.DB
	store      *credstore.Store
	access     *access.Engine
	breakglass *breakglass.Manager
	rotation   *rotation.Manager
	auditor    *audit.Auditor
	clock      clock.Clock
	logger     *logging.Logger
	denials    *denialTracker
	closers    []func() error
}

// New assembles a vault from already opened components.
func New(c Components) (*Vault, error) {
	if c.DB == nil || c.Store == nil || c.Access == nil || c.BreakGlass == nil || c.Rotation == nil {
		return nil, errors.New("vault: database, store, access, breakglass and rotation are required")
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return &Vault{
		db:         c.DB,
		store:      c.Store,
		access:     c.Access,
		breakglass: c.BreakGlass,
		rotation:   c.Rotation,
		auditor:    c.Auditor,
		clock:      c.Clock,
		logger:     c.Logger,
		denials:    newDenialTracker(c.Clock, DenialWindow, DenialThreshold),
		closers:    c.closers,
	}, nil
}

// Close locks the store and releases the database and audit sinks.
func (v *Vault) Close() error {
	v.store.Close()
	var errs []error
	for _, c := range v.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (v *Vault) Access() *access.Engine          { return v.access }
func (v *Vault) BreakGlass() *breakglass.Manager { return v.breakglass }
func (v *Vault) Rotation() *rotation.Manager     { return v.rotation }
func (v *Vault) Store() *credstore.Store         { return v.store }
func (v *Vault) Auditor() *audit.Auditor         { return v.auditor }

// Ping checks the database.
func (v *Vault) Ping(ctx context.Context) error {
	return v.db.Ping(ctx)
}

// GetCredential returns the value of name as seen by team: the team's own
// credential, then each parent namespace's, then the global one.
func (v *Vault) GetCredential(ctx context.Context, team, name string) (string, error) {
	const op = "vault.get_credential"
	if err := v.authorize(ctx, op, team, name); err != nil {
		return "", err
	}

	meta, err := v.resolve(ctx, op, team, name)
	if err != nil {
		return "", err
	}
	key := meta.Key
	if meta.Expired(v.clock.Now()) {
		_ = v.auditor.Warning(ctx, audit.EventCredentialExpired, team,
			fmt.Sprintf("expired credential %s requested", key),
			map[string]string{"team": team, "credential": key.String()})
		return "", vaulterrors.E(vaulterrors.ErrExpired, op, key.String(), nil)
	}

	value, err := v.store.Retrieve(ctx, key)
	if err != nil {
		v.auditCrypto(ctx, team, key, err)
		return "", err
	}
	if err := v.store.Touch(ctx, key); err != nil {
		v.logger.Warn("Failed to record access to %s: %v", key, err)
	}
	_ = v.auditor.Info(ctx, audit.EventCredentialAccessed, team,
		fmt.Sprintf("%s accessed %s", team, key),
		map[string]string{"team": team, "credential": key.String()})
	return value, nil
}

// SetCredential stores value under team's own scope, or the global scope
// when team is "global". An empty typ keeps the existing type.
func (v *Vault) SetCredential(ctx context.Context, team, name, value string, typ credential.Type) error {
	const op = "vault.set_credential"
	if err := v.authorize(ctx, op, team, name); err != nil {
		return err
	}
	key := scopedKey(team, name)
	if err := v.store.Store(ctx, key, value, credstore.StoreOptions{Type: typ, OwnerTeam: key.Team()}); err != nil {
		v.auditCrypto(ctx, team, key, err)
		return err
	}
	_ = v.auditor.Info(ctx, audit.EventCredentialUpdated, team,
		fmt.Sprintf("%s updated %s", team, key),
		map[string]string{"team": team, "credential": key.String(), "type": string(typ)})
	return nil
}

// CreateRequest describes a credential created by an administrator.
type CreateRequest struct {
	Name string
	// Team owns the credential; empty or "global" creates a global one.
	Team string
	// Value is generated with the type's rotation generator when empty.
	Value      string
	Type       credential.Type
	ExpiresIn  time.Duration
	Attributes map[string]string
	Actor      string
}

// CreateCredential stores a new credential and grants its owner team the
// exact name. An existing credential is never overwritten.
func (v *Vault) CreateCredential(ctx context.Context, req CreateRequest) (credential.Key, error) {
	const op = "vault.create_credential"
	key := scopedKey(req.Team, req.Name)
	if err := key.Validate(); err != nil {
		return key, err
	}
	if req.Type == "" {
		req.Type = credential.TypeAPIKey
	}
	if !req.Type.Valid() {
		return key, fmt.Errorf("unknown credential type %q", req.Type)
	}

	_, err := v.store.GetMetadata(ctx, key)
	if err == nil {
		return key, vaulterrors.UserError{
			Message:    fmt.Sprintf("credential %s already exists", key),
			Suggestion: "Use 'teamvault set' to change its value",
		}
	}
	if !errors.Is(err, vaulterrors.ErrNotFound) {
		return key, err
	}

	value := req.Value
	if value == "" {
		strategy, ok := v.rotation.Strategy(req.Type)
		if !ok {
			return key, fmt.Errorf("no generator for %s", req.Type)
		}
		value, err = strategy.Generate(ctx)
		if err != nil {
			return key, vaulterrors.External(op, key.String(), err)
		}
	}

	opts := credstore.StoreOptions{Type: req.Type, OwnerTeam: key.Team(), Attributes: req.Attributes}
	if req.ExpiresIn > 0 {
		at := v.clock.Now().Add(req.ExpiresIn).UTC()
		opts.ExpiresAt = &at
	}
	if err := v.store.Store(ctx, key, value, opts); err != nil {
		return key, err
	}
	if !key.IsGlobal() {
		if err := v.access.GrantAccess(ctx, key.Scope, key.Name, req.Actor); err != nil {
			return key, fmt.Errorf("grant %s to %s: %w", key.Name, key.Scope, err)
		}
	}
	v.logger.Info("Created credential %s", key)
	_ = v.auditor.Info(ctx, audit.EventCredentialCreated, req.Actor,
		fmt.Sprintf("created %s (%s)", key, req.Type),
		map[string]string{"credential": key.String(), "type": string(req.Type)})
	return key, nil
}

// DeleteCredential removes the credential and the owner team's exact-name
// rule. It reports whether the credential existed.
func (v *Vault) DeleteCredential(ctx context.Context, team, name, actor string) (bool, error) {
	key := scopedKey(team, name)
	if err := key.Validate(); err != nil {
		return false, err
	}
	deleted, err := v.store.Delete(ctx, key)
	if err != nil || !deleted {
		return deleted, err
	}
	if !key.IsGlobal() {
		if _, err := v.access.RevokeAccess(ctx, key.Scope, key.Name, actor); err != nil {
			return true, err
		}
	}
	_ = v.auditor.Info(ctx, audit.EventCredentialDeleted, actor,
		fmt.Sprintf("deleted %s", key),
		map[string]string{"credential": key.String()})
	return true, nil
}

// ListCredentials returns metadata for the credentials stored in team's
// scope, or every credential when team is empty.
func (v *Vault) ListCredentials(ctx context.Context, team string) ([]credential.Metadata, error) {
	all, err := v.store.ListMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if team == "" {
		return all, nil
	}
	var out []credential.Metadata
	for _, m := range all {
		if m.Key.Scope == team {
			out = append(out, m)
		}
	}
	return out, nil
}

// ValidateCredential reports whether candidate is the current value of the
// credential team resolves name to, or its previous value while a rotation
// overlaps them.
func (v *Vault) ValidateCredential(ctx context.Context, team, name, candidate string) (bool, error) {
	const op = "vault.validate_credential"
	if err := v.authorize(ctx, op, team, name); err != nil {
		return false, err
	}
	meta, err := v.resolve(ctx, op, team, name)
	if err != nil {
		return false, err
	}
	return v.rotation.ValidateValue(ctx, meta.Key, candidate)
}

// GetRotationSchedule lists when each credential is next due.
func (v *Vault) GetRotationSchedule(ctx context.Context) ([]rotation.ScheduleEntry, error) {
	return v.rotation.GetRotationSchedule(ctx)
}

// RotateMasterKey re-encrypts the vault under newSecret.
func (v *Vault) RotateMasterKey(ctx context.Context, newSecret []byte, actor string) (int, error) {
	n, err := v.store.RotateMasterKey(ctx, newSecret)
	if err != nil {
		_ = v.auditor.Critical(ctx, audit.EventCryptoFailure, actor, "master key rotation failed",
			map[string]string{"error": err.Error()})
		return 0, err
	}
	_ = v.auditor.Critical(ctx, audit.EventMasterRekey, actor,
		fmt.Sprintf("master key rotated, %d credentials re-encrypted", n),
		map[string]string{"count": fmt.Sprint(n)})
	return n, nil
}

// authorize checks team's rules for name, auditing and counting denials.
func (v *Vault) authorize(ctx context.Context, op, team, name string) error {
	if err := validateScope(team); err != nil {
		return err
	}
	if err := credential.ValidateName(name); err != nil {
		return err
	}
	ok, err := v.access.CanAccess(ctx, team, name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	details := map[string]string{"team": team, "credential": name}
	_ = v.auditor.Warning(ctx, audit.EventCredentialDenied, team,
		fmt.Sprintf("%s denied access to %s", team, name), details)
	if n := v.denials.record(team, name); n >= v.denials.threshold {
		details["denials"] = fmt.Sprint(n)
		v.logger.Critical("Repeated access denials: %s -> %s (%d in %s)", team, name, n, v.denials.window)
		_ = v.auditor.Critical(ctx, audit.EventSecurityAlert, team,
			fmt.Sprintf("%d denied attempts by %s on %s within %s", n, team, name, v.denials.window), details)
	}
	return vaulterrors.Unauthorized(op, team, name)
}

// resolve walks team's scope chain and returns the first stored match.
func (v *Vault) resolve(ctx context.Context, op, team, name string) (credential.Metadata, error) {
	for _, scope := range credential.ScopeChain(team) {
		meta, err := v.store.GetMetadata(ctx, credential.Key{Scope: scope, Name: name})
		if err == nil {
			return meta, nil
		}
		if !errors.Is(err, vaulterrors.ErrNotFound) {
			return credential.Metadata{}, err
		}
	}
	return credential.Metadata{}, vaulterrors.NotFound(op, name)
}

func (v *Vault) auditCrypto(ctx context.Context, actor string, key credential.Key, err error) {
	if !errors.Is(err, vaulterrors.ErrCryptoFailure) {
		return
	}
	_ = v.auditor.Critical(ctx, audit.EventCryptoFailure, actor,
		fmt.Sprintf("crypto failure on %s", key),
		map[string]string{"credential": key.String()})
}

func scopedKey(team, name string) credential.Key {
	if team == "" || team == credential.GlobalScope {
		return credential.GlobalKey(name)
	}
	return credential.TeamKey(team, name)
}

func validateScope(team string) error {
	if team == credential.GlobalScope {
		return nil
	}
	return credential.ValidateTeam(team)
}

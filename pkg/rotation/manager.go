package rotation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/credstore"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/rotation/notifications"
	"github.com/systmms/teamvault/pkg/credential"
)

// Triggers recorded with each rotation.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerEmergency = "emergency"
	TriggerRecovery  = "recovery"
)

const (
	DefaultGracePeriod    = 5 * time.Minute
	DefaultCallTimeout    = 30 * time.Second
	DefaultRolloutTimeout = 30 * time.Minute
	DefaultStaleAfter     = time.Hour
)

// Store is the part of the credential store rotation drives.
// *credstore.Store satisfies it.
type Store interface {
	Retrieve(ctx context.Context, key credential.Key) (string, error)
	GetMetadata(ctx context.Context, key credential.Key) (credential.Metadata, error)
	ListMetadata(ctx context.Context) ([]credential.Metadata, error)
	ClaimRotation(ctx context.Context, key credential.Key, phase string) (time.Time, error)
	SetRotationPhase(ctx context.Context, key credential.Key, from, to string) error
	StageRotation(ctx context.Context, key credential.Key, newValue, phase string) (string, error)
	RevertRotation(ctx context.Context, key credential.Key) error
	FinishRotation(ctx context.Context, key credential.Key) error
	GetOverlay(ctx context.Context, key credential.Key) (credstore.Overlay, error)
	ListOverlays(ctx context.Context) ([]credstore.OverlayState, error)
}

// ClusterRollout publishes team bundles. *cluster.Rollout satisfies it.
type ClusterRollout interface {
	Rollout(ctx context.Context, key credential.Key) error
	Restore(ctx context.Context, key credential.Key) error
}

// Hook runs after a credential of its type rotates.
type Hook func(ctx context.Context, key credential.Key, newValue string) error

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	Strategies           Strategies
	GracePeriod          time.Duration
	EmergencyGracePeriod time.Duration
	CallTimeout          time.Duration
	RolloutTimeout       time.Duration
	// MaxConcurrent bounds batch fan-out; 0 means unbounded.
	MaxConcurrent int
	// StaleAfter is how long an overlay may sit untouched before Recover
	// treats it as abandoned.
	StaleAfter time.Duration

	Cluster ClusterRollout
	Bus     *notifications.Manager
	Clock   clock.Clock
	Auditor *audit.Auditor
	Logger  *logging.Logger
}

// Summary is the outcome of a batch run, keyed by "scope:name".
type Summary struct {
	Rotated []string
	Failed  []string
	Skipped []string
	Errors  map[string]error
}

// Manager runs credential rotations.
type Manager struct {
	store      Store
	strategies Strategies
	opts       Options
	clock      clock.Clock
	auditor    *audit.Auditor
	logger     *logging.Logger
	bus        *notifications.Manager

	mu     sync.Mutex
	active map[credential.Key]struct{}
	hooks  int
}

// NewManager validates the strategy table and applies defaults.
func NewManager(store Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("rotation: store is required")
	}
	if opts.Strategies == nil {
		opts.Strategies = DefaultStrategies()
	}
	if err := opts.Strategies.Validate(); err != nil {
		return nil, err
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.EmergencyGracePeriod <= 0 {
		opts.EmergencyGracePeriod = opts.GracePeriod
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.RolloutTimeout <= 0 {
		opts.RolloutTimeout = DefaultRolloutTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.MaxConcurrent < 0 {
		return nil, fmt.Errorf("rotation: max concurrent must not be negative")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Bus == nil {
		opts.Bus = notifications.NewManager(0, opts.CallTimeout, opts.Logger)
	}

	return &Manager{
		store:      store,
		strategies: opts.Strategies.Clone(),
		opts:       opts,
		clock:      opts.Clock,
		auditor:    opts.Auditor,
		logger:     opts.Logger,
		bus:        opts.Bus,
		active:     make(map[credential.Key]struct{}),
	}, nil
}

// Strategy returns the strategy for t.
func (m *Manager) Strategy(t credential.Type) (TypeStrategy, bool) {
	s, ok := m.strategies[t]
	return s, ok
}

// RotateCredential rotates team's credential name now. An empty team
// selects the global credential.
func (m *Manager) RotateCredential(ctx context.Context, name, team string) error {
	key := credential.GlobalKey(name)
	if team != "" && team != credential.GlobalScope {
		key = credential.TeamKey(team, name)
	}
	if err := key.Validate(); err != nil {
		return err
	}
	return m.rotate(ctx, key, TriggerManual, m.opts.GracePeriod)
}

// StartNotifications moves delivery of started and failed events to a
// background worker so slow providers do not hold up a rotation. Events
// still queued are delivered by StopNotifications. Completed events are
// always delivered inline, after cleanup.
func (m *Manager) StartNotifications(ctx context.Context) { m.bus.Start(ctx) }

func (m *Manager) StopNotifications() { m.bus.Stop() }

// RegisterRotationHook subscribes hook to completed rotations of t. Hooks
// run after cleanup with the new value; a failing hook is logged and
// never undoes the rotation.
func (m *Manager) RegisterRotationHook(t credential.Type, hook Hook) error {
	if !t.Valid() {
		return fmt.Errorf("unknown credential type %q", t)
	}
	if hook == nil {
		return errors.New("rotation hook is nil")
	}
	m.mu.Lock()
	m.hooks++
	name := fmt.Sprintf("%s-%d", t, m.hooks)
	m.mu.Unlock()

	fn := func(ctx context.Context, event notifications.RotationEvent, newValue string) error {
		return hook(ctx, eventKey(event), newValue)
	}
	values := func(ctx context.Context, event notifications.RotationEvent) (string, error) {
		return m.store.Retrieve(ctx, eventKey(event))
	}
	m.bus.RegisterProvider(notifications.NewHookProvider(name, string(t), fn, values))
	return nil
}

func eventKey(event notifications.RotationEvent) credential.Key {
	return credential.Key{Scope: event.Scope, Name: event.Name}
}

// CheckAndRotateAll rotates every credential whose period has elapsed.
// Credentials never rotated are due. Failures are isolated per credential.
func (m *Manager) CheckAndRotateAll(ctx context.Context) (Summary, error) {
	all, err := m.store.ListMetadata(ctx)
	if err != nil {
		return Summary{}, err
	}
	now := m.clock.Now()
	var due []credential.Key
	summary := newSummary()
	for _, meta := range all {
		if m.isDue(meta, now) {
			due = append(due, meta.Key)
		} else {
			summary.Skipped = append(summary.Skipped, meta.Key.String())
		}
	}

	m.fanOut(ctx, due, TriggerScheduled, m.opts.GracePeriod, &summary)
	summary.sort()
	m.logger.Info("Rotation complete: %d rotated, %d failed, %d skipped",
		len(summary.Rotated), len(summary.Failed), len(summary.Skipped))
	return summary, nil
}

// EmergencyRotateAll rotates every credential at once, typically after a
// suspected compromise.
func (m *Manager) EmergencyRotateAll(ctx context.Context, reason string) (Summary, error) {
	if reason == "" {
		return Summary{}, errors.New("emergency rotation requires a reason")
	}
	all, err := m.store.ListMetadata(ctx)
	if err != nil {
		return Summary{}, err
	}

	m.logger.Critical("EMERGENCY ROTATION of %d credentials: %s", len(all), reason)
	_ = m.auditor.Critical(ctx, audit.EventEmergencyStarted, "system",
		fmt.Sprintf("emergency rotation started: %s", reason),
		map[string]string{"reason": reason, "credentials": fmt.Sprint(len(all))})

	keys := make([]credential.Key, 0, len(all))
	for _, meta := range all {
		keys = append(keys, meta.Key)
	}
	summary := newSummary()
	m.fanOut(ctx, keys, TriggerEmergency, m.opts.EmergencyGracePeriod, &summary)
	summary.sort()

	_ = m.auditor.Critical(context.WithoutCancel(ctx), audit.EventEmergencyFinished, "system",
		fmt.Sprintf("emergency rotation finished: %d rotated, %d failed", len(summary.Rotated), len(summary.Failed)),
		map[string]string{
			"reason":  reason,
			"rotated": fmt.Sprint(len(summary.Rotated)),
			"failed":  fmt.Sprint(len(summary.Failed)),
			"skipped": fmt.Sprint(len(summary.Skipped)),
		})
	return summary, nil
}

func (m *Manager) isDue(meta credential.Metadata, now time.Time) bool {
	if meta.LastRotated == nil {
		return true
	}
	st, ok := m.strategies[meta.Type]
	if !ok {
		return false
	}
	return now.After(meta.LastRotated.Add(st.Period))
}

func (m *Manager) fanOut(ctx context.Context, keys []credential.Key, trigger string, grace time.Duration, summary *Summary) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if m.opts.MaxConcurrent > 0 {
		g.SetLimit(m.opts.MaxConcurrent)
	}
	for _, key := range keys {
		g.Go(func() error {
			err := m.rotate(ctx, key, trigger, grace)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Rotated = append(summary.Rotated, key.String())
			case errors.Is(err, credstore.ErrRotationInProgress):
				summary.Skipped = append(summary.Skipped, key.String())
			default:
				summary.Failed = append(summary.Failed, key.String())
				summary.Errors[key.String()] = err
				m.logger.Error("Failed to rotate %s: %v", key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func newSummary() Summary {
	return Summary{Errors: make(map[string]error)}
}

func (s *Summary) sort() {
	sort.Strings(s.Rotated)
	sort.Strings(s.Failed)
	sort.Strings(s.Skipped)
}

// RotationValues returns the active value and, during an overlap window,
// the previous one. previous is empty when no rotation is open.
func (m *Manager) RotationValues(ctx context.Context, key credential.Key) (active, previous string, err error) {
	ov, err := m.store.GetOverlay(ctx, key)
	if err == nil {
		return ov.Active, ov.Previous, nil
	}
	if !errors.Is(err, vaulterrors.ErrNotFound) {
		return "", "", err
	}
	active, err = m.store.Retrieve(ctx, key)
	return active, "", err
}

// ValidateValue reports whether candidate is the active value or, while
// a rotation overlaps, the previous one. Comparison is constant time.
func (m *Manager) ValidateValue(ctx context.Context, key credential.Key, candidate string) (bool, error) {
	active, previous, err := m.RotationValues(ctx, key)
	if err != nil {
		return false, err
	}
	ok := subtle.ConstantTimeCompare([]byte(candidate), []byte(active)) == 1
	if previous != "" {
		ok = subtle.ConstantTimeCompare([]byte(candidate), []byte(previous)) == 1 || ok
	}
	return ok, nil
}

func (m *Manager) markActive(key credential.Key) {
	m.mu.Lock()
	m.active[key] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) clearActive(key credential.Key) {
	m.mu.Lock()
	delete(m.active, key)
	m.mu.Unlock()
}

func (m *Manager) isActive(key credential.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[key]
	return ok
}

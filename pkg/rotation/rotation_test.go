package rotation_test

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/audit/audittest"
	"github.com/systmms/teamvault/internal/cipher"
	"github.com/systmms/teamvault/internal/credstore"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/rotation/notifications"
	"github.com/systmms/teamvault/internal/storage/sqlite/sqlitetest"
	"github.com/systmms/teamvault/pkg/credential"
	"github.com/systmms/teamvault/pkg/rotation"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const grace = 5 * time.Minute

type harness struct {
	store    *credstore.Store
	clock    *testclock.Clock
	recorder *audittest.Recorder
	manager  *rotation.Manager
}

type fakeCluster struct {
	mu         sync.Mutex
	rollouts   []credential.Key
	restores   []credential.Key
	rolloutErr error

	// When set, Rollout signals entered and then blocks until release
	// is closed.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeCluster) Rollout(_ context.Context, key credential.Key) error {
	f.mu.Lock()
	f.rollouts = append(f.rollouts, key)
	err, entered, release := f.rolloutErr, f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return err
}

func (f *fakeCluster) Restore(_ context.Context, key credential.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, key)
	return nil
}

func (f *fakeCluster) calls() (rollouts, restores int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rollouts), len(f.restores)
}

type eventLog struct {
	mu     sync.Mutex
	events []notifications.EventType
}

func (l *eventLog) Name() string                               { return "log" }
func (l *eventLog) SupportsEvent(notifications.EventType) bool { return true }

func (l *eventLog) Send(_ context.Context, event notifications.RotationEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event.Type)
	return nil
}

func (l *eventLog) types() []notifications.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notifications.EventType(nil), l.events...)
}

func fixed(value string) rotation.Generator {
	return func(context.Context) (string, error) { return value, nil }
}

func newHarness(t *testing.T, configure func(*rotation.Options)) *harness {
	t.Helper()
	db := sqlitetest.New(t)
	clk := testclock.NewClock(testEpoch)
	store, err := credstore.Open(context.Background(), db, []byte("master"), credstore.Options{
		KeyPath: filepath.Join(filepath.Dir(db.Path()), "vault.key"),
		KDF:     cipher.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1},
		Clock:   clk,
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	rec := &audittest.Recorder{}
	strategies := rotation.DefaultStrategies()
	st := strategies[credential.TypeAPIKey]
	st.Generate = fixed("new-value")
	strategies[credential.TypeAPIKey] = st

	opts := rotation.Options{
		Strategies:  strategies,
		GracePeriod: grace,
		Clock:       clk,
		Auditor:     audit.NewAuditor(rec, clk, logging.Discard()),
		Logger:      logging.Discard(),
	}
	if configure != nil {
		configure(&opts)
	}
	m, err := rotation.NewManager(store, opts)
	require.NoError(t, err)
	return &harness{store: store, clock: clk, recorder: rec, manager: m}
}

func (h *harness) put(t *testing.T, key credential.Key, value string, typ credential.Type) {
	t.Helper()
	require.NoError(t, h.store.Store(context.Background(), key, value, credstore.StoreOptions{Type: typ}))
}

// waitForPhase blocks until key's overlay reaches phase.
func (h *harness) waitForPhase(t *testing.T, key credential.Key, phase rotation.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		states, err := h.store.ListOverlays(context.Background())
		if err != nil {
			return false
		}
		for _, st := range states {
			if st.Key == key && st.Phase == string(phase) {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewManagerRejectsIncompleteTable(t *testing.T) {
	t.Parallel()

	db := sqlitetest.New(t)
	store, err := credstore.Open(context.Background(), db, []byte("master"), credstore.Options{
		KeyPath: filepath.Join(filepath.Dir(db.Path()), "vault.key"),
		KDF:     cipher.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1},
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	missing := rotation.DefaultStrategies()
	delete(missing, credential.TypeWebhook)
	_, err = rotation.NewManager(store, rotation.Options{Strategies: missing})
	assert.ErrorContains(t, err, "webhook")

	noGen := rotation.DefaultStrategies()
	st := noGen[credential.TypeDatabase]
	st.Generate = nil
	noGen[credential.TypeDatabase] = st
	_, err = rotation.NewManager(store, rotation.Options{Strategies: noGen})
	assert.ErrorContains(t, err, "no generator")

	badKind := rotation.DefaultStrategies()
	st = badKind[credential.TypeJWTSecret]
	st.Rollout = "carrier-pigeon"
	badKind[credential.TypeJWTSecret] = st
	_, err = rotation.NewManager(store, rotation.Options{Strategies: badKind})
	assert.Error(t, err)

	_, err = rotation.NewManager(store, rotation.Options{})
	assert.NoError(t, err)
}

func TestDefaultGenerators(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	key, err := rotation.GenerateAPIKey(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "sk-tv-"))
	assert.Len(t, key, len("sk-tv-")+32)
	for _, c := range strings.TrimPrefix(key, "sk-tv-") {
		assert.True(t, (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'), "unexpected %q", c)
	}

	pw, err := rotation.GenerateDatabasePassword(ctx)
	require.NoError(t, err)
	assert.Len(t, pw, 24)

	jwt, err := rotation.GenerateJWTSecret(ctx)
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(jwt)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	tok, err := rotation.GenerateToken(ctx)
	require.NoError(t, err)
	raw, err = base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	other, err := rotation.GenerateToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestPhaseTransitions(t *testing.T) {
	t.Parallel()

	order := []rotation.Phase{
		rotation.PhasePending, rotation.PhaseGenerating, rotation.PhaseOverlapping,
		rotation.PhaseRollingOut, rotation.PhaseCleaning, rotation.PhaseDone,
	}
	for i := 0; i < len(order)-1; i++ {
		assert.True(t, order[i].CanTransitionTo(order[i+1]), "%s -> %s", order[i], order[i+1])
		assert.True(t, order[i].CanTransitionTo(rotation.PhaseFailed), "%s -> failed", order[i])
		assert.False(t, order[i+1].CanTransitionTo(order[i]), "%s -> %s", order[i+1], order[i])
	}
	assert.False(t, rotation.PhasePending.CanTransitionTo(rotation.PhaseOverlapping))
	assert.False(t, rotation.PhaseDone.CanTransitionTo(rotation.PhaseFailed))
	assert.True(t, rotation.PhaseDone.IsTerminal())
	assert.True(t, rotation.PhaseFailed.IsTerminal())
	assert.False(t, rotation.PhaseCleaning.IsTerminal())

	_, err := rotation.ParsePhase("sleeping")
	assert.Error(t, err)
}

func TestRotateCredentialOverlapThenCleanup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	hooked := make(chan string, 1)
	require.NoError(t, h.manager.RegisterRotationHook(credential.TypeAPIKey,
		func(_ context.Context, k credential.Key, newValue string) error {
			assert.Equal(t, key, k)
			hooked <- newValue
			return nil
		}))

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()

	h.waitForPhase(t, key, rotation.PhaseCleaning)

	// Both values validate during the overlap window.
	active, previous, err := h.manager.RotationValues(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "new-value", active)
	assert.Equal(t, "old-value", previous)
	for _, v := range []string{"old-value", "new-value"} {
		ok, err := h.manager.ValidateValue(ctx, key, v)
		require.NoError(t, err)
		assert.True(t, ok, v)
	}

	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)

	got, err := h.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "new-value", got)

	ok, err := h.manager.ValidateValue(ctx, key, "old-value")
	require.NoError(t, err)
	assert.False(t, ok)

	states, err := h.store.ListOverlays(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	assert.Equal(t, "new-value", <-hooked)
	assert.Equal(t, 6, h.recorder.Count(audit.EventRotationPhase))
	assert.Equal(t, 1, h.recorder.Count(audit.EventRotationCompleted))

	m, err := h.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, m.LastRotated)
	assert.Equal(t, 1, m.RotationCount)
}

func TestConcurrentRotationOfSameCredentialRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	h.waitForPhase(t, key, rotation.PhaseCleaning)

	err := h.manager.RotateCredential(ctx, "API_KEY", "eng")
	assert.ErrorIs(t, err, vaulterrors.ErrRotationFailure)
	assert.ErrorIs(t, err, credstore.ErrRotationInProgress)

	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)
}

func TestRotateUnknownCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	err := h.manager.RotateCredential(context.Background(), "NOPE", "eng")
	assert.ErrorIs(t, err, vaulterrors.ErrNotFound)
}

func TestGeneratorFailureLeavesValueUnchanged(t *testing.T) {
	t.Parallel()

	boom := errors.New("entropy exhausted")
	h := newHarness(t, func(o *rotation.Options) {
		st := o.Strategies[credential.TypeDatabase]
		st.Generate = func(context.Context) (string, error) { return "", boom }
		o.Strategies[credential.TypeDatabase] = st
	})
	ctx := context.Background()
	key := credential.GlobalKey("DB_PASSWORD")
	h.put(t, key, "old-value", credential.TypeDatabase)

	err := h.manager.RotateCredential(ctx, "DB_PASSWORD", "")
	assert.ErrorIs(t, err, vaulterrors.ErrRotationFailure)
	assert.ErrorIs(t, err, vaulterrors.ErrExternalCall)
	assert.ErrorIs(t, err, boom)

	got, err := h.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "old-value", got)

	states, err := h.store.ListOverlays(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Equal(t, 1, h.recorder.Count(audit.EventRotationFailed))
}

func TestClusterRolloutFailureRevertsEverywhere(t *testing.T) {
	t.Parallel()

	fc := &fakeCluster{rolloutErr: errors.New("canary unhealthy")}
	h := newHarness(t, func(o *rotation.Options) { o.Cluster = fc })
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	err := h.manager.RotateCredential(ctx, "API_KEY", "eng")
	assert.ErrorIs(t, err, vaulterrors.ErrRotationFailure)
	assert.ErrorIs(t, err, vaulterrors.ErrExternalCall)

	got, err := h.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "old-value", got)

	m, err := h.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, m.LastRotated)

	rollouts, restores := fc.calls()
	assert.Equal(t, 1, rollouts)
	assert.Equal(t, 1, restores)

	// The claim is released, so a later rotation may proceed.
	fc.mu.Lock()
	fc.rolloutErr = nil
	fc.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)
}

func TestWriteDuringFailedRolloutSurvivesRevert(t *testing.T) {
	t.Parallel()

	fc := &fakeCluster{
		rolloutErr: errors.New("canary unhealthy"),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	h := newHarness(t, func(o *rotation.Options) { o.Cluster = fc })
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	select {
	case <-fc.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rollout never started")
	}

	h.put(t, key, "admin-value", credential.TypeAPIKey)
	close(fc.release)

	err := <-done
	assert.ErrorIs(t, err, vaulterrors.ErrRotationFailure)

	got, err := h.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "admin-value", got)

	ok, err := h.manager.ValidateValue(ctx, key, "admin-value")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.manager.ValidateValue(ctx, key, "old-value")
	require.NoError(t, err)
	assert.False(t, ok)

	states, err := h.store.ListOverlays(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestWriteDuringGraceValidatesAndPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	h.waitForPhase(t, key, rotation.PhaseCleaning)

	h.put(t, key, "admin-value", credential.TypeAPIKey)

	ok, err := h.manager.ValidateValue(ctx, key, "admin-value")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.manager.ValidateValue(ctx, key, "old-value")
	require.NoError(t, err)
	assert.True(t, ok, "previous value still validates until cleanup")

	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)

	got, err := h.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "admin-value", got)
}

func TestNotificationsQueuedWhileStarted(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	fc := &fakeCluster{rolloutErr: errors.New("canary unhealthy")}
	h := newHarness(t, func(o *rotation.Options) {
		o.Cluster = fc
		o.Bus = notifications.NewManager(0, time.Second, logging.Discard())
		o.Bus.RegisterProvider(log)
	})
	ctx := context.Background()
	h.put(t, credential.TeamKey("eng", "API_KEY"), "old-value", credential.TypeAPIKey)

	h.manager.StartNotifications(ctx)
	err := h.manager.RotateCredential(ctx, "API_KEY", "eng")
	assert.ErrorIs(t, err, vaulterrors.ErrRotationFailure)
	h.manager.StopNotifications()

	assert.Equal(t, []notifications.EventType{
		notifications.EventTypeStarted,
		notifications.EventTypeRollback,
	}, log.types())
}

func TestGlobalCredentialSkipsCluster(t *testing.T) {
	t.Parallel()

	fc := &fakeCluster{}
	h := newHarness(t, func(o *rotation.Options) { o.Cluster = fc })
	ctx := context.Background()
	h.put(t, credential.GlobalKey("SHARED"), "old-value", credential.TypeAPIKey)

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "SHARED", "") }()
	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)

	rollouts, _ := fc.calls()
	assert.Zero(t, rollouts)
}

func TestHookFailureDoesNotUndoRotation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	var calls atomic.Int32
	require.NoError(t, h.manager.RegisterRotationHook(credential.TypeAPIKey,
		func(context.Context, credential.Key, string) error {
			calls.Add(1)
			return errors.New("downstream rejected")
		}))
	require.NoError(t, h.manager.RegisterRotationHook(credential.TypeAPIKey,
		func(context.Context, credential.Key, string) error {
			calls.Add(1)
			panic("hook bug")
		}))
	require.NoError(t, h.manager.RegisterRotationHook(credential.TypeDatabase,
		func(context.Context, credential.Key, string) error {
			t.Error("database hook must not run for api keys")
			return nil
		}))

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)

	assert.EqualValues(t, 2, calls.Load())
	got, err := h.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "new-value", got)

	assert.Error(t, h.manager.RegisterRotationHook("pager", func(context.Context, credential.Key, string) error { return nil }))
}

func TestCancelledGraceLeavesOverlayForRecover(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	hooked := make(chan string, 1)
	require.NoError(t, h.manager.RegisterRotationHook(credential.TypeAPIKey,
		func(_ context.Context, _ credential.Key, newValue string) error {
			hooked <- newValue
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	h.waitForPhase(t, key, rotation.PhaseCleaning)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, vaulterrors.ErrRotationFailure)
	assert.ErrorIs(t, err, context.Canceled)

	bg := context.Background()
	active, previous, err := h.manager.RotationValues(bg, key)
	require.NoError(t, err)
	assert.Equal(t, "new-value", active)
	assert.Equal(t, "old-value", previous)

	// Fresh overlays are left alone.
	summary, err := h.manager.Recover(bg)
	require.NoError(t, err)
	assert.Empty(t, summary.Finished)

	h.clock.Advance(rotation.DefaultStaleAfter + time.Second)
	summary, err = h.manager.Recover(bg)
	require.NoError(t, err)
	assert.Equal(t, []string{key.String()}, summary.Finished)
	assert.Equal(t, "new-value", <-hooked)

	states, err := h.store.ListOverlays(bg)
	require.NoError(t, err)
	assert.Empty(t, states)
	got, err := h.store.Retrieve(bg, key)
	require.NoError(t, err)
	assert.Equal(t, "new-value", got)
	assert.Equal(t, 1, h.recorder.Count(audit.EventRotationRecovered))
}

func TestRecoverRevertsRotationStuckBeforeRollout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "old-value", credential.TypeAPIKey)

	_, err := h.store.ClaimRotation(ctx, key, string(rotation.PhasePending))
	require.NoError(t, err)
	_, err = h.store.StageRotation(ctx, key, "half-done", string(rotation.PhaseOverlapping))
	require.NoError(t, err)

	h.clock.Advance(2 * rotation.DefaultStaleAfter)
	summary, err := h.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key.String()}, summary.Reverted)

	got, err := h.store.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "old-value", got)
}

func TestCheckAndRotateAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *rotation.Options) {
		st := o.Strategies[credential.TypeDatabase]
		st.Generate = func(context.Context) (string, error) { return "", errors.New("db unreachable") }
		o.Strategies[credential.TypeDatabase] = st
	})
	ctx := context.Background()
	due := credential.TeamKey("eng", "API_KEY")
	broken := credential.TeamKey("eng", "DB_PASSWORD")
	fresh := credential.TeamKey("eng", "HOOK_SECRET")
	h.put(t, due, "a", credential.TypeAPIKey)
	h.put(t, broken, "b", credential.TypeDatabase)
	h.put(t, fresh, "c", credential.TypeWebhook)

	// Rotate the webhook once so it is not due.
	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "HOOK_SECRET", "eng") }()
	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)

	type result struct {
		summary rotation.Summary
		err     error
	}
	batch := make(chan result, 1)
	go func() {
		s, err := h.manager.CheckAndRotateAll(ctx)
		batch <- result{s, err}
	}()
	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	res := <-batch
	require.NoError(t, res.err)

	assert.Equal(t, []string{due.String()}, res.summary.Rotated)
	assert.Equal(t, []string{broken.String()}, res.summary.Failed)
	assert.Equal(t, []string{fresh.String()}, res.summary.Skipped)
	assert.ErrorIs(t, res.summary.Errors[broken.String()], vaulterrors.ErrExternalCall)
}

func TestEmergencyRotateAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *rotation.Options) {
		o.EmergencyGracePeriod = time.Minute
		st := o.Strategies[credential.TypeDatabase]
		st.Generate = func(context.Context) (string, error) { return "", errors.New("db unreachable") }
		o.Strategies[credential.TypeDatabase] = st
	})
	ctx := context.Background()
	a := credential.TeamKey("eng", "API_KEY")
	b := credential.GlobalKey("JWT")
	busy := credential.TeamKey("ops", "TOKEN")
	broken := credential.TeamKey("eng", "DB_PASSWORD")
	h.put(t, a, "a", credential.TypeAPIKey)
	h.put(t, b, "b", credential.TypeJWTSecret)
	h.put(t, busy, "c", credential.TypeServiceAccount)
	h.put(t, broken, "d", credential.TypeDatabase)

	_, err := h.store.ClaimRotation(ctx, busy, string(rotation.PhasePending))
	require.NoError(t, err)

	_, err = h.manager.EmergencyRotateAll(ctx, "")
	assert.Error(t, err)

	type result struct {
		summary rotation.Summary
		err     error
	}
	batch := make(chan result, 1)
	go func() {
		s, err := h.manager.EmergencyRotateAll(ctx, "leaked laptop")
		batch <- result{s, err}
	}()
	require.NoError(t, h.clock.WaitAdvance(time.Minute, 5*time.Second, 2))
	res := <-batch
	require.NoError(t, res.err)

	assert.ElementsMatch(t, []string{a.String(), b.String()}, res.summary.Rotated)
	assert.Equal(t, []string{busy.String()}, res.summary.Skipped)
	assert.Equal(t, []string{broken.String()}, res.summary.Failed)
	assert.ErrorIs(t, res.summary.Errors[broken.String()], vaulterrors.ErrRotationFailure)
	assert.ErrorIs(t, res.summary.Errors[broken.String()], vaulterrors.ErrExternalCall)

	kept, err := h.store.Retrieve(ctx, broken)
	require.NoError(t, err)
	assert.Equal(t, "d", kept)

	started := h.recorder.OfType(audit.EventEmergencyStarted)
	require.Len(t, started, 1)
	assert.Equal(t, audit.SeverityCritical, started[0].Severity)
	assert.Equal(t, "leaked laptop", started[0].Details["reason"])
	assert.Equal(t, 1, h.recorder.Count(audit.EventEmergencyFinished))

	got, err := h.store.Retrieve(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, "b", got)
}

func TestGetRotationSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	rotated := credential.TeamKey("eng", "API_KEY")
	never := credential.GlobalKey("CERT")
	h.put(t, rotated, "a", credential.TypeAPIKey)
	h.put(t, never, "b", credential.TypeCertificate)

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)

	entries, err := h.manager.GetRotationSchedule(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "CERT", entries[0].Credential)
	assert.Equal(t, credential.GlobalScope, entries[0].Team)
	assert.Nil(t, entries[0].LastRotated)
	assert.True(t, entries[0].Overdue)
	assert.True(t, h.clock.Now().Equal(entries[0].NextRotation))

	assert.Equal(t, "API_KEY", entries[1].Credential)
	assert.Equal(t, "eng", entries[1].Team)
	assert.Equal(t, credential.TypeAPIKey, entries[1].Type)
	require.NotNil(t, entries[1].LastRotated)
	assert.True(t, entries[1].LastRotated.Add(30*24*time.Hour).Equal(entries[1].NextRotation))
	assert.False(t, entries[1].Overdue)
}

func TestScheduleOverdueMatchesCheckBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	key := credential.TeamKey("eng", "API_KEY")
	h.put(t, key, "a", credential.TypeAPIKey)

	done := make(chan error, 1)
	go func() { done <- h.manager.RotateCredential(ctx, "API_KEY", "eng") }()
	require.NoError(t, h.clock.WaitAdvance(grace, 5*time.Second, 1))
	require.NoError(t, <-done)

	m, err := h.store.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, m.LastRotated)
	period := rotation.DefaultStrategies()[credential.TypeAPIKey].Period
	h.clock.Advance(m.LastRotated.Add(period).Sub(h.clock.Now()))

	// Exactly one period after the last rotation: not yet due.
	entries, err := h.manager.GetRotationSchedule(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, h.clock.Now().Equal(entries[0].NextRotation))
	assert.False(t, entries[0].Overdue)

	summary, err := h.manager.CheckAndRotateAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.Rotated)
	assert.Equal(t, []string{key.String()}, summary.Skipped)

	h.clock.Advance(time.Nanosecond)
	entries, err = h.manager.GetRotationSchedule(ctx)
	require.NoError(t, err)
	assert.True(t, entries[0].Overdue)
}

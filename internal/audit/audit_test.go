package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/audit/audittest"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/retry"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSeverity(t *testing.T) {
	t.Parallel()

	assert.True(t, audit.SeverityCritical.AtLeast(audit.SeverityWarning))
	assert.True(t, audit.SeverityWarning.AtLeast(audit.SeverityWarning))
	assert.False(t, audit.SeverityInfo.AtLeast(audit.SeverityWarning))

	s, err := audit.ParseSeverity("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, audit.SeverityCritical, s)
	_, err = audit.ParseSeverity("loud")
	assert.Error(t, err)
}

func TestAuditorStampsEvents(t *testing.T) {
	t.Parallel()

	rec := &audittest.Recorder{}
	a := audit.NewAuditor(rec, testclock.NewClock(epoch), logging.Discard())

	require.NoError(t, a.Critical(context.Background(), audit.EventBreakGlassUsed, "oncall", "EMERGENCY ACCESS", map[string]string{"reason": "outage"}))
	require.NoError(t, a.Info(context.Background(), audit.EventAccessGranted, "admin", "granted", nil))

	events := rec.Events()
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.True(t, epoch.Equal(events[0].Timestamp))
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
	assert.Equal(t, "oncall", events[0].Actor)
	assert.Equal(t, "outage", events[0].Details["reason"])
}

func TestAuditorSurvivesCancelledContext(t *testing.T) {
	t.Parallel()

	rec := &audittest.Recorder{}
	a := audit.NewAuditor(rec, nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Warning(ctx, audit.EventCredentialDenied, "ops", "denied", nil))
	assert.Equal(t, 1, rec.Count(audit.EventCredentialDenied))
}

func TestAuditorReportsSinkFailure(t *testing.T) {
	t.Parallel()

	rec := &audittest.Recorder{}
	boom := errors.New("disk full")
	rec.FailWith(boom)
	var buf bytes.Buffer
	a := audit.NewAuditor(rec, nil, logging.NewWithWriter(&buf, false))

	err := a.Info(context.Background(), audit.EventCredentialAccessed, "eng", "read", nil)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "Failed to record audit event credential.accessed")
}

func TestNilAuditorIsNoop(t *testing.T) {
	t.Parallel()

	var a *audit.Auditor
	assert.NoError(t, a.Info(context.Background(), "x", "", "", nil))
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	sink, err := audit.NewFileSink(path)
	require.NoError(t, err)
	a := audit.NewAuditor(sink, testclock.NewClock(epoch), logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Info(context.Background(), audit.EventCredentialAccessed, "eng", "read", nil))
		}()
	}
	wg.Wait()
	require.NoError(t, a.Critical(context.Background(), audit.EventBreakGlassUsed, "oncall", "EMERGENCY ACCESS", nil))
	require.NoError(t, sink.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	all, err := audit.ReadFile(path, time.Time{}, audit.SeverityInfo)
	require.NoError(t, err)
	assert.Len(t, all, 21)

	critical, err := audit.ReadFile(path, time.Time{}, audit.SeverityCritical)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, audit.EventBreakGlassUsed, critical[0].EventType)

	later, err := audit.ReadFile(path, epoch.Add(time.Second), audit.SeverityInfo)
	require.NoError(t, err)
	assert.Empty(t, later)

	// Reopening appends rather than truncating.
	sink, err = audit.NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, audit.NewAuditor(sink, nil, nil).Info(context.Background(), "x", "", "", nil))
	require.NoError(t, sink.Close())
	all, err = audit.ReadFile(path, time.Time{}, audit.SeverityInfo)
	require.NoError(t, err)
	assert.Len(t, all, 22)

	assert.Error(t, sink.Emit(context.Background(), audit.Event{}))
}

func TestWebhookSinkForwardsAlerts(t *testing.T) {
	t.Parallel()

	var received []audit.Event
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret-token", r.Header.Get("X-Auth"))
		body, _ := io.ReadAll(r.Body)
		var e audit.Event
		assert.NoError(t, json.Unmarshal(body, &e))
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := audit.NewWebhookSink(audit.WebhookConfig{
		Name:    "siem",
		URL:     srv.URL,
		Headers: map[string]string{"X-Auth": "secret-token"},
	})
	require.NoError(t, err)
	assert.Equal(t, "webhook:siem", sink.Name())

	a := audit.NewAuditor(sink, nil, logging.Discard())
	require.NoError(t, a.Info(context.Background(), audit.EventCredentialAccessed, "eng", "read", nil))
	require.NoError(t, a.Critical(context.Background(), audit.EventBreakGlassUsed, "oncall", "EMERGENCY ACCESS", nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "info events are below the default threshold")
	assert.Equal(t, audit.EventBreakGlassUsed, received[0].EventType)
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := audit.NewWebhookSink(audit.WebhookConfig{
		URL:   srv.URL,
		Retry: retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), audit.Event{Severity: audit.SeverityCritical}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSinkDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sink, err := audit.NewWebhookSink(audit.WebhookConfig{
		URL:   srv.URL,
		Retry: retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)
	assert.Error(t, sink.Emit(context.Background(), audit.Event{Severity: audit.SeverityCritical}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewWebhookSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := audit.NewWebhookSink(audit.WebhookConfig{URL: "not a url"})
	assert.Error(t, err)
	_, err = audit.NewWebhookSink(audit.WebhookConfig{URL: "https://example.com", Method: "GET"})
	assert.Error(t, err)
}

func TestMultiSinkDeliversToAll(t *testing.T) {
	t.Parallel()

	a, b := &audittest.Recorder{}, &audittest.Recorder{}
	boom := errors.New("down")
	b.FailWith(boom)

	err := audit.MultiSink{a, b}.Emit(context.Background(), audit.Event{EventType: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := audit.LogSink{Logger: logging.NewWithWriter(&buf, false)}
	require.NoError(t, sink.Emit(context.Background(), audit.Event{Severity: audit.SeverityCritical, EventType: "breakglass.used", Message: "EMERGENCY ACCESS", Actor: "oncall"}))
	assert.Contains(t, buf.String(), "[CRITICAL] [breakglass.used] EMERGENCY ACCESS (actor: oncall)")
}

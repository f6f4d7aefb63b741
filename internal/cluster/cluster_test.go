package cluster

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/retry"
	"github.com/systmms/teamvault/internal/rotation/gradual"
	"github.com/systmms/teamvault/internal/rotation/health"
	"github.com/systmms/teamvault/pkg/credential"
)

const ns = "apps"

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Timeout: time.Second}

func deployment(name, team string, ready bool) *appsv1.Deployment {
	replicas := int32(2)
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  ns,
			Labels:     map[string]string{TeamLabel: team},
			Generation: 1,
		},
		Spec: appsv1.DeploymentSpec{Replicas: &replicas},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 1,
			UpdatedReplicas:    2,
			ReadyReplicas:      2,
		},
	}
	if !ready {
		d.Status.ReadyReplicas = 1
	}
	return d
}

func newTestKubernetes(objects ...runtime.Object) (*Kubernetes, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	clk := testclock.NewClock(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC))
	return New(client, Config{Namespace: ns, Retry: fastRetry}, clk, logging.Discard()), client
}

func TestApplySecretCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	k, client := newTestKubernetes()
	ctx := context.Background()

	require.NoError(t, k.ApplySecret(ctx, ns, "marketing.social", map[string][]byte{"API_KEY": []byte("v1")}))
	s, err := client.CoreV1().Secrets(ns).Get(ctx, "marketing-social-credentials", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v1", string(s.Data["API_KEY"]))
	assert.Equal(t, ManagedByValue, s.Labels[ManagedByLabel])
	assert.Equal(t, "marketing.social", s.Labels[TeamLabel])

	require.NoError(t, k.ApplySecret(ctx, ns, "marketing.social", map[string][]byte{"API_KEY": []byte("v2")}))
	data, err := k.GetSecret(ctx, ns, "marketing.social")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data["API_KEY"]))
}

func TestApplySecretRefusesUnmanagedSecret(t *testing.T) {
	t.Parallel()

	k, _ := newTestKubernetes(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "eng-credentials", Namespace: ns},
	})
	err := k.ApplySecret(context.Background(), ns, "eng", map[string][]byte{"X": []byte("y")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not managed by teamvault")
}

func TestGetSecretMissing(t *testing.T) {
	t.Parallel()

	k, _ := newTestKubernetes()
	data, err := k.GetSecret(context.Background(), ns, "eng")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestTriggerRefreshStampsPodTemplate(t *testing.T) {
	t.Parallel()

	k, client := newTestKubernetes(deployment("api", "eng", true))
	ctx := context.Background()

	require.NoError(t, k.TriggerRefresh(ctx, ns, []string{"api"}))
	d, err := client.AppsV1().Deployments(ns).Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T03:00:00Z", d.Spec.Template.Annotations[RestartedAtAnnotation])

	err = k.TriggerRefresh(ctx, ns, []string{"missing"})
	assert.Error(t, err)
}

func TestCallRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	k, client := newTestKubernetes()
	calls := 0
	client.PrependReactor("get", "secrets", func(k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		if calls < 3 {
			return true, nil, errors.New("connection reset")
		}
		return false, nil, nil
	})

	_, err := k.GetSecret(context.Background(), ns, "eng")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDiscoverAndReady(t *testing.T) {
	t.Parallel()

	k, _ := newTestKubernetes(
		deployment("worker", "eng", false),
		deployment("api", "eng", true),
		deployment("site", "marketing", true),
	)
	ctx := context.Background()

	instances, err := k.Discover(ctx, ns, "eng")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "apps/api", instances[0].ID)
	assert.Equal(t, "api", instances[0].Target.Workload)

	ready, _, err := k.Ready(ctx, ns, "api")
	require.NoError(t, err)
	assert.True(t, ready)

	ready, msg, err := k.Ready(ctx, ns, "worker")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, "1/2 replicas ready", msg)

	checker := NewReadinessChecker(k)
	result, err := checker.Check(ctx, instances[1].Target)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Equal(t, health.ProtocolKubernetes, checker.Protocol())
}

// memSource is an in-memory credential source.
type memSource map[credential.Key]string

func (m memSource) ListKeys(_ context.Context, pattern string) ([]credential.Key, error) {
	var out []credential.Key
	for k := range m {
		if k.Scope+":*" == pattern {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m memSource) Retrieve(_ context.Context, key credential.Key) (string, error) {
	return m[key], nil
}

type allowNames map[string]bool

func (a allowNames) CanAccess(_ context.Context, _ string, name string) (bool, error) {
	return a[name], nil
}

func TestBundlerResolvesScopeChain(t *testing.T) {
	t.Parallel()

	src := memSource{
		credential.GlobalKey("SMTP"):                   "global-smtp",
		credential.GlobalKey("SECRET_GLOBAL"):          "hidden",
		credential.TeamKey("marketing", "SMTP"):        "marketing-smtp",
		credential.TeamKey("marketing", "SOCIAL"):      "parent-social",
		credential.TeamKey("marketing.paid", "ADS"):    "ads",
		credential.TeamKey("marketing.paid", "SOCIAL"): "child-social",
		credential.TeamKey("sales", "CRM"):             "crm",
	}
	b := NewBundler(src, allowNames{"SMTP": true, "SOCIAL": true, "ADS": true, "CRM": true})

	data, err := b.Bundle(context.Background(), "marketing.paid")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"ADS":    []byte("ads"),
		"SOCIAL": []byte("child-social"),
		"SMTP":   []byte("marketing-smtp"),
	}, data)
}

type stubGate struct{ err error }

func (g stubGate) Watch(context.Context, []health.Target, time.Duration) error { return g.err }

type recordingGate struct {
	mu      sync.Mutex
	targets []health.Target
}

func (g *recordingGate) Watch(_ context.Context, targets []health.Target, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets = append(g.targets, targets...)
	return nil
}

func TestRolloutPublishesAndRestarts(t *testing.T) {
	t.Parallel()

	k, client := newTestKubernetes(deployment("api", "eng", true), deployment("worker", "eng", true))
	src := memSource{credential.TeamKey("eng", "API_KEY"): "new"}
	gate := &recordingGate{}
	strategy := gradual.NewCanaryStrategy(gradual.CanaryConfig{}, gate, nil, logging.Discard())
	r := NewRollout(k, NewBundler(src, allowNames{"API_KEY": true}), strategy, logging.Discard())
	ctx := context.Background()

	require.NoError(t, r.Rollout(ctx, credential.TeamKey("eng", "API_KEY")))

	// Health checks see which credential the wave carries.
	require.NotEmpty(t, gate.targets)
	for _, target := range gate.targets {
		assert.Equal(t, credential.TeamKey("eng", "API_KEY"), target.Credential, target.Name)
	}

	data, err := k.GetSecret(ctx, ns, "eng")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data["API_KEY"]))
	for _, name := range []string{"api", "worker"} {
		d, err := client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
		require.NoError(t, err)
		assert.NotEmpty(t, d.Spec.Template.Annotations[RestartedAtAnnotation], name)
	}

	assert.Error(t, r.Rollout(ctx, credential.GlobalKey("API_KEY")))
}

func TestRolloutWithoutWorkloadsOnlyPublishes(t *testing.T) {
	t.Parallel()

	k, _ := newTestKubernetes()
	src := memSource{credential.TeamKey("eng", "API_KEY"): "new"}
	strategy := gradual.NewCanaryStrategy(gradual.CanaryConfig{}, nil, nil, logging.Discard())
	r := NewRollout(k, NewBundler(src, allowNames{"API_KEY": true}), strategy, logging.Discard())

	require.NoError(t, r.Rollout(context.Background(), credential.TeamKey("eng", "API_KEY")))
	data, err := k.GetSecret(context.Background(), ns, "eng")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data["API_KEY"]))
}

func TestRolloutFailsOnUnhealthyCanary(t *testing.T) {
	t.Parallel()

	k, _ := newTestKubernetes(deployment("api", "eng", true))
	src := memSource{credential.TeamKey("eng", "API_KEY"): "new"}
	gate := stubGate{err: &health.UnhealthyError{Failures: 3, Messages: []string{"readiness"}}}
	strategy := gradual.NewCanaryStrategy(gradual.CanaryConfig{}, gate, nil, logging.Discard())
	r := NewRollout(k, NewBundler(src, allowNames{"API_KEY": true}), strategy, logging.Discard())

	err := r.Rollout(context.Background(), credential.TeamKey("eng", "API_KEY"))
	var unhealthy *health.UnhealthyError
	assert.ErrorAs(t, err, &unhealthy)

	src[credential.TeamKey("eng", "API_KEY")] = "old"
	require.NoError(t, r.Restore(context.Background(), credential.TeamKey("eng", "API_KEY")))
	data, err := k.GetSecret(context.Background(), ns, "eng")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data["API_KEY"]))
}

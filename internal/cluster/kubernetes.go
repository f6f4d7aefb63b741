// Package cluster distributes team credential bundles to Kubernetes as
// Secrets and restarts the team's workloads so they pick them up.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/juju/clock"

	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/retry"
	"github.com/systmms/teamvault/internal/rotation/gradual"
	"github.com/systmms/teamvault/internal/rotation/health"
)

const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "teamvault"
	TeamLabel      = "teamvault.dev/team"

	// RestartedAtAnnotation is patched into pod templates to roll pods.
	RestartedAtAnnotation = "teamvault.dev/restartedAt"

	FieldManager = "teamvault"
)

// Config locates the cluster.
type Config struct {
	// Kubeconfig is a path; empty means in-cluster configuration.
	Kubeconfig string

	// Namespace receives the team Secrets. Default: "default".
	Namespace string

	// Retry bounds every API call.
	Retry retry.Policy
}

// Kubernetes talks to one cluster.
type Kubernetes struct {
	client kubernetes.Interface
	config Config
	clock  clock.Clock
	logger *logging.Logger
}

// New wraps an existing clientset.
func New(client kubernetes.Interface, config Config, clk clock.Clock, logger *logging.Logger) *Kubernetes {
	if config.Namespace == "" {
		config.Namespace = "default"
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Kubernetes{client: client, config: config, clock: clk, logger: logger}
}

// Connect builds a clientset from config.Kubeconfig or the in-cluster
// service account.
func Connect(config Config, clk clock.Clock, logger *logging.Logger) (*Kubernetes, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if config.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", config.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	restConfig.UserAgent = "teamvault"
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(client, config, clk, logger), nil
}

// Namespace returns the configured namespace.
func (k *Kubernetes) Namespace() string {
	return k.config.Namespace
}

// SecretName is the Secret holding team's bundle.
func SecretName(team string) string {
	return strings.ReplaceAll(team, ".", "-") + "-credentials"
}

func teamLabels(team string) map[string]string {
	return map[string]string{
		ManagedByLabel: ManagedByValue,
		TeamLabel:      team,
	}
}

// ApplySecret writes data as the team's Secret, creating it if needed.
func (k *Kubernetes) ApplySecret(ctx context.Context, namespace, team string, data map[string][]byte) error {
	name := SecretName(team)
	secrets := k.client.CoreV1().Secrets(namespace)

	return k.call(ctx, "cluster.apply_secret", namespace+"/"+name, func(ctx context.Context) error {
		existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			_, err = secrets.Create(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      name,
					Namespace: namespace,
					Labels:    teamLabels(team),
				},
				Type: corev1.SecretTypeOpaque,
				Data: data,
			}, metav1.CreateOptions{FieldManager: FieldManager})
			return err
		}
		if err != nil {
			return err
		}
		if existing.Labels[ManagedByLabel] != ManagedByValue {
			return retry.Permanent(fmt.Errorf("secret %s/%s exists and is not managed by teamvault", namespace, name))
		}
		updated := existing.DeepCopy()
		updated.Data = data
		for key, value := range teamLabels(team) {
			updated.Labels[key] = value
		}
		_, err = secrets.Update(ctx, updated, metav1.UpdateOptions{FieldManager: FieldManager})
		return err
	})
}

// GetSecret returns the team's current bundle, or nil when absent.
func (k *Kubernetes) GetSecret(ctx context.Context, namespace, team string) (map[string][]byte, error) {
	name := SecretName(team)
	var data map[string][]byte
	err := k.call(ctx, "cluster.get_secret", namespace+"/"+name, func(ctx context.Context) error {
		s, err := k.client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			data = nil
			return nil
		}
		if err != nil {
			return err
		}
		data = s.Data
		return nil
	})
	return data, err
}

// TriggerRefresh rolls the pods of each deployment by stamping the pod
// template.
func (k *Kubernetes) TriggerRefresh(ctx context.Context, namespace string, deployments []string) error {
	stamp := k.clock.Now().UTC().Format(time.RFC3339Nano)
	patch := []byte(fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`, RestartedAtAnnotation, stamp))
	client := k.client.AppsV1().Deployments(namespace)

	for _, name := range deployments {
		name := name
		err := k.call(ctx, "cluster.refresh", namespace+"/"+name, func(ctx context.Context) error {
			_, err := client.Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{FieldManager: FieldManager})
			return err
		})
		if err != nil {
			return err
		}
		k.logger.Debug("Restarted deployment %s/%s", namespace, name)
	}
	return nil
}

// Discover lists the deployments labelled with team, sorted by name.
func (k *Kubernetes) Discover(ctx context.Context, namespace, team string) ([]gradual.Instance, error) {
	selector := labels.SelectorFromSet(labels.Set{TeamLabel: team}).String()
	var list *appsv1.DeploymentList
	err := k.call(ctx, "cluster.discover", namespace+"/"+team, func(ctx context.Context) error {
		var err error
		list, err = k.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		return err
	})
	if err != nil {
		return nil, err
	}

	instances := make([]gradual.Instance, 0, len(list.Items))
	for _, d := range list.Items {
		instances = append(instances, gradual.Instance{
			ID:     d.Namespace + "/" + d.Name,
			Labels: d.Labels,
			Target: health.Target{
				Name:      d.Namespace + "/" + d.Name,
				Namespace: d.Namespace,
				Workload:  d.Name,
			},
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// Ready reports whether every replica of the deployment is updated and
// ready. The message explains a false result.
func (k *Kubernetes) Ready(ctx context.Context, namespace, deployment string) (bool, string, error) {
	var d *appsv1.Deployment
	err := k.call(ctx, "cluster.ready", namespace+"/"+deployment, func(ctx context.Context) error {
		var err error
		d, err = k.client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
		return err
	})
	if err != nil {
		return false, "", err
	}

	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	switch {
	case d.Generation > d.Status.ObservedGeneration:
		return false, "rollout not yet observed", nil
	case d.Status.UpdatedReplicas < want:
		return false, fmt.Sprintf("%d/%d replicas updated", d.Status.UpdatedReplicas, want), nil
	case d.Status.ReadyReplicas < want:
		return false, fmt.Sprintf("%d/%d replicas ready", d.Status.ReadyReplicas, want), nil
	}
	return true, fmt.Sprintf("%d/%d replicas ready", d.Status.ReadyReplicas, want), nil
}

// call retries fn under the configured policy. Errors the API server will
// repeat are not retried.
func (k *Kubernetes) call(ctx context.Context, op, target string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, k.config.Retry, op, target, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func isPermanent(err error) bool {
	return k8serrors.IsNotFound(err) ||
		k8serrors.IsForbidden(err) ||
		k8serrors.IsUnauthorized(err) ||
		k8serrors.IsInvalid(err) ||
		k8serrors.IsBadRequest(err)
}

// ReadinessChecker gates rollout waves on deployment readiness.
type ReadinessChecker struct {
	k *Kubernetes
}

// NewReadinessChecker returns a health checker backed by k.
func NewReadinessChecker(k *Kubernetes) *ReadinessChecker {
	return &ReadinessChecker{k: k}
}

// Name returns the checker name.
func (c *ReadinessChecker) Name() string {
	return "deployment-readiness"
}

// Protocol returns the protocol type.
func (c *ReadinessChecker) Protocol() health.ProtocolType {
	return health.ProtocolKubernetes
}

// Check reports the readiness of the target deployment.
func (c *ReadinessChecker) Check(ctx context.Context, target health.Target) (health.HealthResult, error) {
	start := time.Now()
	if target.Workload == "" {
		return health.HealthResult{Healthy: true, Message: "no workload", Timestamp: start}, nil
	}
	ns := target.Namespace
	if ns == "" {
		ns = c.k.Namespace()
	}
	ready, msg, err := c.k.Ready(ctx, ns, target.Workload)
	return health.HealthResult{
		Healthy:   err == nil && ready,
		Message:   msg,
		Duration:  time.Since(start),
		Timestamp: start,
	}, err
}

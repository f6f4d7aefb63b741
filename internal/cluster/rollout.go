package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/rotation/gradual"
	"github.com/systmms/teamvault/pkg/credential"
)

// Rollout pushes a team's bundle to the cluster and restarts the team's
// workloads in canary waves.
type Rollout struct {
	k        *Kubernetes
	bundler  *Bundler
	strategy *gradual.CanaryStrategy
	logger   *logging.Logger

	mu    sync.Mutex
	teams map[string]*sync.Mutex
}

// NewRollout creates a rollout over k.
func NewRollout(k *Kubernetes, bundler *Bundler, strategy *gradual.CanaryStrategy, logger *logging.Logger) *Rollout {
	return &Rollout{
		k:        k,
		bundler:  bundler,
		strategy: strategy,
		logger:   logger,
		teams:    make(map[string]*sync.Mutex),
	}
}

// teamLock serializes bundle-and-apply per team so concurrent rotations
// of two credentials cannot publish a stale bundle last.
func (r *Rollout) teamLock(team string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.teams[team]
	if !ok {
		m = &sync.Mutex{}
		r.teams[team] = m
	}
	return m
}

// Rollout publishes the current bundle of key's team and restarts its
// workloads wave by wave, failing if any wave turns unhealthy.
func (r *Rollout) Rollout(ctx context.Context, key credential.Key) error {
	if key.IsGlobal() {
		return fmt.Errorf("cluster rollout requires a team-scoped credential, got %s", key)
	}
	team := key.Team()
	ns := r.k.Namespace()

	lock := r.teamLock(team)
	lock.Lock()
	err := r.publish(ctx, ns, team)
	lock.Unlock()
	if err != nil {
		return err
	}

	instances, err := r.k.Discover(ctx, ns, team)
	if err != nil {
		return err
	}
	for i := range instances {
		instances[i].Target.Credential = key
	}
	plan, err := r.strategy.Plan(instances)
	if errors.Is(err, gradual.ErrNoInstances) {
		r.logger.Info("No workloads labelled for team %s, secret updated only", team)
		return nil
	}
	if err != nil {
		return err
	}

	status, err := r.strategy.Execute(ctx, plan, waveExecutor{k: r.k, namespace: ns})
	if err != nil {
		r.logger.Warn("Rollout of %s stopped after %d of %d waves", key, status.CurrentWave+1, status.TotalWaves)
		return err
	}
	return nil
}

// Restore republishes the team's bundle after the primary value was
// reverted and restarts every workload so none keeps the rejected value.
func (r *Rollout) Restore(ctx context.Context, key credential.Key) error {
	if key.IsGlobal() {
		return nil
	}
	team := key.Team()
	ns := r.k.Namespace()

	lock := r.teamLock(team)
	lock.Lock()
	err := r.publish(ctx, ns, team)
	lock.Unlock()
	if err != nil {
		return err
	}

	instances, err := r.k.Discover(ctx, ns, team)
	if err != nil {
		return err
	}
	return waveExecutor{k: r.k, namespace: ns}.ExecuteWave(ctx, gradual.RolloutWave{Instances: instances})
}

func (r *Rollout) publish(ctx context.Context, namespace, team string) error {
	data, err := r.bundler.Bundle(ctx, team)
	if err != nil {
		return err
	}
	if err := r.k.ApplySecret(ctx, namespace, team, data); err != nil {
		return err
	}
	r.logger.Info("Published %d credentials to %s/%s", len(data), namespace, SecretName(team))
	return nil
}

type waveExecutor struct {
	k         *Kubernetes
	namespace string
}

func (w waveExecutor) ExecuteWave(ctx context.Context, wave gradual.RolloutWave) error {
	names := make([]string, 0, len(wave.Instances))
	for _, inst := range wave.Instances {
		names = append(names, inst.Target.Workload)
	}
	return w.k.TriggerRefresh(ctx, w.namespace, names)
}

package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"k8s.io/client-go/kubernetes"

	"github.com/systmms/teamvault/internal/access"
	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/breakglass"
	"github.com/systmms/teamvault/internal/cipher"
	"github.com/systmms/teamvault/internal/cluster"
	"github.com/systmms/teamvault/internal/config"
	"github.com/systmms/teamvault/internal/credstore"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/internal/logging"
	"github.com/systmms/teamvault/internal/rotation/gradual"
	"github.com/systmms/teamvault/internal/rotation/health"
	"github.com/systmms/teamvault/internal/rotation/notifications"
	"github.com/systmms/teamvault/internal/storage/sqlite"
	"github.com/systmms/teamvault/pkg/credential"
	"github.com/systmms/teamvault/pkg/rotation"
)

// Options override what Open would otherwise build from configuration.
type Options struct {
	Clock  clock.Clock
	Logger *logging.Logger

	// Secret replaces the configured master secret source.
	Secret cipher.SecretSource
	// Kubernetes replaces the clientset built from cluster.kubeconfig and
	// enables distribution even when cluster.enabled is false.
	Kubernetes kubernetes.Interface
	// Sink receives audit events in addition to the configured sinks.
	Sink audit.Sink
	MFA  breakglass.MFAVerifier
	// Strategies replaces the built-in strategy table before the
	// configured periods and rollout kinds are applied.
	Strategies rotation.Strategies
}

// Open builds a vault from def. On error everything opened so far is
// released.
func Open(ctx context.Context, def *config.Definition, opts Options) (_ *Vault, err error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := opts.Logger

	// release runs in reverse on failure; closers is handed to the Vault.
	var release, closers []func() error
	defer func() {
		if err != nil {
			for i := len(release) - 1; i >= 0; i-- {
				_ = release[i]()
			}
		}
	}()

	db, err := sqlite.Open(def.DatabasePath())
	if err != nil {
		return nil, err
	}
	release = append(release, db.Close)

	sink, sinkClosers, err := buildSink(def, opts.Sink, logger)
	release = append(release, sinkClosers...)
	closers = append(closers, sinkClosers...)
	if err != nil {
		return nil, err
	}
	auditor := audit.NewAuditor(sink, clk, logger)

	store, err := openStore(ctx, db, def, opts, clk, auditor, logger)
	if err != nil {
		return nil, err
	}
	release = append(release, func() error { store.Close(); return nil })

	engine := access.NewEngine(db, clk, auditor, logger)
	if len(def.Access.Bootstrap) > 0 {
		seeded, err := engine.Bootstrap(ctx, access.RuleSet(def.Access.Bootstrap))
		if err != nil {
			return nil, err
		}
		if seeded {
			logger.Info("Seeded access rules for %d scopes", len(def.Access.Bootstrap))
		}
	}

	bg := breakglass.NewManager(db, breakglass.Options{
		DefaultDuration: def.BreakGlass.DefaultDuration.D(),
		MaxDuration:     def.BreakGlass.MaxDuration.D(),
		MFA:             opts.MFA,
		Clock:           clk,
		Auditor:         auditor,
		Logger:          logger,
	})

	strategies, err := buildStrategies(def, opts.Strategies)
	if err != nil {
		return nil, err
	}

	rotOpts := rotation.Options{
		Strategies:           strategies,
		GracePeriod:          def.Rotation.GracePeriod.D(),
		EmergencyGracePeriod: def.Rotation.EmergencyGracePeriod.D(),
		CallTimeout:          def.Rotation.CallTimeout.D(),
		RolloutTimeout:       def.Rotation.RolloutTimeout.D(),
		StaleAfter:           def.Rotation.StaleAfter.D(),
		MaxConcurrent:        def.Rotation.MaxConcurrent,
		Bus:                  notifications.NewManager(0, def.Rotation.CallTimeout.D(), logger),
		Clock:                clk,
		Auditor:              auditor,
		Logger:               logger,
	}

	k8s, err := connectCluster(def, opts, clk, logger)
	if err != nil {
		return nil, err
	}
	gate, checkClosers, err := buildGate(def, store, k8s, clk, logger)
	release = append(release, checkClosers...)
	closers = append(closers, checkClosers...)
	if err != nil {
		return nil, err
	}
	if k8s != nil {
		canary := gradual.NewCanaryStrategy(canaryConfig(def.Rotation.Canary), gate, clk, logger)
		rotOpts.Cluster = cluster.NewRollout(k8s, cluster.NewBundler(store, engine), canary, logger)
	}

	rm, err := rotation.NewManager(store, rotOpts)
	if err != nil {
		return nil, err
	}

	return New(Components{
		DB:         db,
		Store:      store,
		Access:     engine,
		BreakGlass: bg,
		Rotation:   rm,
		Auditor:    auditor,
		Clock:      clk,
		Logger:     logger,
		closers:    closers,
	})
}

func openStore(ctx context.Context, db *sqlite.DB, def *config.Definition, opts Options, clk clock.Clock, auditor *audit.Auditor, logger *logging.Logger) (*credstore.Store, error) {
	source := opts.Secret
	if source == nil {
		var err error
		source, err = def.SecretSource()
		if err != nil {
			return nil, err
		}
	}
	secret, err := source.MasterSecret(ctx)
	if err != nil {
		return nil, vaulterrors.UserError{
			Message:    "could not read the master secret from " + source.Describe(),
			Suggestion: "Check master_secret in teamvault.yaml",
			Err:        err,
		}
	}
	defer wipe(secret)

	var kdf cipher.KDFParams
	if def.KDF != nil {
		kdf = *def.KDF
	}
	store, err := credstore.Open(ctx, db, secret, credstore.Options{
		KeyPath: def.KeyPath(),
		KDF:     kdf,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		if errors.Is(err, vaulterrors.ErrCryptoFailure) {
			_ = auditor.Critical(ctx, audit.EventCryptoFailure, "system",
				"failed to unlock vault with "+source.Describe(), nil)
		}
		return nil, err
	}
	return store, nil
}

func buildSink(def *config.Definition, extra audit.Sink, logger *logging.Logger) (audit.Sink, []func() error, error) {
	file, err := audit.NewFileSink(def.AuditPath())
	if err != nil {
		return nil, nil, err
	}
	sinks := audit.MultiSink{file}
	closers := []func() error{file.Close}

	if def.Audit.Log {
		sinks = append(sinks, audit.LogSink{Logger: logger})
	}
	for _, w := range def.Audit.Webhooks {
		var minSeverity audit.Severity
		if w.MinSeverity != "" {
			if minSeverity, err = audit.ParseSeverity(w.MinSeverity); err != nil {
				return nil, closers, fmt.Errorf("audit webhook %s: %w", w.Name, err)
			}
		}
		hook, err := audit.NewWebhookSink(audit.WebhookConfig{
			Name:        w.Name,
			URL:         w.URL,
			Method:      w.Method,
			Headers:     w.Headers,
			MinSeverity: minSeverity,
			Timeout:     w.Timeout.D(),
			Retry:       w.Retry.Policy(),
		})
		if err != nil {
			return nil, closers, err
		}
		sinks = append(sinks, hook)
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	return sinks, closers, nil
}

func buildStrategies(def *config.Definition, base rotation.Strategies) (rotation.Strategies, error) {
	strategies := rotation.DefaultStrategies()
	if base != nil {
		strategies = base.Clone()
	}
	for name, period := range def.Rotation.Periods {
		t, err := credential.ParseType(name)
		if err != nil {
			return nil, err
		}
		s := strategies[t]
		s.Period = period.D()
		strategies[t] = s
	}
	for name, kind := range def.Rotation.Rollout {
		t, err := credential.ParseType(name)
		if err != nil {
			return nil, err
		}
		k, err := rotation.ParseRolloutKind(kind)
		if err != nil {
			return nil, err
		}
		s := strategies[t]
		s.Rollout = k
		strategies[t] = s
	}
	return strategies, nil
}

func connectCluster(def *config.Definition, opts Options, clk clock.Clock, logger *logging.Logger) (*cluster.Kubernetes, error) {
	cfg := cluster.Config{
		Kubeconfig: def.Cluster.Kubeconfig,
		Namespace:  def.Cluster.Namespace,
		Retry:      def.Cluster.Retry.Policy(),
	}
	if opts.Kubernetes != nil {
		return cluster.New(opts.Kubernetes, cfg, clk, logger), nil
	}
	if !def.Cluster.Enabled {
		return nil, nil
	}
	return cluster.Connect(cfg, clk, logger)
}

func buildGate(def *config.Definition, store *credstore.Store, k8s *cluster.Kubernetes, clk clock.Clock, logger *logging.Logger) (*health.Gate, []func() error, error) {
	hc := def.HealthChecks
	gate := health.NewGate(health.GateConfig{
		Interval:         hc.Interval.D(),
		FailureThreshold: hc.FailureThreshold,
	}, clk, logger)

	var closers []func() error
	if hc.Kubernetes && k8s != nil {
		gate.RegisterChecker(cluster.NewReadinessChecker(k8s))
	}
	for _, c := range hc.SQL {
		cfg := health.DefaultSQLHealthConfig()
		if c.LatencyThreshold > 0 {
			cfg.QueryLatencyThreshold = c.LatencyThreshold.D()
		}
		checker, err := health.OpenSQLHealthChecker(c.Name, c.Driver, c.DSN, cfg)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, checker.Close)
		gate.RegisterChecker(checker)
	}
	for _, c := range hc.HTTP {
		cfg := health.DefaultHTTPHealthConfig()
		cfg.Endpoint = c.Endpoint
		cfg.Headers = c.Headers
		cfg.CredentialHeader = c.CredentialHeader
		cfg.CredentialPrefix = c.CredentialPrefix
		if len(c.ExpectedStatus) > 0 {
			cfg.ExpectedStatusCodes = c.ExpectedStatus
		}
		if c.Timeout > 0 {
			cfg.Timeout = c.Timeout.D()
		}
		gate.RegisterChecker(health.NewHTTPHealthChecker(c.Name, cfg, store.Retrieve, clk))
	}
	return gate, closers, nil
}

func canaryConfig(c config.CanaryConfig) gradual.CanaryConfig {
	out := gradual.CanaryConfig{HealthMonitoringDuration: c.HealthMonitoring.D()}
	for _, w := range c.Waves {
		out.Waves = append(out.Waves, gradual.WavePercentage{
			Percentage:               w.Percentage,
			HealthMonitoringDuration: w.Monitor.D(),
			WaitDuration:             w.Wait.D(),
		})
	}
	if len(out.Waves) == 0 {
		out.Waves = gradual.DefaultCanaryConfig().Waves
	}
	return out
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

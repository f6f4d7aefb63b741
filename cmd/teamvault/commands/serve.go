package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/systmms/teamvault/internal/config"
	"github.com/systmms/teamvault/internal/metrics"
	"github.com/systmms/teamvault/internal/scheduler"
	"github.com/systmms/teamvault/pkg/vault"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand(cfg *config.Config) *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled rotation and expose metrics",
		Long: `Run the vault's background work until interrupted:

  - recover rotations interrupted by a previous process
  - rotate every credential that is due on rotation.schedule
  - delete expired, unused break-glass tokens

With metrics.enabled, Prometheus metrics and health endpoints are served on
metrics.listen.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer v.Close()
			v.Rotation().StartNotifications(ctx)
			defer v.Rotation().StopNotifications()
			def := cfg.Definition
			logger := cfg.Logger

			if def.Metrics.Enabled {
				srvCfg := metrics.DefaultServerConfig()
				srvCfg.Listen = def.Metrics.Listen
				srvCfg.Path = def.Metrics.Path
				srv := metrics.NewServer(srvCfg, v.Ping, logger)
				if err := srv.Start(); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					_ = srv.Stop(shutdownCtx)
				}()
			}

			sched, err := newScheduler(def.Rotation.Schedule, v, cfg)
			if err != nil {
				return err
			}
			if runNow {
				if err := sched.RunOnce(ctx); err != nil {
					logger.Error("Initial run: %v", err)
				}
			} else if _, err := v.Rotation().Recover(ctx); err != nil {
				logger.Error("Recovery: %v", err)
			}

			if err := sched.Start(ctx); err != nil {
				return err
			}
			logger.Info("Serving; next run at %s", sched.Next(time.Now()).Local().Format(time.RFC3339))
			<-ctx.Done()
			sched.Stop()
			logger.Info("Shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&runNow, "run-now", false, "Run the scheduled jobs once at startup")
	return cmd
}

// newScheduler registers the periodic vault jobs in the order they must run.
func newScheduler(expr string, v *vault.Vault, cfg *config.Config) (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(expr, clock.WallClock, cfg.Logger)
	if err != nil {
		return nil, err
	}
	sched.Add("recover", func(ctx context.Context) error {
		summary, err := v.Rotation().Recover(ctx)
		if err != nil {
			return err
		}
		if len(summary.Failed) > 0 {
			return fmt.Errorf("%d rotations could not be recovered", len(summary.Failed))
		}
		return nil
	})
	sched.Add("rotate", func(ctx context.Context) error {
		summary, err := v.Rotation().CheckAndRotateAll(ctx)
		if err != nil {
			return err
		}
		cfg.Logger.Info("Scheduled rotation: %d rotated, %d failed, %d skipped",
			len(summary.Rotated), len(summary.Failed), len(summary.Skipped))
		return summaryError(summary)
	})
	sched.Add("breakglass-cleanup", func(ctx context.Context) error {
		_, err := v.BreakGlass().CleanupExpired(ctx)
		return err
	})
	return sched, nil
}

package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/teamvault/internal/config"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/pkg/rotation"
	"github.com/systmms/teamvault/pkg/vault"
)

// NewRotationCommand creates the parent 'rotation' command
func NewRotationCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Rotate credentials and inspect the rotation schedule",
		Long: `Rotate credentials on demand, run the scheduled check, or rotate
everything after a suspected compromise.

During a rotation the old and new values both validate for the grace
period, then only the new value remains.`,
		Example: `  # Rotate one credential now
  teamvault rotation rotate DB_PASSWORD --team eng

  # Rotate everything that is due
  teamvault rotation check

  # Show the schedule
  teamvault rotation schedule --format json`,
	}

	cmd.AddCommand(
		newRotationRotateCmd(cfg),
		newRotationCheckCmd(cfg),
		newRotationEmergencyCmd(cfg),
		newRotationScheduleCmd(cfg),
		newRotationRecoverCmd(cfg),
	)
	return cmd
}

func newRotationRotateCmd(cfg *config.Config) *cobra.Command {
	var team string

	cmd := &cobra.Command{
		Use:   "rotate <name>",
		Short: "Rotate one credential now",
		Long: `Rotate a credential and wait until its grace period ends. Interrupting
the command leaves the rotation to 'teamvault rotation recover'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				if err := v.Rotation().RotateCredential(ctx, args[0], team); err != nil {
					return err
				}
				cfg.Logger.Info("Rotated %s", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Owning team (default: global)")
	return cmd
}

func newRotationCheckCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Rotate every credential that is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				summary, err := v.Rotation().CheckAndRotateAll(ctx)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), summary)
				return summaryError(summary)
			})
		},
	}
}

func newRotationEmergencyCmd(cfg *config.Config) *cobra.Command {
	var (
		reason string
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Rotate every credential immediately",
		Long: `Rotate all credentials concurrently, for example after a suspected
breach. Credentials already rotating are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && cfg.NonInteractive {
				return vaulterrors.UserError{
					Message:    "Emergency rotation needs confirmation",
					Suggestion: "Pass --yes to confirm in non-interactive mode",
				}
			}
			if !yes && !confirm(cmd, "Rotate ALL credentials now?") {
				return vaulterrors.UserError{Message: "Emergency rotation cancelled"}
			}
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				summary, err := v.Rotation().EmergencyRotateAll(ctx, reason)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), summary)
				return summaryError(summary)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why every credential must rotate (required)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newRotationScheduleCmd(cfg *config.Config) *cobra.Command {
	var (
		format  string
		overdue bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show when each credential next rotates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				entries, err := v.GetRotationSchedule(ctx)
				if err != nil {
					return err
				}
				if overdue {
					filtered := entries[:0]
					for _, e := range entries {
						if e.Overdue {
							filtered = append(filtered, e)
						}
					}
					entries = filtered
				}
				return writeOutput(cmd.OutOrStdout(), format, entries, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TEAM\tCREDENTIAL\tTYPE\tLAST ROTATED\tNEXT ROTATION\tSTATUS")
					for _, e := range entries {
						status := "ok"
						if e.Overdue {
							status = "OVERDUE"
						}
						team := e.Team
						if team == "" {
							team = "global"
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", team, e.Credential, e.Type,
							formatOptionalTime(e.LastRotated, "never"),
							e.NextRotation.Local().Format("2006-01-02 15:04"), status)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "Only show overdue credentials")
	return cmd
}

func newRotationRecoverCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Finish or revert rotations left behind by an interrupted process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				summary, err := v.Rotation().Recover(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Finished: %d  Reverted: %d  Failed: %d\n",
					len(summary.Finished), len(summary.Reverted), len(summary.Failed))
				if len(summary.Failed) > 0 {
					return fmt.Errorf("could not recover %s", strings.Join(summary.Failed, ", "))
				}
				return nil
			})
		},
	}
}

func printSummary(w io.Writer, s rotation.Summary) {
	fmt.Fprintf(w, "Rotated: %d  Failed: %d  Skipped: %d\n", len(s.Rotated), len(s.Failed), len(s.Skipped))
	for _, k := range s.Rotated {
		fmt.Fprintf(w, "  rotated  %s\n", k)
	}
	for _, k := range s.Failed {
		fmt.Fprintf(w, "  failed   %s: %v\n", k, s.Errors[k])
	}
}

func summaryError(s rotation.Summary) error {
	if len(s.Failed) == 0 {
		return nil
	}
	failed := append([]string(nil), s.Failed...)
	sort.Strings(failed)
	return fmt.Errorf("%d credentials failed to rotate: %s", len(failed), strings.Join(failed, ", "))
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", prompt)
	var answer string
	_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

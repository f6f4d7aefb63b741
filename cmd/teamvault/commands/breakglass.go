package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/teamvault/internal/breakglass"
	"github.com/systmms/teamvault/internal/config"
	"github.com/systmms/teamvault/pkg/vault"
)

// NewBreakGlassCommand creates the parent 'breakglass' command
func NewBreakGlassCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "breakglass",
		Aliases: []string{"break-glass"},
		Short:   "Emergency access tokens",
		Long: `Break-glass tokens are short-lived, single-use bearer tokens for
emergencies. Every request, use and rejection is audited as critical.`,
		Example: `  TOKEN=$(teamvault breakglass request --reason "primary db down" --duration 30m)
  teamvault breakglass use "$TOKEN" --action "read eng:DB_PASSWORD"
  teamvault breakglass trail --since 168h`,
	}

	cmd.AddCommand(
		newBreakGlassRequestCmd(cfg),
		newBreakGlassUseCmd(cfg),
		newBreakGlassCleanupCmd(cfg),
		newBreakGlassTrailCmd(cfg),
	)
	return cmd
}

func newBreakGlassRequestCmd(cfg *config.Config) *cobra.Command {
	var (
		reason   string
		duration time.Duration
		mfa      bool
		mfaCode  string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Issue a break-glass token",
		Long: `Issue a token and print its secret. The secret is shown only once; the
vault keeps only its digest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				secret, err := v.RequestBreakGlass(ctx, breakglass.CreateRequest{
					CreatedBy:  currentActor(),
					Reason:     reason,
					Duration:   duration,
					RequireMFA: mfa,
					MFACode:    mfaCode,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), secret)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why emergency access is needed (required)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Token lifetime (default from breakglass.default_duration)")
	cmd.Flags().BoolVar(&mfa, "mfa", false, "Require a second factor")
	cmd.Flags().StringVar(&mfaCode, "mfa-code", "", "Second factor code")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newBreakGlassUseCmd(cfg *config.Config) *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "use <token>",
		Short: "Consume a token for an emergency action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				if err := v.UseBreakGlass(ctx, args[0], action, currentActor()); err != nil {
					return err
				}
				cfg.Logger.Critical("EMERGENCY ACCESS granted for: %s", action)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "The action the token authorises (required)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newBreakGlassCleanupCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired, unused tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				n, err := v.BreakGlass().CleanupExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired tokens\n", n)
				return nil
			})
		},
	}
}

type tokenView struct {
	ID          string     `json:"id" yaml:"id"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" yaml:"expires_at"`
	CreatedBy   string     `json:"created_by" yaml:"created_by"`
	Reason      string     `json:"reason" yaml:"reason"`
	MFAVerified bool       `json:"mfa_verified" yaml:"mfa_verified"`
	Used        bool       `json:"used" yaml:"used"`
	UsedAt      *time.Time `json:"used_at,omitempty" yaml:"used_at,omitempty"`
	UsedBy      string     `json:"used_by,omitempty" yaml:"used_by,omitempty"`
}

func newBreakGlassTrailCmd(cfg *config.Config) *cobra.Command {
	var (
		since  time.Duration
		format string
	)

	cmd := &cobra.Command{
		Use:   "trail",
		Short: "List issued tokens, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				tokens, err := v.BreakGlass().AuditTrail(ctx, from)
				if err != nil {
					return err
				}
				views := make([]tokenView, 0, len(tokens))
				for _, t := range tokens {
					views = append(views, tokenView(t))
				}
				return writeOutput(cmd.OutOrStdout(), format, views, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tCREATED\tBY\tREASON\tEXPIRES\tUSED BY")
					for _, t := range tokens {
						usedBy := "-"
						if t.Used {
							usedBy = t.UsedBy
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID,
							t.CreatedAt.Local().Format("2006-01-02 15:04"), t.CreatedBy, t.Reason,
							t.ExpiresAt.Local().Format("2006-01-02 15:04"), usedBy)
					}
				})
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "Only tokens issued within this window (default: all)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/teamvault/internal/config"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/pkg/vault"
)

// NewAccessCommand creates the parent 'access' command
func NewAccessCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Manage which teams may use which credentials",
		Long: `Access rules grant a team every credential name matching a glob
pattern. Rules of the global scope apply to every team, and a team
inherits the rules of its parent namespaces.`,
		Example: `  teamvault access grant eng 'DB_*'
  teamvault access grant global SLACK_WEBHOOK
  teamvault access show marketing.social`,
	}

	cmd.AddCommand(
		newAccessGrantCmd(cfg),
		newAccessRevokeCmd(cfg),
		newAccessShowCmd(cfg),
	)
	return cmd
}

func newAccessGrantCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <team> <pattern>",
		Short: "Grant a team access to credentials matching pattern",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				if err := v.Access().GrantAccess(ctx, args[0], args[1], currentActor()); err != nil {
					return err
				}
				cfg.Logger.Info("Granted %s access to %s", args[0], args[1])
				return nil
			})
		},
	}
}

func newAccessRevokeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <team> <pattern>",
		Short: "Remove a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				removed, err := v.Access().RevokeAccess(ctx, args[0], args[1], currentActor())
				if err != nil {
					return err
				}
				if !removed {
					return vaulterrors.UserError{
						Message:    fmt.Sprintf("%s has no rule %q", args[0], args[1]),
						Suggestion: "List rules with 'teamvault access show " + args[0] + "'",
					}
				}
				cfg.Logger.Info("Revoked %s access to %s", args[0], args[1])
				return nil
			})
		},
	}
}

type ruleView struct {
	Team      string    `json:"team" yaml:"team"`
	Pattern   string    `json:"pattern" yaml:"pattern"`
	GrantedAt time.Time `json:"granted_at" yaml:"granted_at"`
	GrantedBy string    `json:"granted_by" yaml:"granted_by"`
}

func newAccessShowCmd(cfg *config.Config) *cobra.Command {
	var (
		format    string
		effective bool
	)

	cmd := &cobra.Command{
		Use:   "show [team]",
		Short: "Show access rules",
		Long: `Show the rules stored for a team, or for every team. With --effective
the patterns that apply to the team through global and parent rules are
listed as well.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var team string
			if len(args) == 1 {
				team = args[0]
			}
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				if effective {
					if team == "" {
						return vaulterrors.UserError{Message: "--effective needs a team", Suggestion: "teamvault access show <team> --effective"}
					}
					patterns, err := v.Access().GetTeamCredentials(ctx, team)
					if err != nil {
						return err
					}
					return writeOutput(cmd.OutOrStdout(), format, patterns, func(w *tabwriter.Writer) {
						fmt.Fprintln(w, "PATTERN")
						for _, p := range patterns {
							fmt.Fprintln(w, p)
						}
					})
				}

				rules, err := v.Access().ListRules(ctx, team)
				if err != nil {
					return err
				}
				views := make([]ruleView, 0, len(rules))
				for _, r := range rules {
					views = append(views, ruleView(r))
				}
				return writeOutput(cmd.OutOrStdout(), format, views, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TEAM\tPATTERN\tGRANTED BY\tGRANTED AT")
					for _, r := range rules {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Team, r.Pattern, r.GrantedBy, r.GrantedAt.Local().Format("2006-01-02 15:04"))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	cmd.Flags().BoolVar(&effective, "effective", false, "Include inherited and global patterns")
	return cmd
}

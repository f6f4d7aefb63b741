package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/teamvault/internal/config"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/pkg/credential"
	"github.com/systmms/teamvault/pkg/vault"
)

func NewGetCommand(cfg *config.Config) *cobra.Command {
	var (
		team       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Get a credential value as a team",
		Long: `Retrieve a credential the team is allowed to read.

The team's own credential is preferred, then those of its parent
namespaces, then the global one. Only the raw value is printed, making
the command suitable for scripting.`,
		Example: `  # Read the database password as the eng team
  teamvault get DB_PASSWORD --team eng

  # Use in scripts
  export DB_PASSWORD=$(teamvault get DB_PASSWORD --team eng)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				value, err := v.GetCredential(ctx, team, name)
				if err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Fprint(cmd.OutOrStdout(), value)
					return nil
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]string{"team": team, "name": name, "value": value})
			})
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Team requesting the credential (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("team")

	return cmd
}

func NewSetCommand(cfg *config.Config) *cobra.Command {
	var (
		team  string
		value string
		typ   string
	)

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a credential value in a team's scope",
		Long: `Store or overwrite a credential in the team's own scope. The team must
already be allowed to use the name. Pass --value - to read the value from
stdin so it stays out of shell history.`,
		Example: `  echo -n "$TOKEN" | teamvault set API_KEY --team eng --value -`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseOptionalType(typ)
			if err != nil {
				return err
			}
			val, err := readValue(cmd, value)
			if err != nil {
				return err
			}
			if val == "" {
				return vaulterrors.UserError{Message: "Credential value is empty", Suggestion: "Use --value <value> or --value - to read stdin"}
			}
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				if err := v.SetCredential(ctx, team, args[0], val, t); err != nil {
					return err
				}
				cfg.Logger.Info("Stored %s for %s", args[0], team)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Owning team, or global (required)")
	cmd.Flags().StringVar(&value, "value", "-", "Credential value, or - for stdin")
	cmd.Flags().StringVar(&typ, "type", "", "Credential type (default: keep existing)")
	_ = cmd.MarkFlagRequired("team")

	return cmd
}

func NewCreateCommand(cfg *config.Config) *cobra.Command {
	var (
		team      string
		value     string
		typ       string
		expiresIn time.Duration
		attrs     []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a credential and grant its owner team access",
		Long: `Create a new credential. Without --value a value is generated the same
way rotation would generate it for the type. A team-owned credential is
granted to its team by exact name.`,
		Example: `  teamvault create DB_PASSWORD --team eng --type database
  teamvault create SLACK_WEBHOOK --type webhook --value https://hooks.example/abc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := credential.ParseType(typ)
			if err != nil {
				return vaulterrors.UserError{Message: err.Error(), Suggestion: "Valid types: " + typeList()}
			}
			val := value
			if val == "-" {
				if val, err = readValue(cmd, val); err != nil {
					return err
				}
			}
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				key, err := v.CreateCredential(ctx, vault.CreateRequest{
					Name:       args[0],
					Team:       team,
					Value:      val,
					Type:       t,
					ExpiresIn:  expiresIn,
					Attributes: attributes,
					Actor:      currentActor(),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Owning team (default: global)")
	cmd.Flags().StringVar(&value, "value", "", "Credential value, - for stdin, empty to generate")
	cmd.Flags().StringVar(&typ, "type", string(credential.TypeAPIKey), "Credential type: "+typeList())
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the credential after this long")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Attribute key=value (repeatable)")

	return cmd
}

func NewDeleteCommand(cfg *config.Config) *cobra.Command {
	var team string

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				deleted, err := v.DeleteCredential(ctx, team, args[0], currentActor())
				if err != nil {
					return err
				}
				if !deleted {
					return vaulterrors.NotFound("delete", args[0])
				}
				cfg.Logger.Info("Deleted %s", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Owning team (default: global)")
	return cmd
}

func NewListCommand(cfg *config.Config) *cobra.Command {
	var (
		team   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential metadata",
		Long:  `List stored credentials without their values.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				metas, err := v.ListCredentials(ctx, team)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), format, listView(metas), func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "SCOPE\tNAME\tTYPE\tLAST ROTATED\tEXPIRES\tROTATIONS")
					for _, m := range metas {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
							m.Key.Scope, m.Key.Name, m.Type,
							formatOptionalTime(m.LastRotated, "never"),
							formatOptionalTime(m.ExpiresAt, "-"),
							m.RotationCount)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Only show credentials in this scope")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

type metadataView struct {
	Scope         string            `json:"scope" yaml:"scope"`
	Name          string            `json:"name" yaml:"name"`
	Type          string            `json:"type" yaml:"type"`
	CreatedAt     time.Time         `json:"created_at" yaml:"created_at"`
	LastUpdated   time.Time         `json:"last_updated" yaml:"last_updated"`
	LastRotated   *time.Time        `json:"last_rotated,omitempty" yaml:"last_rotated,omitempty"`
	LastAccessed  *time.Time        `json:"last_accessed,omitempty" yaml:"last_accessed,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	RotationCount int               `json:"rotation_count" yaml:"rotation_count"`
	Attributes    map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

func listView(metas []credential.Metadata) []metadataView {
	out := make([]metadataView, 0, len(metas))
	for _, m := range metas {
		out = append(out, metadataView{
			Scope:         m.Key.Scope,
			Name:          m.Key.Name,
			Type:          string(m.Type),
			CreatedAt:     m.CreatedAt,
			LastUpdated:   m.LastUpdated,
			LastRotated:   m.LastRotated,
			LastAccessed:  m.LastAccessed,
			ExpiresAt:     m.ExpiresAt,
			RotationCount: m.RotationCount,
			Attributes:    m.Attributes,
		})
	}
	return out
}

func parseOptionalType(s string) (credential.Type, error) {
	if s == "" {
		return "", nil
	}
	t, err := credential.ParseType(s)
	if err != nil {
		return "", vaulterrors.UserError{Message: err.Error(), Suggestion: "Valid types: " + typeList()}
	}
	return t, nil
}

func typeList() string {
	types := credential.AllTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, vaulterrors.UserError{
				Message:    fmt.Sprintf("Invalid attribute %q", p),
				Suggestion: "Use --attr key=value",
			}
		}
		attrs[k] = v
	}
	return attrs, nil
}

func formatOptionalTime(t *time.Time, none string) string {
	if t == nil {
		return none
	}
	return t.Local().Format("2006-01-02 15:04")
}

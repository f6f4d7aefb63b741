// Package commands implements the teamvault subcommands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systmms/teamvault/internal/config"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/pkg/vault"
)

// ActorEnv overrides the actor recorded in audit events.
const ActorEnv = "TEAMVAULT_ACTOR"

// Register adds every subcommand to root.
func Register(root *cobra.Command, cfg *config.Config) {
	root.AddCommand(
		NewGetCommand(cfg),
		NewSetCommand(cfg),
		NewCreateCommand(cfg),
		NewDeleteCommand(cfg),
		NewListCommand(cfg),
		NewAccessCommand(cfg),
		NewBreakGlassCommand(cfg),
		NewRotationCommand(cfg),
		NewRekeyCommand(cfg),
		NewAuditCommand(cfg),
		NewServeCommand(cfg),
		NewCompletionCommand(cfg),
	)
}

// openVault loads the configuration and unlocks the vault.
func openVault(ctx context.Context, cfg *config.Config) (*vault.Vault, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return vault.Open(ctx, cfg.Definition, vault.Options{Logger: cfg.Logger})
}

// withVault runs fn against an open vault and closes it afterwards.
func withVault(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, v *vault.Vault) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	v, err := openVault(ctx, cfg)
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(ctx, v)
}

func currentActor() string {
	if a := os.Getenv(ActorEnv); a != "" {
		return a
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// readValue returns the flag value, or stdin without its trailing newline
// when the flag is "-".
func readValue(cmd *cobra.Command, value string) (string, error) {
	if value != "-" {
		return value, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read value from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// writeOutput renders v as json or yaml, or calls table for the default
// table format.
func writeOutput(w io.Writer, format string, v interface{}, table func(tw *tabwriter.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return nil
	case "", "table":
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		table(tw)
		return tw.Flush()
	}
	return vaulterrors.UserError{
		Message:    fmt.Sprintf("Unknown output format %q", format),
		Suggestion: "Use --format table, json or yaml",
	}
}

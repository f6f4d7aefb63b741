package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/teamvault/internal/cipher"
	"github.com/systmms/teamvault/internal/config"
	vaulterrors "github.com/systmms/teamvault/internal/errors"
	"github.com/systmms/teamvault/pkg/vault"
)

func NewRekeyCommand(cfg *config.Config) *cobra.Command {
	var (
		fromFile      string
		fromEnv       string
		updateKeyring bool
	)

	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt the vault under a new master secret",
		Long: `Derive a new data key from a new master secret and re-encrypt every
credential in one transaction. Afterwards the vault opens only with the new
secret, so update master_secret (or pass --update-keyring) before the next
command runs.`,
		Example: `  teamvault rekey --new-secret-file ./new-master.txt
  TEAMVAULT_NEW_SECRET=... teamvault rekey --new-secret-env TEAMVAULT_NEW_SECRET --update-keyring`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var source cipher.SecretSource
			switch {
			case fromFile != "" && fromEnv != "":
				return vaulterrors.UserError{Message: "Choose one new secret source", Suggestion: "Use either --new-secret-file or --new-secret-env"}
			case fromFile != "":
				source = cipher.FileSource{Path: fromFile}
			case fromEnv != "":
				source = cipher.EnvSource{Var: fromEnv}
			default:
				return vaulterrors.UserError{Message: "New master secret is required", Suggestion: "Use --new-secret-file or --new-secret-env"}
			}

			return withVault(cmd, cfg, func(ctx context.Context, v *vault.Vault) error {
				secret, err := source.MasterSecret(ctx)
				if err != nil {
					return err
				}
				defer func() {
					for i := range secret {
						secret[i] = 0
					}
				}()

				n, err := v.RotateMasterKey(ctx, secret, currentActor())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted %d credentials\n", n)

				if updateKeyring {
					ms := cfg.Definition.MasterSecret
					kr := cipher.KeyringSource{Service: ms.Service, Account: ms.Account}
					if err := kr.Store(secret); err != nil {
						return vaulterrors.UserError{
							Message:    "Vault rekeyed but the keyring could not be updated",
							Suggestion: "Store the new secret in " + kr.Describe() + " by hand before the next command",
							Err:        err,
						}
					}
					cfg.Logger.Info("Stored new master secret in %s", kr.Describe())
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&fromFile, "new-secret-file", "", "Read the new master secret from this file")
	cmd.Flags().StringVar(&fromEnv, "new-secret-env", "", "Read the new master secret from this environment variable")
	cmd.Flags().BoolVar(&updateKeyring, "update-keyring", false, "Store the new secret in the configured keyring entry")
	return cmd
}

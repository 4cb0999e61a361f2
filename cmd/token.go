package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satriahrh/l2dbridge/internal/auth"
)

var regenerateToken bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the auth token desktop clients must present",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token := cfg.AuthToken

		if regenerateToken {
			if cfg.TokenFile == "" {
				return fmt.Errorf("token_file is not configured")
			}
			if err := os.Remove(cfg.TokenFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove token file: %w", err)
			}
			token, _, err = auth.EnsureToken(cfg.TokenFile, "")
			if err != nil {
				return err
			}
			okLabel.Fprintf(cmd.ErrOrStderr(), "New token written to %s\n", cfg.TokenFile)
		} else if cfg.TokenGenerated {
			okLabel.Fprintf(cmd.ErrOrStderr(), "Token generated at %s\n", cfg.TokenFile)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"token": token})
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&regenerateToken, "regenerate", false, "Replace the token stored in token_file with a new one")
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/carrier/internal/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new identity secret",
	Long: `Generate a new ed25519-derived identity secret. The secret is printed
to stdout as base64 (save it into secrets.toml under device.secret); the
corresponding public identity is printed to stderr.

Example:
  carrierd keygen                    # print secret
  carrierd keygen 2>/dev/null        # secret only (pipe-friendly)`,
	RunE: runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	secret, err := identity.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generating identity secret: %w", err)
	}

	text, err := secret.MarshalText()
	if err != nil {
		return fmt.Errorf("encoding identity secret: %w", err)
	}

	// Secret to stdout (pipe-friendly).
	fmt.Fprintln(cmd.OutOrStdout(), string(text))

	// Public identity to stderr (informational).
	fmt.Fprintf(cmd.ErrOrStderr(), "identity: %s\n", secret.Identity())

	return nil
}

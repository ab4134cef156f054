package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an Argon2id hash for the gateway API key",
	Long: `Generate an Argon2id hash of an API key for use in config.

The output is a PHC string ("$argon2id$v=19$...") which can be used
directly as auth.api_key or MCP_API_KEY. Callers keep sending the plain
key in X-API-Key.

Example:
  devops-gate hash-key "my-secret-api-key"

Security note: The key will appear in shell history.
Consider clearing history after use or using environment variable:
  devops-gate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKeyArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}

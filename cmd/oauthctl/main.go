// Command oauthctl administers an OAuth provider deployment: schema
// migrations, trusted system apps and secret rotation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "oauthctl",
		Short:        "Administer the OAuth provider",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				cmd.PrintErrf("Error displaying help: %v\n", err)
			}
		},
	}

	cmd.PersistentFlags().String("config", "", "path to config file (default $CONFIG_PATH)")

	cmd.AddCommand(
		newMigrateCommand(),
		newCreateSystemAppCommand(),
		newRotateSecretCommand(),
	)

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

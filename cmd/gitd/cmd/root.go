package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gitd",
	Short: "A Git smart-protocol server",
	Long: `gitd serves the Git smart transfer protocol (upload-pack and
receive-pack) over a raw git:// TCP listener against a directory of
bare repositories.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

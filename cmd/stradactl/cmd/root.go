package cmd

import "github.com/spf13/cobra"

// Version is set by the main package via ldflags.
var Version = "dev"

// NewRootCmd creates the root stradactl command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "stradactl",
		Short:   "Strada CLI: fleet-side tooling for the vehicle agent",
		Version: Version,
	}

	rootCmd.AddCommand(newScriptsCmd())
	rootCmd.AddCommand(newSpoolCmd())
	rootCmd.AddCommand(newSecretsCmd())
	rootCmd.AddCommand(newSendCmd())

	return rootCmd
}

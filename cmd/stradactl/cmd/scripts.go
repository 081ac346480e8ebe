package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/strada-io/strada/internal/scripts"
)

func defaultScriptsDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "strada", "scripts")
}

func newScriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "Manage the on-vehicle script library",
	}

	cmd.AddCommand(newScriptsListCmd())
	cmd.AddCommand(newScriptsSignCmd())

	return cmd
}

func newScriptsListCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scripts in the library directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = defaultScriptsDir()
			}
			lib := scripts.New(dir, false, zerolog.Nop())
			if err := lib.LoadDir(); err != nil {
				return fmt.Errorf("load scripts: %w", err)
			}
			names := lib.Names()
			if len(names) == 0 {
				fmt.Println("No scripts found in", dir)
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "script directory (default: ~/.config/strada/scripts)")
	return cmd
}

func newScriptsSignCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Generate SHA256 manifest for script files",
		Long: `Scans the script directory for .lua files, computes SHA256 hashes, and
writes a scripts.sha256 manifest file. The daemon checks the manifest when
scripts.verify_integrity is enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = defaultScriptsDir()
			}

			m, err := scripts.GenerateManifest(dir)
			if err != nil {
				return fmt.Errorf("generate manifest: %w", err)
			}
			if err := m.WriteFile(dir); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}

			fmt.Printf("Signed %d script(s) in %s\n", m.Count(), dir)
			m.WriteTo(os.Stdout)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "script directory (default: ~/.config/strada/scripts)")
	return cmd
}

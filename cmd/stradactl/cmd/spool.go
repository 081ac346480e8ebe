package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/strada-io/strada/internal/spool"
)

func defaultSpoolDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "strada", "spool")
}

func newSpoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect the undelivered response spool",
	}

	cmd.AddCommand(newSpoolListCmd())
	cmd.AddCommand(newSpoolPurgeCmd())

	return cmd
}

func newSpoolListCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List responses awaiting delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = defaultSpoolDir()
			}
			store, err := spool.New(dir, zerolog.Nop())
			if err != nil {
				return err
			}
			records, err := store.Pending()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("Spool is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECORD\tCOMMAND\tRETRIES\tFIRST PERSISTED\tBYTES")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n",
					rec.Meta.RecordID, rec.Meta.CommandID, rec.Meta.RetryCount,
					rec.Meta.FirstPersistedAt.Format(time.RFC3339),
					len(rec.Payload),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "spool directory (default: ~/.local/share/strada/spool)")
	return cmd
}

func newSpoolPurgeCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all spooled responses",
		Long: `Removes every undelivered response from the spool. The discarded
responses are gone for good; the cloud never sees them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = defaultSpoolDir()
			}
			store, err := spool.New(dir, zerolog.Nop())
			if err != nil {
				return err
			}
			records, err := store.Pending()
			if err != nil {
				return err
			}
			for _, rec := range records {
				if err := store.Delete(rec.Meta); err != nil {
					return fmt.Errorf("delete %s: %w", rec.Meta.RecordID, err)
				}
			}
			fmt.Printf("Purged %d record(s).\n", len(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "spool directory (default: ~/.local/share/strada/spool)")
	return cmd
}

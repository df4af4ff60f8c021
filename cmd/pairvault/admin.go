package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/pairvault/internal/store"
)

func newResetCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every key and vault",
		Long: `Removes every enrolled key and every vault, then logs out. The audit
log and uploaded backups are kept. Asks for a fresh touch after 10 idle
minutes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("reset deletes every key and vault; pass --yes to confirm")
			}
			outcome, err := c.app.Reset(cmd.Context())
			if err != nil {
				return err
			}
			if c.printOutcome(cmd.OutOrStdout(), "reset", outcome) {
				fmt.Fprintln(cmd.OutOrStdout(), "all keys and vaults removed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newBackupCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export, import and store backups",
	}

	export := &cobra.Command{
		Use:   "export <file>",
		Short: "Write a compressed backup of every key and vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			b, err := c.app.ExportBackup(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d keys and %d vaults to %s\n", len(b.Credentials), len(b.Vaults), args[0])
			return nil
		},
	}

	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace every key and vault with a backup file",
		Long:  `Accepts current backups and legacy 2.x JSON exports.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			outcome, err := c.app.ImportBackup(cmd.Context(), f)
			if err != nil {
				return err
			}
			if c.printOutcome(cmd.OutOrStdout(), "import", outcome) {
				fmt.Fprintln(cmd.OutOrStdout(), "backup restored")
			}
			return nil
		},
	}

	upload := &cobra.Command{
		Use:   "upload",
		Short: "Store a backup in the blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := c.app.UploadBackup(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded backup %s (%d bytes)\n", info.ID, info.Size)
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Replace every key and vault with a stored backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := c.app.RestoreBackup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.printOutcome(cmd.OutOrStdout(), "restore", outcome) {
				fmt.Fprintln(cmd.OutOrStdout(), "backup restored")
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a stored backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := c.app.DeleteBackup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.printOutcome(cmd.OutOrStdout(), "delete", outcome) {
				fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := c.app.Backups(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), infos)
			}
			rows := make([][]string, 0, len(infos))
			for _, i := range infos {
				rows = append(rows, []string{i.ID, shortTime(i.CreatedAt), fmt.Sprint(i.Size)})
			}
			return table(cmd.OutOrStdout(), []string{"ID", "CREATED", "BYTES"}, rows)
		},
	}

	cmd.AddCommand(export, imp, upload, restore, del, list)
	return cmd
}

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Import keys enrolled on other installations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := c.app.Sync(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d imported, %d already enrolled, %d unreadable\n",
				res.Imported, res.Skipped, res.Invalid)
			return nil
		},
	}
}

func newAuditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the security event log",
	}

	var (
		kind  string
		since time.Duration
		limit int
		jq    string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Print security events, oldest first",
		Long: `Prints security events as JSON lines. --jq runs a jq program over the
array of events, for example: --jq '[.[] | select(.kind == "auth_failed")] | length'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.EventFilter{Kind: kind, Limit: limit}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			out, err := c.app.Events(cmd.Context(), filter, jq)
			if err != nil {
				return err
			}
			for _, v := range out {
				if err := writeJSON(cmd.OutOrStdout(), v); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "only events of this kind")
	list.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	list.Flags().IntVar(&limit, "limit", 0, "only the newest N events")
	list.Flags().StringVar(&jq, "jq", "", "jq program to run over the events")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check that no events were removed from the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.app.VerifyEvents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d events, no gaps\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, verify)
	return cmd
}

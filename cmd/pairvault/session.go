package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/pairvault/pkg/schema"
)

func newLoginCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "login <credential>",
		Short: "Open an admin session with an enrolled key",
		Long: `Runs a ceremony with the given key (id or name) and opens an admin
session. Three failed attempts lock admin login for the lockout period.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Login(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged in")
			return nil
		},
	}
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the admin session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.app.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the admin session and lockout state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := c.app.Status(cmd.Context())
			w := cmd.OutOrStdout()
			if c.jsonOutput() {
				return writeJSON(w, st)
			}
			fmt.Fprintf(w, "state:     %s\n", st.State)
			if st.State == schema.GateAuthenticated {
				fmt.Fprintf(w, "admin key: %s\n", st.Session.AdminCredentialID)
				fmt.Fprintf(w, "since:     %s\n", shortTime(st.Session.SessionStart))
				fmt.Fprintf(w, "idle:      %s\n", time.Since(st.Session.LastActivity).Round(time.Second))
			}
			if st.Failures > 0 {
				fmt.Fprintf(w, "failures:  %d\n", st.Failures)
			}
			if st.LockedUntil != nil && st.State == schema.GateLocked {
				fmt.Fprintf(w, "locked until %s\n", shortTime(*st.LockedUntil))
			}
			return nil
		},
	}
}

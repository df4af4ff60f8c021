package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEnrollCmd(c *cli) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "enroll <name>",
		Short: "Enroll a new key",
		Long: `Runs a creation ceremony and records the new key. The first key can be
enrolled without logging in; later keys need an admin session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := c.app.Enroll(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			return c.printCredential(cmd.OutOrStdout(), cred)
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "free-form description")
	return cmd
}

func newCredentialsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds", "keys"},
		Short:   "Manage enrolled keys",
	}

	var where string
	list := &cobra.Command{
		Use:   "list",
		Short: "List enrolled keys",
		Long: `Lists enrolled keys in enumeration order. --where takes an expression
over id, name, description, active, used, age_days and idle_days, for
example: --where 'active && idle_days > 90'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := c.app.Credentials(cmd.Context(), where)
			if err != nil {
				return err
			}
			return c.printCredentials(cmd.OutOrStdout(), creds)
		},
	}
	list.Flags().StringVar(&where, "where", "", "filter expression")

	rename := &cobra.Command{
		Use:   "rename <credential> <name>",
		Short: "Rename a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := c.app.RenameCredential(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.printCredential(cmd.OutOrStdout(), cred)
		},
	}

	describe := &cobra.Command{
		Use:   "describe <credential> <description>",
		Short: "Set a key's description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := c.app.DescribeCredential(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.printCredential(cmd.OutOrStdout(), cred)
		},
	}

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <credential>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cred, err := c.app.SetCredentialActive(cmd.Context(), args[0], active)
				if err != nil {
					return err
				}
				return c.printCredential(cmd.OutOrStdout(), cred)
			},
		}
	}

	remove := &cobra.Command{
		Use:   "remove <credential>",
		Short: "Delete a key (asks for a fresh touch after 10 idle minutes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := c.app.RemoveCredential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.printOutcome(cmd.OutOrStdout(), "remove", outcome) {
				fmt.Fprintln(cmd.OutOrStdout(), "removed")
			}
			return nil
		},
	}

	test := &cobra.Command{
		Use:   "test <credential>",
		Short: "Check that a key answers a ceremony",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := c.app.TestCredential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s answered\n", cred.Name)
			return nil
		},
	}

	cmd.AddCommand(list, rename, describe,
		setActive("enable", "Enable a key", true),
		setActive("disable", "Disable a key", false),
		remove, test)
	return cmd
}

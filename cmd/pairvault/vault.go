package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/pairvault/internal/app"
)

func newVaultCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vault",
		Aliases: []string{"vaults"},
		Short:   "Create, open and delete vaults",
	}

	var name, inFile string
	create := &cobra.Command{
		Use:   "create",
		Short: "Encrypt a secret into a new vault",
		Long: `Encrypts a secret for the currently active keys. The first two keys in
enrollment order are asked for a touch. The secret is read from --file,
from stdin, or typed without echo.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				secret []byte
				err    error
			)
			switch {
			case inFile != "":
				secret, err = os.ReadFile(inFile)
			case c.inShell:
				// The shell owns stdin; take the secret as the next line.
				fmt.Fprint(c.stderr, "Secret (echoed): ")
				line, _, e := c.in.Next(cmd.Context())
				secret, err = []byte(line), e
			default:
				secret, err = readSecret(os.Stdin, c.stderr)
			}
			if err != nil {
				return err
			}
			v, err := c.app.CreateVault(cmd.Context(), name, secret)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), v.Summary())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created vault %s (%s, %d access pairs)\n", v.ID, v.Mode, len(v.AccessPairs))
			return nil
		},
	}
	create.Flags().StringVarP(&name, "name", "n", "", "vault name (default: creation time)")
	create.Flags().StringVarP(&inFile, "file", "f", "", "read the secret from a file")

	var vaultID, outFile string
	open := &cobra.Command{
		Use:   "open <credential> <credential>",
		Short: "Decrypt a vault with two keys",
		Long: `Both keys are asked for a touch. Without --id the most recent vault
recorded for the pair is opened.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				opened *app.Opened
				err    error
			)
			if vaultID != "" {
				opened, err = c.app.OpenVaultByID(cmd.Context(), vaultID, args[0], args[1])
			} else {
				opened, err = c.app.OpenVault(cmd.Context(), args[0], args[1])
			}
			if err != nil {
				return err
			}
			if outFile != "" {
				return os.WriteFile(outFile, opened.Plaintext, 0o600)
			}
			_, err = cmd.OutOrStdout().Write(opened.Plaintext)
			return err
		},
	}
	open.Flags().StringVar(&vaultID, "id", "", "open this vault instead of looking one up")
	open.Flags().StringVar(&outFile, "out", "", "write the secret to a file instead of stdout")

	list := &cobra.Command{
		Use:   "list",
		Short: "List vaults, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vaults, err := c.app.Vaults(cmd.Context())
			if err != nil {
				return err
			}
			return c.printVaults(cmd.OutOrStdout(), vaults)
		},
	}

	del := &cobra.Command{
		Use:   "delete <vault-id>",
		Short: "Delete a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := c.app.DeleteVault(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.printOutcome(cmd.OutOrStdout(), "delete", outcome) {
				fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			}
			return nil
		},
	}

	cmd.AddCommand(create, open, list, del)
	return cmd
}

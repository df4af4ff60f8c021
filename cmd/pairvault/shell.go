package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/rendis/pairvault/pkg/schema"
)

func newShellCmd(c *cli) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Run commands in a long-lived session",
		Long: `Keeps the database open, runs the session-expiry check every minute and
saves state every 30 seconds. Security events are printed as they happen.
Type "exit" to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c.inShell = true
			defer func() { c.inShell = false }()

			if err := c.app.Start(ctx); err != nil {
				return err
			}
			if !quiet {
				events, cancel, err := c.app.Subscribe(ctx)
				if err != nil {
					return err
				}
				defer cancel()
				go func() {
					for ev := range events {
						fmt.Fprintln(c.stderr, formatEvent(ev))
					}
				}()
			}

			for {
				fmt.Fprint(c.stderr, "pairvault> ")
				line, ok, err := c.in.Next(ctx)
				if err != nil || !ok {
					fmt.Fprintln(c.stderr)
					return nil
				}
				args, err := splitArgs(line)
				if err != nil {
					fmt.Fprintln(c.stderr, "error:", err)
					continue
				}
				if len(args) == 0 {
					continue
				}
				switch args[0] {
				case "exit", "quit":
					return nil
				case "shell":
					fmt.Fprintln(c.stderr, "already in the shell")
					continue
				}

				sub := newRootCmd(c)
				sub.SetArgs(args)
				if err := sub.ExecuteContext(ctx); err != nil {
					fmt.Fprintln(c.stderr, "error:", describe(err))
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print security events")
	return cmd
}

func formatEvent(ev schema.SecurityEvent) string {
	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ev.Timestamp.Local().Format("15:04:05"), ev.Kind)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Details[k])
	}
	return b.String()
}

// splitArgs splits a shell line into words. Quotes and backslash escapes
// follow POSIX shell rules; pipes and redirections are rejected.
func splitArgs(line string) ([]string, error) {
	p := shellwords.NewParser()
	args, err := p.Parse(line)
	if err != nil {
		return nil, err
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("shell operators are not supported; quote them to pass them through")
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/pairvault/internal/app"
	"github.com/rendis/pairvault/internal/authenticator"
	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/pkg/schema"
)

// cli carries state shared by every command of one process.
type cli struct {
	cfgFile string
	cfg     Config
	logger  *slog.Logger
	app     *app.App
	in      *lineReader
	stdout  io.Writer
	stderr  io.Writer

	// inShell keeps the app open between commands.
	inShell bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := &cli{in: newLineReader(os.Stdin), stdout: os.Stdout, stderr: os.Stderr}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.close(context.Background())
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(exitCode(err))
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "pairvault",
		Short: "Two-of-N hardware key vault",
		Long: `pairvault keeps encrypted vaults that open with any two enrolled keys,
behind an admin session that locks after repeated failed logins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.app != nil || skipsApp(cmd) {
				return nil
			}
			return c.open(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if !c.inShell {
				c.close(cmd.Context())
			}
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default: user config dir, /etc/pairvault, or ./pairvault.yaml)")
	pf.String("db", "", "database path or libsql URL")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.StringP("output", "o", "", "output format (text, json)")

	root.AddCommand(
		newLoginCmd(c),
		newLogoutCmd(c),
		newStatusCmd(c),
		newEnrollCmd(c),
		newCredentialsCmd(c),
		newVaultCmd(c),
		newResetCmd(c),
		newBackupCmd(c),
		newSyncCmd(c),
		newAuditCmd(c),
		newShellCmd(c),
		newVersionCmd(),
		newConfigCmd(c),
	)
	return root
}

// skipsApp reports commands that must work without opening the database.
func skipsApp(cmd *cobra.Command) bool {
	for p := cmd; p != nil; p = p.Parent() {
		if p.Annotations["no_app"] == "true" {
			return true
		}
	}
	return false
}

var noApp = map[string]string{"no_app": "true"}

func (c *cli) loadConfig(cmd *cobra.Command) error {
	cfg, used, err := loadConfig(cmd, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.New(c.stderr, cfg.LogLevel, cfg.LogFormat)
	if used != "" {
		c.logger.Debug("config loaded", slog.String("file", used))
	}
	return nil
}

func (c *cli) open(cmd *cobra.Command) error {
	if err := c.loadConfig(cmd); err != nil {
		return err
	}
	key, err := authenticator.NewSoftKey(c.cfg.Authenticator.Dir, touchPrompt(c.in, c.stderr, c.cfg.Authenticator.AutoConfirm))
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), c.cfg.appConfig(), key, c.logger)
	if err != nil {
		return err
	}
	c.app = a

	if c.cfg.SyncOnStartup {
		if _, err := a.Sync(cmd.Context()); err != nil {
			c.logger.Warn("enrollment sync failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *cli) close(ctx context.Context) {
	if c.app == nil {
		return
	}
	if err := c.app.Close(ctx); err != nil {
		fmt.Fprintln(c.stderr, "warning: close:", err)
	}
	c.app = nil
}

// describe turns an error into a one-line message for the holder.
func describe(err error) string {
	var pe *schema.PairvaultError
	if !errors.As(err, &pe) {
		return err.Error()
	}
	switch pe.Code {
	case schema.ErrCodeLocked:
		if ra, ok := pe.Details["retry_after"]; ok {
			return fmt.Sprintf("%s (retry in %v)", pe.Message, ra)
		}
	case schema.ErrCodeUnauthenticated:
		return pe.Message + " (run `pairvault login`)"
	case schema.ErrCodeAuthTagMismatch:
		return "these two keys do not open this vault"
	case schema.ErrCodeCeremonyTimeout:
		return "the key was not touched in time"
	}
	return pe.Error()
}

// exitCode maps error codes onto process exit statuses.
func exitCode(err error) int {
	switch schema.CodeOf(err) {
	case "":
		return 1
	case schema.ErrCodeValidation:
		return 2
	case schema.ErrCodeNotFound:
		return 3
	case schema.ErrCodeUnauthenticated, schema.ErrCodeLocked:
		return 4
	case schema.ErrCodeAuthTagMismatch:
		return 5
	case schema.ErrCodeCeremonyCancelled, schema.ErrCodeCeremonyTimeout,
		schema.ErrCodeCeremonyUnsupported, schema.ErrCodeCeremonyFailed:
		return 6
	default:
		return 1
	}
}

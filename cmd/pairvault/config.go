package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/pairvault/internal/app"
	"github.com/rendis/pairvault/internal/ceremony"
	"github.com/rendis/pairvault/internal/gate"
	"github.com/rendis/pairvault/pkg/schema"
)

// Config holds all pairvault configuration.
// Priority: flags > PAIRVAULT_* env vars > pairvault.yaml > defaults.
type Config struct {
	DBPath        string              `mapstructure:"db_path" yaml:"db_path"`
	LogLevel      string              `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string              `mapstructure:"log_format" yaml:"log_format"`
	Output        string              `mapstructure:"output" yaml:"output"`
	SyncOnStartup bool                `mapstructure:"sync_on_startup" yaml:"sync_on_startup"`
	Authenticator AuthenticatorConfig `mapstructure:"authenticator" yaml:"authenticator"`
	Vault         VaultConfig         `mapstructure:"vault" yaml:"vault"`
	Gate          GateConfig          `mapstructure:"gate" yaml:"gate"`
	Ceremony      CeremonyConfig      `mapstructure:"ceremony" yaml:"ceremony"`
	Backup        BackupConfig        `mapstructure:"backup" yaml:"backup"`
}

// AuthenticatorConfig selects the software stand-in device.
type AuthenticatorConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	AutoConfirm bool   `mapstructure:"auto_confirm" yaml:"auto_confirm"`
}

type VaultConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type GateConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReauthAfter   time.Duration `mapstructure:"reauth_after" yaml:"reauth_after"`
	MaxFailures   int           `mapstructure:"max_failures" yaml:"max_failures"`
	Lockout       time.Duration `mapstructure:"lockout" yaml:"lockout"`
	AuthTimeout   time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	ReauthTimeout time.Duration `mapstructure:"reauth_timeout" yaml:"reauth_timeout"`
}

type CeremonyConfig struct {
	EnrollTimeout time.Duration `mapstructure:"enroll_timeout" yaml:"enroll_timeout"`
	ProveTimeout  time.Duration `mapstructure:"prove_timeout" yaml:"prove_timeout"`
}

type BackupConfig struct {
	Retention int `mapstructure:"retention" yaml:"retention"`
}

func defaultConfig() Config {
	g := gate.DefaultConfig()
	c := ceremony.DefaultConfig()
	d := app.DefaultConfig()
	return Config{
		DBPath:    "file:" + filepath.Join(pairvaultDir(), "pairvault.db"),
		LogLevel:  "warn",
		LogFormat: "text",
		Output:    "text",
		Authenticator: AuthenticatorConfig{
			Dir: filepath.Join(pairvaultDir(), "keys"),
		},
		Vault: VaultConfig{Mode: string(schema.VaultModePair)},
		Gate: GateConfig{
			IdleTimeout:   g.IdleTimeout,
			ReauthAfter:   g.ReauthAfter,
			MaxFailures:   g.MaxFailures,
			Lockout:       g.Lockout,
			AuthTimeout:   g.AuthTimeout,
			ReauthTimeout: g.ReauthTimeout,
		},
		Ceremony: CeremonyConfig{
			EnrollTimeout: c.EnrollTimeout,
			ProveTimeout:  c.ProveTimeout,
		},
		Backup: BackupConfig{Retention: d.BackupRetention},
	}
}

func pairvaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pairvault"
	}
	return filepath.Join(home, ".pairvault")
}

// configPath returns where `config init` writes: the user config dir, or
// the system one.
func configPath(system bool) (string, error) {
	if system {
		if runtime.GOOS == "windows" {
			return filepath.Join(os.Getenv("ProgramData"), "pairvault", "pairvault.yaml"), nil
		}
		return "/etc/pairvault/pairvault.yaml", nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, "pairvault", "pairvault.yaml"), nil
}

// defaultsMap flattens the defaults into viper keys so that env vars for
// nested keys are picked up by AutomaticEnv.
func defaultsMap() map[string]any {
	d := defaultConfig()
	return map[string]any{
		"db_path":                    d.DBPath,
		"log_level":                  d.LogLevel,
		"log_format":                 d.LogFormat,
		"output":                     d.Output,
		"sync_on_startup":            d.SyncOnStartup,
		"authenticator.dir":          d.Authenticator.Dir,
		"authenticator.auto_confirm": d.Authenticator.AutoConfirm,
		"vault.mode":                 d.Vault.Mode,
		"gate.idle_timeout":          d.Gate.IdleTimeout,
		"gate.reauth_after":          d.Gate.ReauthAfter,
		"gate.max_failures":          d.Gate.MaxFailures,
		"gate.lockout":               d.Gate.Lockout,
		"gate.auth_timeout":          d.Gate.AuthTimeout,
		"gate.reauth_timeout":        d.Gate.ReauthTimeout,
		"ceremony.enroll_timeout":    d.Ceremony.EnrollTimeout,
		"ceremony.prove_timeout":     d.Ceremony.ProveTimeout,
		"backup.retention":           d.Backup.Retention,
	}
}

// loadConfig layers defaults, the config file, the environment and the
// root command's persistent flags.
func loadConfig(cmd *cobra.Command, file string) (Config, string, error) {
	v := viper.New()
	for key, value := range defaultsMap() {
		v.SetDefault(key, value)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pairvault")
		v.SetConfigType("yaml")
		if p, err := configPath(false); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		if p, err := configPath(true); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, "", fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("pairvault")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"db_path":    "db",
		"log_level":  "log-level",
		"log_format": "log-format",
		"output":     "output",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return Config{}, "", err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("parse config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// appConfig maps the file configuration onto the application's.
func (c Config) appConfig() app.Config {
	return app.Config{
		DBPath:    c.DBPath,
		VaultMode: schema.VaultMode(c.Vault.Mode),
		Gate: gate.Config{
			IdleTimeout:   c.Gate.IdleTimeout,
			ReauthAfter:   c.Gate.ReauthAfter,
			MaxFailures:   c.Gate.MaxFailures,
			Lockout:       c.Gate.Lockout,
			AuthTimeout:   c.Gate.AuthTimeout,
			ReauthTimeout: c.Gate.ReauthTimeout,
		},
		Ceremony: ceremony.Config{
			EnrollTimeout: c.Ceremony.EnrollTimeout,
			ProveTimeout:  c.Ceremony.ProveTimeout,
		},
		BackupRetention: c.Backup.Retention,
	}
}

// writeConfig writes cfg as YAML. An existing file is only replaced with
// force.
func writeConfig(path string, cfg Config, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o600)
}

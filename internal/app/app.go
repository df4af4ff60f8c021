// Package app owns the components of a running pairvault instance and
// exposes the operations the CLI drives.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/pairvault/internal/audit"
	"github.com/rendis/pairvault/internal/authenticator"
	"github.com/rendis/pairvault/internal/backup"
	"github.com/rendis/pairvault/internal/ceremony"
	"github.com/rendis/pairvault/internal/gate"
	"github.com/rendis/pairvault/internal/query"
	"github.com/rendis/pairvault/internal/registry"
	"github.com/rendis/pairvault/internal/scheduler"
	"github.com/rendis/pairvault/internal/snapshot"
	"github.com/rendis/pairvault/internal/store"
	"github.com/rendis/pairvault/internal/streaming"
	"github.com/rendis/pairvault/internal/validation"
	"github.com/rendis/pairvault/pkg/schema"
)

// Scheduled job names.
const (
	JobSessionCheck = "session-check"
	JobAutosave     = "autosave"
)

// Config holds everything New needs beyond the authenticator.
type Config struct {
	DBPath          string
	VaultMode       schema.VaultMode
	Gate            gate.Config
	Ceremony        ceremony.Config
	BackupRetention int

	SessionCheckSchedule string
	AutosaveSchedule     string
}

// DefaultConfig returns the defaults for everything but DBPath.
func DefaultConfig() Config {
	return Config{
		VaultMode:            schema.VaultModePair,
		Gate:                 gate.DefaultConfig(),
		Ceremony:             ceremony.DefaultConfig(),
		BackupRetention:      backup.DefaultRetention,
		SessionCheckSchedule: "@every 1m",
		AutosaveSchedule:     "@every 30s",
	}
}

// Option configures an App.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the time source of the gate, the scheduler and the
// app itself.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// App is the application context. It is created once at startup and
// closed on shutdown; nothing in it is global.
type App struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	store     *store.LibSQLStore
	validator validation.Validator
	hub       *streaming.MemoryHub
	recorder  *audit.Recorder
	runner    *ceremony.Runner
	registry  *registry.Registry
	gate      *gate.Gate
	backups   *backup.Manager
	jq        *query.JQEngine
	expr      *query.ExprEngine
	sched     *scheduler.Scheduler
}

// New opens the database, migrates it, restores the admin gate and wires
// every component.
func New(ctx context.Context, cfg Config, auth authenticator.Authenticator, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.VaultMode == "" {
		cfg.VaultMode = schema.VaultModePair
	}
	if !cfg.VaultMode.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown vault mode %q", cfg.VaultMode)
	}
	d := DefaultConfig()
	if cfg.SessionCheckSchedule == "" {
		cfg.SessionCheckSchedule = d.SessionCheckSchedule
	}
	if cfg.AutosaveSchedule == "" {
		cfg.AutosaveSchedule = d.AutosaveSchedule
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		now:       o.now,
		store:     st,
		validator: v,
		hub:       streaming.NewMemoryHub(),
		jq:        query.NewJQEngine(),
		expr:      query.NewExprEngine(),
	}
	a.recorder = audit.NewRecorder(st, a.hub, logger)
	a.runner = ceremony.NewRunner(auth, ceremony.NewGuard(), cfg.Ceremony, logger)
	a.gate = gate.New(cfg.Gate, a.runner, st, snapshot.NewCodec(st, v, logger), a.recorder, logger, gate.WithClock(o.now))
	a.registry = registry.New(st, a.gate, a.recorder, logger, registry.WithClock(o.now))
	a.backups = backup.NewManager(st, st, v, logger, cfg.BackupRetention)
	a.sched = scheduler.New(logger, scheduler.WithClock(o.now))

	if err := a.gate.Restore(ctx); err != nil {
		logger.WarnContext(ctx, "admin state not restored", slog.String("error", err.Error()))
	}
	if err := a.registerJobs(); err != nil {
		a.recorder.Close()
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) registerJobs() error {
	if err := a.sched.Register(JobSessionCheck, a.cfg.SessionCheckSchedule, func(ctx context.Context) error {
		a.gate.CheckExpiry(ctx)
		return nil
	}); err != nil {
		return err
	}
	return a.sched.Register(JobAutosave, a.cfg.AutosaveSchedule, a.gate.Persist)
}

// Start runs the periodic jobs until ctx ends or Close is called.
func (a *App) Start(ctx context.Context) error {
	return a.sched.Start(ctx)
}

// RunJob runs a scheduled job immediately.
func (a *App) RunJob(ctx context.Context, name string) error {
	return a.sched.RunNow(ctx, name)
}

// Jobs reports the scheduled jobs.
func (a *App) Jobs() []scheduler.JobStatus {
	return a.sched.Jobs()
}

// Subscribe streams security events as they are recorded.
func (a *App) Subscribe(ctx context.Context, kinds ...string) (<-chan schema.SecurityEvent, func(), error) {
	return a.hub.Subscribe(ctx, streaming.EventFilter{Kinds: kinds})
}

// Close stops the jobs, saves the gate state, drains the audit log and
// closes the database.
func (a *App) Close(ctx context.Context) error {
	_ = a.sched.Stop()
	if err := a.gate.Persist(ctx); err != nil {
		a.logger.WarnContext(ctx, "final state save failed", slog.String("error", err.Error()))
	}
	a.recorder.Close()
	if n := a.recorder.Dropped(); n > 0 {
		a.logger.WarnContext(ctx, "security events dropped", slog.Uint64("count", n))
	}
	return a.store.Close()
}

// Package gate implements the admin session state machine: login with a
// single hardware key, idle expiry, re-authentication for sensitive
// operations, and lockout after repeated failures.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/pairvault/internal/audit"
	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/pkg/schema"
)

// Config configures session and lockout timings.
type Config struct {
	// IdleTimeout ends a session after this much inactivity.
	IdleTimeout time.Duration
	// ReauthAfter is the inactivity after which sensitive operations need a
	// fresh ceremony.
	ReauthAfter time.Duration
	// MaxFailures is the number of consecutive failures that locks the gate.
	MaxFailures int
	// Lockout is how long the gate stays locked.
	Lockout       time.Duration
	AuthTimeout   time.Duration
	ReauthTimeout time.Duration
}

// DefaultConfig returns the standard admin gate timings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   30 * time.Minute,
		ReauthAfter:   10 * time.Minute,
		MaxFailures:   3,
		Lockout:       15 * time.Minute,
		AuthTimeout:   60 * time.Second,
		ReauthTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReauthAfter <= 0 {
		c.ReauthAfter = d.ReauthAfter
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.Lockout <= 0 {
		c.Lockout = d.Lockout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.ReauthTimeout <= 0 {
		c.ReauthTimeout = d.ReauthTimeout
	}
	return c
}

// Prover runs an assertion ceremony for a credential. Satisfied by
// *ceremony.Runner.
type Prover interface {
	ProveWithin(ctx context.Context, cred *schema.Credential, timeout time.Duration) error
}

// CredentialSource resolves credential ids.
type CredentialSource interface {
	GetCredential(ctx context.Context, id string) (*schema.Credential, error)
}

// StateStore persists the session and attempt counter. Satisfied by
// *snapshot.Codec.
type StateStore interface {
	LoadSession(ctx context.Context) (schema.AdminSession, error)
	SaveSession(ctx context.Context, s schema.AdminSession) error
	LoadAttempts(ctx context.Context) (schema.AuthAttemptCounter, error)
	SaveAttempts(ctx context.Context, a schema.AuthAttemptCounter) error
}

// Status is a point-in-time view of the gate.
type Status struct {
	State       schema.GateState
	Session     schema.AdminSession
	Failures    int
	LockedUntil *time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the gate's time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate is the admin session state machine. All methods are safe for
// concurrent use; the mutex is never held across a ceremony.
type Gate struct {
	mu       sync.Mutex
	state    schema.GateState
	session  schema.AdminSession
	attempts schema.AuthAttemptCounter
	// epoch changes whenever a session starts or ends, so a ceremony that
	// outlives its session can detect it.
	epoch uint64

	fsm    *FSM
	cfg    Config
	prover Prover
	creds  CredentialSource
	store  StateStore
	sink   audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// New creates a gate in the LoggedOut state. Call Restore to rehydrate
// persisted state.
func New(cfg Config, prover Prover, creds CredentialSource, store StateStore, sink audit.Sink, logger *slog.Logger, opts ...Option) *Gate {
	if sink == nil {
		sink = audit.Nop{}
	}
	g := &Gate{
		state:  schema.GateLoggedOut,
		fsm:    NewFSM(),
		cfg:    cfg.withDefaults(),
		prover: prover,
		creds:  creds,
		store:  store,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnTransition registers a hook run after from -> to. Hooks run with the
// gate locked and must not call back into it.
func (g *Gate) OnTransition(from, to schema.GateState, hook TransitionHook) {
	g.fsm.OnAfter(from, to, hook)
}

// Restore loads persisted state. A session is only rehydrated while it is
// still within the idle window; a lock is only restored while in force.
func (g *Gate) Restore(ctx context.Context) error {
	sess, err := g.store.LoadSession(ctx)
	if err != nil {
		return err
	}
	attempts, err := g.store.LoadAttempts(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.attempts = attempts
	g.session = schema.AdminSession{}

	switch {
	case attempts.LockedAt(now):
		g.state = schema.GateLocked
	case sess.Authenticated && sess.AdminCredentialID != "" && now.Sub(sess.LastActivity) <= g.cfg.IdleTimeout:
		g.state = schema.GateAuthenticated
		g.session = sess
		g.epoch++
	default:
		g.state = schema.GateLoggedOut
	}
	g.logger.Debug("admin gate restored",
		slog.String("state", string(g.state)),
		slog.Int("failures", g.attempts.Count),
	)
	return nil
}

// Authenticate runs an admin login ceremony with the given credential.
func (g *Gate) Authenticate(ctx context.Context, credentialID string) error {
	ctx = logging.WithOperation(logging.WithCredentialID(ctx, credentialID), "admin_login")

	g.mu.Lock()
	now := g.now()
	g.expireLocked(ctx, now)
	switch g.state {
	case schema.GateLocked:
		err := g.lockedErrorLocked(now)
		g.mu.Unlock()
		return err
	case schema.GateAwaitingChallenge:
		g.mu.Unlock()
		return schema.NewError(schema.ErrCodeAlreadyInProgress, "an admin login is already in progress")
	case schema.GateAuthenticated:
		g.mu.Unlock()
		return schema.NewError(schema.ErrCodeInvalidTransition, "already authenticated; log out first")
	}

	cred, err := g.creds.GetCredential(ctx, credentialID)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if !cred.Active {
		g.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeValidation, "credential %q is disabled", cred.Name)
	}
	if err := g.transitionLocked(schema.GateAwaitingChallenge); err != nil {
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	proveErr := g.prover.ProveWithin(ctx, cred, g.cfg.AuthTimeout)

	g.mu.Lock()
	defer g.mu.Unlock()
	now = g.now()
	if schema.HasCode(proveErr, schema.ErrCodeAlreadyInProgress) {
		// The key is busy in another ceremony; nothing was attempted.
		if err := g.transitionLocked(schema.GateLoggedOut); err != nil {
			return err
		}
		return proveErr
	}
	if proveErr != nil {
		return g.failLocked(ctx, now, cred.ID, proveErr)
	}

	if err := g.transitionLocked(schema.GateAuthenticated); err != nil {
		return err
	}
	g.session = schema.AdminSession{
		Authenticated:     true,
		AdminCredentialID: cred.ID,
		SessionStart:      now,
		LastActivity:      now,
	}
	g.attempts = schema.AuthAttemptCounter{}
	g.epoch++
	g.persistLocked(ctx)
	g.sink.Record(ctx, schema.EventAdminLogin, map[string]any{"credential_id": cred.ID})
	return nil
}

// Logout ends the current session. It is a no-op when not authenticated.
func (g *Gate) Logout(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != schema.GateAuthenticated {
		return nil
	}
	g.endSessionLocked(ctx, schema.LogoutManual)
	return nil
}

// Touch records user activity. It fails with UNAUTHENTICATED when there is
// no live session.
func (g *Gate) Touch(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if err := g.requireSessionLocked(ctx, now); err != nil {
		return err
	}
	g.session.LastActivity = now
	return nil
}

// RequireSession fails unless a session is live, without refreshing it.
func (g *Gate) RequireSession(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requireSessionLocked(ctx, g.now())
}

// CheckExpiry ends an idle session and clears an elapsed lock. It returns
// the resulting state.
func (g *Gate) CheckExpiry(ctx context.Context) schema.GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked(ctx, g.now())
	return g.state
}

// RequireReauth confirms the admin is still present before a sensitive
// operation. Within the re-auth window no ceremony runs. A cancelled
// prompt is reported as ReauthCancelled, not as an error.
func (g *Gate) RequireReauth(ctx context.Context, op string) (schema.ReauthOutcome, error) {
	ctx = logging.WithOperation(ctx, op)

	g.mu.Lock()
	now := g.now()
	if err := g.requireSessionLocked(ctx, now); err != nil {
		g.mu.Unlock()
		return "", err
	}
	if now.Sub(g.session.LastActivity) <= g.cfg.ReauthAfter {
		g.session.LastActivity = now
		g.mu.Unlock()
		return schema.ReauthNotRequired, nil
	}
	credID := g.session.AdminCredentialID
	epoch := g.epoch
	g.mu.Unlock()

	ctx = logging.WithCredentialID(ctx, credID)
	cred, err := g.creds.GetCredential(ctx, credID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.epoch == epoch && g.state == schema.GateAuthenticated {
			g.endSessionLocked(ctx, schema.LogoutCredentialRemoved)
		}
		return "", schema.NewError(schema.ErrCodeUnauthenticated,
			"the key that opened this session was removed; log in again").WithCause(err)
	}
	if err != nil {
		return "", err
	}
	proveErr := g.prover.ProveWithin(ctx, cred, g.cfg.ReauthTimeout)

	g.mu.Lock()
	defer g.mu.Unlock()
	now = g.now()
	if g.epoch != epoch || g.state != schema.GateAuthenticated {
		return "", schema.NewError(schema.ErrCodeUnauthenticated, "session ended during re-authentication")
	}
	if schema.HasCode(proveErr, schema.ErrCodeAlreadyInProgress) {
		return "", proveErr
	}
	if proveErr != nil {
		if schema.HasCode(proveErr, schema.ErrCodeCeremonyCancelled) {
			g.sink.Record(ctx, schema.EventReauthCancelled, map[string]any{"operation": op})
			return schema.ReauthCancelled, nil
		}
		return "", g.failLocked(ctx, now, credID, proveErr)
	}

	g.session.LastActivity = now
	g.persistLocked(ctx)
	g.sink.Record(ctx, schema.EventReauthConfirmed, map[string]any{"operation": op})
	return schema.ReauthConfirmed, nil
}

// Guard runs fn behind RequireReauth. fn is not called unless the outcome
// allows it.
func (g *Gate) Guard(ctx context.Context, op string, fn func(ctx context.Context) error) (schema.ReauthOutcome, error) {
	outcome, err := g.RequireReauth(ctx, op)
	if err != nil || !outcome.Proceed() {
		return outcome, err
	}
	err = fn(logging.WithOperation(ctx, op))
	_ = g.Touch(ctx)
	return outcome, err
}

// State returns the current state.
func (g *Gate) State() schema.GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Status returns the current state with session and lockout details.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		State:    g.state,
		Session:  g.session,
		Failures: g.attempts.Count,
	}
	if g.attempts.LockedUntil != nil {
		until := *g.attempts.LockedUntil
		st.LockedUntil = &until
	}
	return st
}

// Persist writes the session and attempt counter to the state store. The
// gate stays locked for the write so a concurrent logout or lock is never
// overwritten by an older copy.
func (g *Gate) Persist(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.store.SaveSession(ctx, g.session); err != nil {
		return err
	}
	return g.store.SaveAttempts(ctx, g.attempts)
}

// Reset logs out and clears the attempt counter. Used by a full system reset.
func (g *Gate) Reset(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == schema.GateAuthenticated {
		g.endSessionLocked(ctx, schema.LogoutManual)
	}
	g.attempts = schema.AuthAttemptCounter{}
	g.persistLocked(ctx)
}

func (g *Gate) requireSessionLocked(ctx context.Context, now time.Time) error {
	g.expireLocked(ctx, now)
	switch g.state {
	case schema.GateAuthenticated:
		return nil
	case schema.GateLocked:
		return g.lockedErrorLocked(now)
	default:
		return schema.NewError(schema.ErrCodeUnauthenticated, "admin login required")
	}
}

func (g *Gate) expireLocked(ctx context.Context, now time.Time) {
	switch g.state {
	case schema.GateLocked:
		if !g.attempts.LockedAt(now) {
			if err := g.transitionLocked(schema.GateLoggedOut); err == nil {
				g.logger.InfoContext(ctx, "admin lockout elapsed")
				g.persistLocked(ctx)
			}
		}
	case schema.GateAuthenticated:
		if now.Sub(g.session.LastActivity) > g.cfg.IdleTimeout {
			g.endSessionLocked(ctx, schema.LogoutExpired)
		}
	}
}

func (g *Gate) endSessionLocked(ctx context.Context, reason string) {
	credID := g.session.AdminCredentialID
	if err := g.transitionLocked(schema.GateLoggedOut); err != nil {
		return
	}
	g.session = schema.AdminSession{}
	g.epoch++
	g.persistLocked(ctx)
	g.sink.Record(ctx, schema.EventAdminLogout, map[string]any{
		"reason":        reason,
		"credential_id": credID,
	})
}

// failLocked counts a failed admin ceremony and locks the gate once the
// threshold is reached. The caller's state is either AwaitingChallenge
// (login) or Authenticated (re-auth).
func (g *Gate) failLocked(ctx context.Context, now time.Time, credID string, cause error) error {
	g.attempts.Count++
	g.attempts.LastAttemptAt = &now
	g.sink.Record(ctx, schema.EventAuthFailed, map[string]any{
		"credential_id": credID,
		"attempt":       g.attempts.Count,
		"code":          schema.CodeOf(cause),
	})

	if g.attempts.Count >= g.cfg.MaxFailures {
		until := now.Add(g.cfg.Lockout)
		g.attempts.LockedUntil = &until
		if g.state == schema.GateAuthenticated {
			g.epoch++
		}
		g.session = schema.AdminSession{}
		if err := g.transitionLocked(schema.GateLocked); err != nil {
			return err
		}
		g.persistLocked(ctx)
		g.sink.Record(ctx, schema.EventAccountLocked, map[string]any{
			"attempts":     g.attempts.Count,
			"locked_until": until.UTC().Format(time.RFC3339),
		})
		return schema.NewErrorf(schema.ErrCodeLocked,
			"too many failed attempts; locked for %s", g.cfg.Lockout).
			WithCause(cause).
			WithDetails(map[string]any{"locked_until": until, "attempts": g.attempts.Count})
	}

	if g.state == schema.GateAwaitingChallenge {
		if err := g.transitionLocked(schema.GateLoggedOut); err != nil {
			return err
		}
	}
	g.persistLocked(ctx)
	return cause
}

func (g *Gate) lockedErrorLocked(now time.Time) error {
	var until time.Time
	if g.attempts.LockedUntil != nil {
		until = *g.attempts.LockedUntil
	}
	return schema.NewError(schema.ErrCodeLocked, "admin login is locked").
		WithDetails(map[string]any{
			"locked_until": until,
			"retry_after":  until.Sub(now).Round(time.Second).String(),
		})
}

func (g *Gate) transitionLocked(to schema.GateState) error {
	from := g.state
	hookErrs, err := g.fsm.Transition(from, to)
	if err != nil {
		return err
	}
	g.state = to
	for _, hookErr := range hookErrs {
		g.logger.Warn("gate transition hook failed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", hookErr.Error()),
		)
	}
	return nil
}

// persistLocked saves state; failures are logged and do not abort the
// transition that triggered them.
func (g *Gate) persistLocked(ctx context.Context) {
	if err := g.store.SaveSession(ctx, g.session); err != nil {
		g.logger.WarnContext(ctx, "failed to save admin session", slog.String("error", err.Error()))
	}
	if err := g.store.SaveAttempts(ctx, g.attempts); err != nil {
		g.logger.WarnContext(ctx, "failed to save auth attempts", slog.String("error", err.Error()))
	}
}

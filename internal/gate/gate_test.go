package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pairvault/internal/authenticator"
	"github.com/rendis/pairvault/internal/ceremony"
	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/pkg/schema"
)

type fakeProver struct {
	calls atomic.Int32
	mu    sync.Mutex
	errs  []error // consumed in order; nil entries succeed
	block chan struct{}
}

func (p *fakeProver) ProveWithin(ctx context.Context, _ *schema.Credential, _ time.Duration) error {
	p.calls.Add(1)
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func (p *fakeProver) queue(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, errs...)
}

type fakeCreds map[string]*schema.Credential

func (f fakeCreds) GetCredential(_ context.Context, id string) (*schema.Credential, error) {
	c, ok := f[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential %q not found", id)
	}
	return c, nil
}

type memState struct {
	mu       sync.Mutex
	session  schema.AdminSession
	attempts schema.AuthAttemptCounter
	saves    int
}

func (m *memState) LoadSession(context.Context) (schema.AdminSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *memState) SaveSession(_ context.Context, s schema.AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.saves++
	return nil
}

func (m *memState) LoadAttempts(context.Context) (schema.AuthAttemptCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, nil
}

func (m *memState) SaveAttempts(_ context.Context, a schema.AuthAttemptCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = a
	return nil
}

type sinkRecord struct {
	kind    string
	details map[string]any
}

type memSink struct {
	mu     sync.Mutex
	events []sinkRecord
}

func (s *memSink) Record(_ context.Context, kind string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkRecord{kind, details})
}

func (s *memSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.kind
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	gate   *Gate
	prover *fakeProver
	state  *memState
	sink   *memSink
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		prover: &fakeProver{},
		state:  &memState{},
		sink:   &memSink{},
		clock:  &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	creds := fakeCreds{
		"K1": {ID: "K1", Name: "yubikey-1", Active: true},
		"K2": {ID: "K2", Name: "yubikey-2", Active: false},
	}
	f.gate = New(DefaultConfig(), f.prover, creds, f.state, f.sink, logging.Nop(), WithClock(f.clock.Now))
	return f
}

var errFailed = schema.NewError(schema.ErrCodeCeremonyFailed, "assertion failed")

func TestFSM_ValidTransitions(t *testing.T) {
	assert.True(t, IsValidTransition(schema.GateLoggedOut, schema.GateAwaitingChallenge))
	assert.True(t, IsValidTransition(schema.GateAwaitingChallenge, schema.GateLocked))
	assert.True(t, IsValidTransition(schema.GateLocked, schema.GateLoggedOut))
	assert.False(t, IsValidTransition(schema.GateLoggedOut, schema.GateAuthenticated))
	assert.False(t, IsValidTransition(schema.GateLocked, schema.GateAuthenticated))

	_, err := NewFSM().Transition(schema.GateLocked, schema.GateAuthenticated)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestFSM_HookErrorsCollected(t *testing.T) {
	fsm := NewFSM()
	var ran int
	fsm.OnAfter(schema.GateLoggedOut, schema.GateAwaitingChallenge, func(_, _ schema.GateState) error {
		ran++
		return errors.New("boom")
	})
	fsm.OnAfter(schema.GateLoggedOut, schema.GateAwaitingChallenge, func(_, _ schema.GateState) error {
		ran++
		return nil
	})
	hookErrs, err := fsm.Transition(schema.GateLoggedOut, schema.GateAwaitingChallenge)
	require.NoError(t, err)
	assert.Len(t, hookErrs, 1)
	assert.Equal(t, 2, ran)
}

func TestAuthenticate_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	st := f.gate.Status()
	assert.Equal(t, schema.GateAuthenticated, st.State)
	assert.Equal(t, "K1", st.Session.AdminCredentialID)
	assert.Equal(t, f.clock.Now(), st.Session.SessionStart)
	assert.Equal(t, []string{schema.EventAdminLogin}, f.sink.kinds())
	assert.True(t, f.state.session.Authenticated)
}

func TestAuthenticate_DisabledOrUnknownCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.gate.Authenticate(ctx, "K2")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	err = f.gate.Authenticate(ctx, "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Zero(t, f.prover.calls.Load())
	assert.Equal(t, schema.GateLoggedOut, f.gate.State())
}

func TestAuthenticate_AlreadyAuthenticated(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gate.Authenticate(context.Background(), "K1"))
	err := f.gate.Authenticate(context.Background(), "K1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestAuthenticate_LocksAfterThreeFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prover.queue(errFailed, errFailed, errFailed)

	for i := 0; i < 2; i++ {
		err := f.gate.Authenticate(ctx, "K1")
		assert.True(t, schema.HasCode(err, schema.ErrCodeCeremonyFailed))
		assert.Equal(t, schema.GateLoggedOut, f.gate.State())
	}
	err := f.gate.Authenticate(ctx, "K1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeLocked))
	assert.Equal(t, schema.GateLocked, f.gate.State())
	assert.Equal(t, int32(3), f.prover.calls.Load())

	// Fourth attempt is rejected without touching the authenticator.
	err = f.gate.Authenticate(ctx, "K1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeLocked))
	assert.Equal(t, int32(3), f.prover.calls.Load())

	var pe *schema.PairvaultError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Details, "retry_after")

	assert.Equal(t, []string{
		schema.EventAuthFailed, schema.EventAuthFailed, schema.EventAuthFailed, schema.EventAccountLocked,
	}, f.sink.kinds())
	assert.Equal(t, 3, f.state.attempts.Count)
	require.NotNil(t, f.state.attempts.LockedUntil)
}

func TestAuthenticate_LockoutElapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prover.queue(errFailed, errFailed, errFailed)
	for i := 0; i < 3; i++ {
		_ = f.gate.Authenticate(ctx, "K1")
	}
	require.Equal(t, schema.GateLocked, f.gate.State())

	f.clock.Advance(15*time.Minute + time.Second)
	assert.Equal(t, schema.GateLoggedOut, f.gate.CheckExpiry(ctx))

	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	assert.Equal(t, schema.GateAuthenticated, f.gate.State())
	assert.Zero(t, f.gate.Status().Failures)
}

func TestAuthenticate_CancelCountsOnAdminPath(t *testing.T) {
	f := newFixture(t)
	f.prover.queue(schema.NewError(schema.ErrCodeCeremonyCancelled, "cancelled"))
	err := f.gate.Authenticate(context.Background(), "K1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeCeremonyCancelled))
	assert.Equal(t, 1, f.gate.Status().Failures)
}

func TestAuthenticate_RejectsConcurrentLogin(t *testing.T) {
	f := newFixture(t)
	f.prover.block = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.gate.Authenticate(ctx, "K1") }()
	require.Eventually(t, func() bool { return f.gate.State() == schema.GateAwaitingChallenge }, time.Second, time.Millisecond)

	err := f.gate.Authenticate(ctx, "K1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyInProgress))

	close(f.prover.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.prover.calls.Load())
}

func TestSession_IdleExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))

	f.clock.Advance(29 * time.Minute)
	require.NoError(t, f.gate.Touch(ctx))
	f.clock.Advance(29 * time.Minute)
	assert.Equal(t, schema.GateAuthenticated, f.gate.CheckExpiry(ctx))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, schema.GateLoggedOut, f.gate.CheckExpiry(ctx))
	assert.False(t, f.state.session.Authenticated)

	err := f.gate.Touch(ctx)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnauthenticated))

	f.sink.mu.Lock()
	last := f.sink.events[len(f.sink.events)-1]
	f.sink.mu.Unlock()
	assert.Equal(t, schema.EventAdminLogout, last.kind)
	assert.Equal(t, schema.LogoutExpired, last.details["reason"])
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.Logout(ctx))
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	require.NoError(t, f.gate.Logout(ctx))
	assert.Equal(t, schema.GateLoggedOut, f.gate.State())
	assert.Equal(t, []string{schema.EventAdminLogin, schema.EventAdminLogout}, f.sink.kinds())
}

func TestReauth_WithinWindowNoCeremony(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	f.clock.Advance(5 * time.Minute)

	outcome, err := f.gate.RequireReauth(ctx, "delete_credential")
	require.NoError(t, err)
	assert.Equal(t, schema.ReauthNotRequired, outcome)
	assert.Equal(t, int32(1), f.prover.calls.Load())
}

func TestReauth_OutsideWindowExactlyOneCeremony(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	f.clock.Advance(11 * time.Minute)

	var ran int
	outcome, err := f.gate.Guard(ctx, "delete_credential", func(context.Context) error {
		ran++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ReauthConfirmed, outcome)
	assert.Equal(t, 1, ran)
	assert.Equal(t, int32(2), f.prover.calls.Load())

	// Confirmation refreshes the window.
	outcome, err = f.gate.RequireReauth(ctx, "delete_vault")
	require.NoError(t, err)
	assert.Equal(t, schema.ReauthNotRequired, outcome)
	assert.Equal(t, int32(2), f.prover.calls.Load())
}

func TestReauth_CancelHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	f.clock.Advance(11 * time.Minute)
	f.prover.queue(schema.NewError(schema.ErrCodeCeremonyCancelled, "cancelled"))

	var ran bool
	outcome, err := f.gate.Guard(ctx, "reset", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ReauthCancelled, outcome)
	assert.False(t, outcome.Proceed())
	assert.False(t, ran)
	assert.Zero(t, f.gate.Status().Failures)
	assert.Equal(t, schema.GateAuthenticated, f.gate.State())
	assert.Contains(t, f.sink.kinds(), schema.EventReauthCancelled)
}

func TestReauth_FailureCountsTowardLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))

	f.prover.queue(errFailed, errFailed, errFailed)
	for i := 0; i < 2; i++ {
		f.clock.Advance(11 * time.Minute)
		_, err := f.gate.RequireReauth(ctx, "reset")
		assert.True(t, schema.HasCode(err, schema.ErrCodeCeremonyFailed))
		assert.Equal(t, schema.GateAuthenticated, f.gate.State())
		// Keep the session alive between attempts.
		require.NoError(t, f.gate.Touch(ctx))
	}
	f.clock.Advance(11 * time.Minute)
	_, err := f.gate.RequireReauth(ctx, "reset")
	assert.True(t, schema.HasCode(err, schema.ErrCodeLocked))
	assert.Equal(t, schema.GateLocked, f.gate.State())
	assert.False(t, f.state.session.Authenticated)
}

func TestReauth_RequiresSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.RequireReauth(context.Background(), "reset")
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnauthenticated))
}

func TestRestore(t *testing.T) {
	t.Run("live session rehydrates", func(t *testing.T) {
		f := newFixture(t)
		f.state.session = schema.AdminSession{
			Authenticated:     true,
			AdminCredentialID: "K1",
			SessionStart:      f.clock.Now().Add(-time.Hour),
			LastActivity:      f.clock.Now().Add(-5 * time.Minute),
		}
		require.NoError(t, f.gate.Restore(context.Background()))
		assert.Equal(t, schema.GateAuthenticated, f.gate.State())
	})

	t.Run("idle session is dropped", func(t *testing.T) {
		f := newFixture(t)
		f.state.session = schema.AdminSession{
			Authenticated:     true,
			AdminCredentialID: "K1",
			LastActivity:      f.clock.Now().Add(-31 * time.Minute),
		}
		require.NoError(t, f.gate.Restore(context.Background()))
		assert.Equal(t, schema.GateLoggedOut, f.gate.State())
	})

	t.Run("active lock is restored", func(t *testing.T) {
		f := newFixture(t)
		until := f.clock.Now().Add(5 * time.Minute)
		f.state.attempts = schema.AuthAttemptCounter{Count: 3, LockedUntil: &until}
		require.NoError(t, f.gate.Restore(context.Background()))
		assert.Equal(t, schema.GateLocked, f.gate.State())
		err := f.gate.Authenticate(context.Background(), "K1")
		assert.True(t, schema.HasCode(err, schema.ErrCodeLocked))
		assert.Zero(t, f.prover.calls.Load())
	})
}

func TestOnTransitionHook(t *testing.T) {
	f := newFixture(t)
	var expired atomic.Bool
	f.gate.OnTransition(schema.GateAuthenticated, schema.GateLoggedOut, func(_, _ schema.GateState) error {
		expired.Store(true)
		return nil
	})
	require.NoError(t, f.gate.Authenticate(context.Background(), "K1"))
	f.clock.Advance(31 * time.Minute)
	f.gate.CheckExpiry(context.Background())
	assert.True(t, expired.Load())
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prover.queue(errFailed)
	_ = f.gate.Authenticate(ctx, "K1")
	require.Equal(t, 1, f.gate.Status().Failures)

	f.gate.Reset(ctx)
	assert.Equal(t, schema.GateLoggedOut, f.gate.State())
	assert.Zero(t, f.gate.Status().Failures)
	assert.Zero(t, f.state.attempts.Count)
}

// stallState blocks the first SaveSession after arm until release is closed.
type stallState struct {
	*memState
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newStallState() *stallState {
	return &stallState{
		memState: &memState{},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (s *stallState) SaveSession(ctx context.Context, sess schema.AdminSession) error {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return s.memState.SaveSession(ctx, sess)
}

func TestPersist_DoesNotOverwriteLaterState(t *testing.T) {
	creds := fakeCreds{"K1": {ID: "K1", Name: "yubikey-1", Active: true}}
	ctx := context.Background()

	t.Run("logout during autosave", func(t *testing.T) {
		st := newStallState()
		c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
		g := New(DefaultConfig(), &fakeProver{}, creds, st, nil, logging.Nop(), WithClock(c.Now))
		require.NoError(t, g.Authenticate(ctx, "K1"))

		st.armed.Store(true)
		persisted := make(chan error, 1)
		go func() { persisted <- g.Persist(ctx) }()
		<-st.entered

		loggedOut := make(chan struct{})
		go func() {
			_ = g.Logout(ctx)
			close(loggedOut)
		}()
		assert.Never(t, func() bool {
			select {
			case <-loggedOut:
				return true
			default:
				return false
			}
		}, 50*time.Millisecond, 5*time.Millisecond, "logout must wait for the running save")

		close(st.release)
		require.NoError(t, <-persisted)
		<-loggedOut

		assert.False(t, st.session.Authenticated)
		restarted := New(DefaultConfig(), &fakeProver{}, creds, st.memState, nil, logging.Nop(), WithClock(c.Now))
		require.NoError(t, restarted.Restore(ctx))
		assert.Equal(t, schema.GateLoggedOut, restarted.State())
	})

	t.Run("lock during autosave", func(t *testing.T) {
		st := newStallState()
		c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
		prover := &fakeProver{}
		prover.queue(errFailed, errFailed, errFailed)
		g := New(DefaultConfig(), prover, creds, st, nil, logging.Nop(), WithClock(c.Now))
		for i := 0; i < 2; i++ {
			_ = g.Authenticate(ctx, "K1")
		}

		st.armed.Store(true)
		persisted := make(chan error, 1)
		go func() { persisted <- g.Persist(ctx) }()
		<-st.entered

		locked := make(chan error, 1)
		go func() { locked <- g.Authenticate(ctx, "K1") }()
		close(st.release)
		require.NoError(t, <-persisted)
		assert.True(t, schema.HasCode(<-locked, schema.ErrCodeLocked))

		assert.Equal(t, 3, st.attempts.Count)
		require.NotNil(t, st.attempts.LockedUntil)
		restarted := New(DefaultConfig(), &fakeProver{}, creds, st.memState, nil, logging.Nop(), WithClock(c.Now))
		require.NoError(t, restarted.Restore(ctx))
		assert.Equal(t, schema.GateLocked, restarted.State())
	})
}

var errBusy = schema.NewError(schema.ErrCodeAlreadyInProgress, "a ceremony for this key is already running")

func TestAuthenticate_BusyKeyIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prover.queue(errBusy, errBusy, errBusy)

	for i := 0; i < 3; i++ {
		err := f.gate.Authenticate(ctx, "K1")
		assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyInProgress))
		assert.Equal(t, schema.GateLoggedOut, f.gate.State())
	}
	assert.Zero(t, f.gate.Status().Failures)
	assert.Empty(t, f.sink.kinds())

	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	assert.Equal(t, schema.GateAuthenticated, f.gate.State())
}

func TestReauth_BusyKeyIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))
	f.clock.Advance(11 * time.Minute)
	f.prover.queue(errBusy, errBusy, errBusy)

	for i := 0; i < 3; i++ {
		outcome, err := f.gate.RequireReauth(ctx, "delete_vault")
		assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyInProgress))
		assert.Empty(t, outcome)
	}
	assert.Equal(t, schema.GateAuthenticated, f.gate.State())
	assert.Zero(t, f.gate.Status().Failures)
}

func TestReauth_RemovedAdminKeyEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds := fakeCreds{"K1": {ID: "K1", Name: "yubikey-1", Active: true}}
	f.gate = New(DefaultConfig(), f.prover, creds, f.state, f.sink, logging.Nop(), WithClock(f.clock.Now))
	require.NoError(t, f.gate.Authenticate(ctx, "K1"))

	delete(creds, "K1")
	f.clock.Advance(11 * time.Minute)
	_, err := f.gate.RequireReauth(ctx, "delete_vault")
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnauthenticated))
	assert.Equal(t, schema.GateLoggedOut, f.gate.State())
	assert.Equal(t, int32(1), f.prover.calls.Load())
	assert.False(t, f.state.session.Authenticated)

	f.sink.mu.Lock()
	last := f.sink.events[len(f.sink.events)-1]
	f.sink.mu.Unlock()
	assert.Equal(t, schema.EventAdminLogout, last.kind)
	assert.Equal(t, schema.LogoutCredentialRemoved, last.details["reason"])
}

func TestAuthenticate_HeldCeremonyGuardNeverLocks(t *testing.T) {
	key, err := authenticator.NewSoftKey(t.TempDir(), nil)
	require.NoError(t, err)
	guard := ceremony.NewGuard()
	runner := ceremony.NewRunner(key, guard, ceremony.DefaultConfig(), logging.Nop())
	creds := fakeCreds{"K1": {ID: "K1", Name: "yubikey-1", PublicID: []byte("k1"), Active: true}}
	st := &memState{}
	g := New(DefaultConfig(), runner, creds, st, nil, logging.Nop())

	h, err := guard.Start("K1")
	require.NoError(t, err)
	defer h.Release()

	for i := 0; i < 3; i++ {
		err := g.Authenticate(context.Background(), "K1")
		assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyInProgress), "attempt %d: %v", i+1, err)
	}
	assert.Equal(t, schema.GateLoggedOut, g.State())
	assert.Zero(t, g.Status().Failures)
	assert.Zero(t, st.attempts.Count)
}

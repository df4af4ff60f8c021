package ceremony

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/pairvault/internal/authenticator"
	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/pkg/schema"
)

const challengeSize = 32

// Config holds ceremony timeouts.
type Config struct {
	EnrollTimeout time.Duration
	ProveTimeout  time.Duration
}

// DefaultConfig returns the standard ceremony timeouts.
func DefaultConfig() Config {
	return Config{
		EnrollTimeout: 60 * time.Second,
		ProveTimeout:  60 * time.Second,
	}
}

// Runner performs ceremonies through the authenticator under the guard.
type Runner struct {
	auth   authenticator.Authenticator
	guard  *Guard
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a ceremony runner.
func NewRunner(auth authenticator.Authenticator, guard *Guard, cfg Config, logger *slog.Logger) *Runner {
	if cfg.EnrollTimeout <= 0 {
		cfg.EnrollTimeout = DefaultConfig().EnrollTimeout
	}
	if cfg.ProveTimeout <= 0 {
		cfg.ProveTimeout = DefaultConfig().ProveTimeout
	}
	return &Runner{auth: auth, guard: guard, cfg: cfg, logger: logger}
}

// Guard exposes the runner's concurrency guard.
func (r *Runner) Guard() *Guard {
	return r.guard
}

// Enroll runs a creation ceremony and returns the new credential's public
// identifier. Enrollment has no credential id yet, so it is guarded by name.
func (r *Runner) Enroll(ctx context.Context, name string) ([]byte, error) {
	h, err := r.guard.Start("enroll:" + name)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.EnrollTimeout)
	defer cancel()

	att, err := r.auth.Create(cctx, authenticator.CreateParams{Name: name, Challenge: challenge})
	if err != nil {
		return nil, r.classify(ctx, cctx, err, "enroll")
	}
	if len(att.PublicID) == 0 {
		return nil, schema.NewError(schema.ErrCodeCeremonyFailed, "authenticator returned an empty credential id")
	}
	return att.PublicID, nil
}

// Prove runs an assertion ceremony for one credential using the default
// timeout.
func (r *Runner) Prove(ctx context.Context, cred *schema.Credential) error {
	return r.ProveWithin(ctx, cred, r.cfg.ProveTimeout)
}

// ProveWithin runs an assertion ceremony for one credential, bounded by
// timeout. The credential is marked busy for the whole ceremony.
func (r *Runner) ProveWithin(ctx context.Context, cred *schema.Credential, timeout time.Duration) error {
	h, err := r.guard.Start(cred.ID)
	if err != nil {
		return err
	}
	defer h.Release()

	ctx = logging.WithCredentialID(ctx, cred.ID)
	challenge, err := newChallenge()
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.DebugContext(ctx, "ceremony started")
	as, err := r.auth.Get(cctx, authenticator.GetParams{PublicID: cred.PublicID, Challenge: challenge})
	if err != nil {
		return r.classify(ctx, cctx, err, "prove")
	}
	if !bytes.Equal(as.PublicID, cred.PublicID) {
		return schema.NewError(schema.ErrCodeCeremonyFailed, "authenticator answered with a different credential").
			WithDetails(map[string]any{"credential_id": cred.ID})
	}
	r.logger.DebugContext(ctx, "ceremony confirmed")
	return nil
}

// classify maps an authenticator failure onto the ceremony error codes.
// A parent context that was cancelled means the caller abandoned the
// operation; the ceremony's own deadline expiring is a timeout.
func (r *Runner) classify(parent, cctx context.Context, err error, op string) error {
	var code string
	switch {
	case errors.Is(err, authenticator.ErrCancelled):
		code = schema.ErrCodeCeremonyCancelled
	case parent.Err() != nil:
		code = schema.ErrCodeCeremonyCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		code = schema.ErrCodeCeremonyTimeout
	case errors.Is(err, context.Canceled):
		code = schema.ErrCodeCeremonyCancelled
	case errors.Is(err, authenticator.ErrUnsupported):
		code = schema.ErrCodeCeremonyUnsupported
	default:
		code = schema.ErrCodeCeremonyFailed
	}
	r.logger.WarnContext(parent, "ceremony failed",
		slog.String("op", op),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
	return schema.NewErrorf(code, "%s ceremony failed", op).WithCause(err)
}

func newChallenge() ([]byte, error) {
	b := make([]byte, challengeSize)
	if _, err := rand.Read(b); err != nil {
		return nil, schema.NewError(schema.ErrCodeCrypto, "generate challenge").WithCause(err)
	}
	return b, nil
}

package logging

import (
	"context"
	"log/slog"
	"slices"
)

type scopeKey struct{}

// scope is what a log line needs to be tied back to a holder action: the
// key in a ceremony, the vault being touched, the two keys presented to
// open it, and the operation name.
type scope struct {
	credentialID string
	vaultID      string
	pair         []string
	operation    string
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	s := scopeFrom(ctx)
	s.pair = slices.Clone(s.pair)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithCredentialID tags ctx with the key currently in a ceremony.
func WithCredentialID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.credentialID = id })
}

// WithVaultID tags ctx with the vault being created, opened or deleted.
func WithVaultID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.vaultID = id })
}

// WithPair tags ctx with the two keys presented together. The pair is
// stored sorted, so both presentation orders log the same way.
func WithPair(ctx context.Context, a, b string) context.Context {
	pair := []string{a, b}
	slices.Sort(pair)
	return withScope(ctx, func(s *scope) { s.pair = pair })
}

// WithOperation tags ctx with the holder-facing operation name.
func WithOperation(ctx context.Context, op string) context.Context {
	return withScope(ctx, func(s *scope) { s.operation = op })
}

func CredentialID(ctx context.Context) string { return scopeFrom(ctx).credentialID }

func VaultID(ctx context.Context) string { return scopeFrom(ctx).vaultID }

func Operation(ctx context.Context) string { return scopeFrom(ctx).operation }

// Pair returns the sorted pair set by WithPair, or nil.
func Pair(ctx context.Context) []string { return slices.Clone(scopeFrom(ctx).pair) }

// Attrs returns the non-empty scope values of ctx as log attributes.
func Attrs(ctx context.Context) []slog.Attr {
	s := scopeFrom(ctx)
	var attrs []slog.Attr
	if s.operation != "" {
		attrs = append(attrs, slog.String("operation", s.operation))
	}
	if s.vaultID != "" {
		attrs = append(attrs, slog.String("vault_id", s.vaultID))
	}
	if len(s.pair) == 2 {
		attrs = append(attrs, slog.Any("pair", s.pair))
	}
	if s.credentialID != "" {
		attrs = append(attrs, slog.String("credential_id", s.credentialID))
	}
	return attrs
}

// redacted lists attribute keys whose values never reach a log sink.
var redacted = []string{"plaintext", "secret", "content_key", "pair_key", "private_key"}

func redact(a slog.Attr) slog.Attr {
	if slices.Contains(redacted, a.Key) {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// Handler adds the context's scope to every record and masks attributes
// that could carry vault contents or key material.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})
	out.AddAttrs(Attrs(ctx)...)
	return h.inner.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = redact(a)
	}
	return &Handler{inner: h.inner.WithAttrs(masked)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

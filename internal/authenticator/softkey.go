package authenticator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ConfirmFunc asks the holder to approve a ceremony, the software analogue of
// touching the key. It returns ErrCancelled when declined.
type ConfirmFunc func(ctx context.Context, prompt string) error

// SoftKey is a software authenticator holding ed25519 keys. With a Dir set,
// keys persist as one file per credential; otherwise they live in memory.
type SoftKey struct {
	dir     string
	confirm ConfirmFunc

	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

// NewSoftKey creates a software authenticator. confirm may be nil, in which
// case every ceremony is approved.
func NewSoftKey(dir string, confirm ConfirmFunc) (*SoftKey, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
	}
	return &SoftKey{dir: dir, confirm: confirm, keys: make(map[string]ed25519.PrivateKey)}, nil
}

// Create generates a new credential after the holder confirms.
func (s *SoftKey) Create(ctx context.Context, p CreateParams) (*Attestation, error) {
	if err := s.approve(ctx, fmt.Sprintf("Create credential %q", p.Name)); err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate credential id: %w", err)
	}

	if err := s.save(id, priv); err != nil {
		return nil, err
	}
	return &Attestation{PublicID: id, PublicKey: pub}, nil
}

// Get signs the challenge with the requested credential after the holder
// confirms.
func (s *SoftKey) Get(ctx context.Context, p GetParams) (*Assertion, error) {
	priv, err := s.load(p.PublicID)
	if err != nil {
		return nil, err
	}
	if err := s.approve(ctx, "Use credential "+fileName(p.PublicID)); err != nil {
		return nil, err
	}
	return &Assertion{PublicID: p.PublicID, Signature: ed25519.Sign(priv, p.Challenge)}, nil
}

// Forget removes a credential from the device.
func (s *SoftKey) Forget(publicID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, fileName(publicID))
	if s.dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, fileName(publicID)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *SoftKey) approve(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.confirm == nil {
		return nil
	}
	return s.confirm(ctx, prompt)
}

func (s *SoftKey) save(id []byte, priv ed25519.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fileName(id)
	s.keys[name] = priv
	if s.dir == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), priv.Seed(), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func (s *SoftKey) load(id []byte) (ed25519.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fileName(id)
	if priv, ok := s.keys[name]; ok {
		return priv, nil
	}
	if s.dir == "" {
		return nil, ErrUnknownCredential
	}
	seed, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s is corrupt", name)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	s.keys[name] = priv
	return priv, nil
}

func fileName(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

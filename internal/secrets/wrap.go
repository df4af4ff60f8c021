package secrets

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/rendis/pairvault/pkg/schema"
)

const wrapInfo = "pairvault/v1/content-key-wrap"

// NewContentKey returns a random content key for a shared-mode vault.
func NewContentKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	b, err := randomBytes(KeySize)
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}

// wrapKey separates the key that seals a content key from the pair key, so
// the same pair key is never used directly for two different purposes.
func wrapKey(pairKey [KeySize]byte, salt []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	r := hkdf.New(sha256.New, pairKey[:], salt, []byte(wrapInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, schema.NewError(schema.ErrCodeCrypto, "hkdf expand").WithCause(err)
	}
	return out, nil
}

// WrapKey seals contentKey under a key derived from pairKey.
func WrapKey(contentKey, pairKey [KeySize]byte, salt []byte) (wrapped, iv []byte, err error) {
	k, err := wrapKey(pairKey, salt)
	if err != nil {
		return nil, nil, err
	}
	return Encrypt(contentKey[:], k)
}

// UnwrapKey reverses WrapKey. A pair key that did not wrap this content key
// fails with ErrCodeAuthTagMismatch.
func UnwrapKey(wrapped, iv []byte, pairKey [KeySize]byte, salt []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	k, err := wrapKey(pairKey, salt)
	if err != nil {
		return out, err
	}
	plain, err := Decrypt(wrapped, k, iv)
	if err != nil {
		return out, err
	}
	if len(plain) != KeySize {
		return out, schema.NewErrorf(schema.ErrCodeCrypto, "unwrapped key has %d bytes", len(plain))
	}
	copy(out[:], plain)
	return out, nil
}

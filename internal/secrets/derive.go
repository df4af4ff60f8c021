package secrets

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/rendis/pairvault/pkg/schema"
)

// KeySize is the length of every derived and content key (AES-256).
const KeySize = 32

// SaltSize is the length of the per-vault random salt.
const SaltSize = 16

// DeriveKey turns two credential public identifiers and a salt into a
// symmetric key. The identifiers are placed in canonical order first, so
// DeriveKey(a, b, s) == DeriveKey(b, a, s).
//
// The key is SHA-256 over the concatenation of both identifiers' standard
// base64 text, lowest first, followed by the salt's base64 text. This is the
// same input layout the enrollment records have always used, so existing
// vaults keep decrypting.
//
// Anyone holding both public identifiers and the salt can compute the key.
// Possession of the hardware keys only decides who is allowed to call this.
func DeriveKey(publicA, publicB, salt []byte) ([KeySize]byte, error) {
	if len(publicA) == 0 || len(publicB) == 0 {
		return [KeySize]byte{}, schema.NewError(schema.ErrCodeValidation, "public identifier must not be empty")
	}
	if len(salt) == 0 {
		return [KeySize]byte{}, schema.NewError(schema.ErrCodeValidation, "salt must not be empty")
	}

	a := base64.StdEncoding.EncodeToString(publicA)
	b := base64.StdEncoding.EncodeToString(publicB)
	if b < a {
		a, b = b, a
	}

	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte(b))
	h.Write([]byte(base64.StdEncoding.EncodeToString(salt)))

	var key [KeySize]byte
	copy(key[:], h.Sum(nil))
	return key, nil
}

// NewSalt returns a fresh random vault salt.
func NewSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

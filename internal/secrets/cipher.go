package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/rendis/pairvault/pkg/schema"
)

// IVSize is the AES-GCM nonce length used for every ciphertext.
const IVSize = 12

// Encrypt seals plaintext under key with AES-256-GCM and a fresh random iv.
// The iv is returned separately and is never reused for the same key.
func Encrypt(plaintext []byte, key [KeySize]byte) (ciphertext, iv []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	iv, err = randomBytes(IVSize)
	if err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext produced by Encrypt. A wrong key or any change to
// the ciphertext or iv yields ErrCodeAuthTagMismatch.
func Decrypt(ciphertext []byte, key [KeySize]byte, iv []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "iv must be %d bytes, got %d", IVSize, len(iv))
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAuthTagMismatch, "decryption failed: wrong key or tampered data")
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCrypto, "aes cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCrypto, "gcm").WithCause(err)
	}
	return aead, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, schema.NewError(schema.ErrCodeCrypto, fmt.Sprintf("read %d random bytes", n)).WithCause(err)
	}
	return b, nil
}

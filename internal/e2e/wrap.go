package e2e

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KDF parameters for wrapping private keys at rest.
const (
	kdfTime    = 2
	kdfMemory  = 19 * 1024
	kdfThreads = 1
	saltSize   = 16
)

// ErrUnwrap means the wrapping secret is wrong or the blob is damaged.
var ErrUnwrap = errors.New("e2e: cannot unwrap private key")

func deriveKEK(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
}

// WrapPrivate encrypts a private key under a key derived from secret.
// The result is salt || nonce || ciphertext.
func WrapPrivate(private, secret []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(deriveKEK(secret, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append(salt, nonce...)
	return aead.Seal(out, nonce, private, salt), nil
}

// UnwrapPrivate reverses WrapPrivate.
func UnwrapPrivate(blob, secret []byte) ([]byte, error) {
	if len(blob) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrUnwrap
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	aead, err := chacha20poly1305.NewX(deriveKEK(secret, salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, blob[saltSize+chacha20poly1305.NonceSizeX:], salt)
	if err != nil {
		return nil, ErrUnwrap
	}
	return plain, nil
}

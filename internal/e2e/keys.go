// Package e2e implements the message sealing used between accounts: X25519
// key pairs, per-recipient wrapped content keys and XChaCha20-Poly1305
// bodies.
package e2e

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of public and private keys.
const KeySize = 32

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// Generate creates a fresh key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// FromBytes rebuilds a key pair from raw keys.
func FromBytes(public, private []byte) (*KeyPair, error) {
	if len(public) != KeySize || len(private) != KeySize {
		return nil, errors.New("key pair: bad key length")
	}
	kp := &KeyPair{}
	copy(kp.Public[:], public)
	copy(kp.Private[:], private)
	return kp, nil
}

// Fingerprint returns the key's identity: 40 upper-case hex characters of
// the first 20 bytes of its SHA-256.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return strings.ToUpper(hex.EncodeToString(sum[:20]))
}

// Fingerprint of the key pair's public half.
func (kp *KeyPair) Fingerprint() string { return Fingerprint(kp.Public[:]) }

// FormatFingerprint groups fp in blocks of four for display.
func FormatFingerprint(fp string) string {
	var b strings.Builder
	for i := 0; i < len(fp); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(fp[i:min(i+4, len(fp))])
	}
	return b.String()
}

// NormalizeFingerprint strips spaces and colons and upper-cases fp.
func NormalizeFingerprint(fp string) string {
	r := strings.NewReplacer(" ", "", ":", "", "\n", "")
	return strings.ToUpper(r.Replace(fp))
}

// EncodeKey renders a public key for the Autocrypt keydata attribute.
func EncodeKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodeKey parses Autocrypt keydata, tolerating folded whitespace.
func DecodeKey(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("decode key: length %d, want %d", len(key), KeySize)
	}
	return key, nil
}

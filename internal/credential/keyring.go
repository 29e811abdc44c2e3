package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "postbox"

// PasswordEnv supplies the account password when no keyring entry exists.
const PasswordEnv = "POSTBOX_PASSWORD"

// ErrNoPassword means neither the keyring nor the environment holds one.
var ErrNoPassword = errors.New("no password stored for account")

// Store keeps one account's secrets: the mail password and the secret that
// wraps the private key at rest.
type Store struct {
	ring    keyring.Keyring
	account string
}

// Open returns a Store backed by the system keyring, falling back to an
// encrypted file under dir.
func Open(account, dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring, account: account}, nil
}

// New wraps an existing keyring, e.g. keyring.NewArrayKeyring in tests.
func New(ring keyring.Keyring, account string) *Store {
	return &Store{ring: ring, account: account}
}

func (s *Store) key(name string) string { return s.account + "/" + name }

// Password returns the stored mail password, or $POSTBOX_PASSWORD.
func (s *Store) Password() (string, error) {
	item, err := s.ring.Get(s.key("password"))
	if err == nil {
		return string(item.Data), nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting password: %w", err)
	}
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}
	return "", ErrNoPassword
}

// SetPassword stores the mail password.
func (s *Store) SetPassword(pw string) error {
	err := s.ring.Set(keyring.Item{
		Key:   s.key("password"),
		Data:  []byte(pw),
		Label: "postbox mail password (" + s.account + ")",
	})
	if err != nil {
		return fmt.Errorf("setting password: %w", err)
	}
	return nil
}

// WrappingSecret returns the account's key-wrapping secret, creating a
// random one on first use.
func (s *Store) WrappingSecret() ([]byte, error) {
	item, err := s.ring.Get(s.key("keywrap"))
	if err == nil {
		return item.Data, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("getting wrapping secret: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := s.ring.Set(keyring.Item{Key: s.key("keywrap"), Data: secret, Label: "postbox key wrap (" + s.account + ")"}); err != nil {
		return nil, fmt.Errorf("setting wrapping secret: %w", err)
	}
	return secret, nil
}

// Delete removes every secret of the account.
func (s *Store) Delete() error {
	for _, k := range []string{"password", "keywrap"} {
		if err := s.ring.Remove(s.key(k)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("deleting credential %q: %w", k, err)
		}
	}
	return nil
}

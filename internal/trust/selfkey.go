package trust

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/e2e"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/store"
)

// SelfKey returns the account's key pair, generating and storing one on
// first use.
func (s *Store) SelfKey(ctx context.Context, q *store.Queries) (*e2e.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self != nil {
		return s.self, nil
	}

	secret, err := s.secrets.WrappingSecret()
	if err != nil {
		return nil, fmt.Errorf("self key: %w", err)
	}

	stored, err := q.DefaultKeypair(ctx)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		priv, err := e2e.UnwrapPrivate(stored.PrivateKey, secret)
		if err != nil {
			return nil, fmt.Errorf("self key: %w", err)
		}
		kp, err := e2e.FromBytes(stored.PublicKey, priv)
		if err != nil {
			return nil, err
		}
		s.self = kp
		return kp, nil
	}

	addr, err := q.SelfAddr(ctx)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, errs.ErrNotConfigured
	}
	kp, err := e2e.Generate()
	if err != nil {
		return nil, err
	}
	wrapped, err := e2e.WrapPrivate(kp.Private[:], secret)
	if err != nil {
		return nil, err
	}
	if err := q.SaveKeypair(ctx, &store.Keypair{
		Addr:       addr,
		PublicKey:  kp.Public[:],
		PrivateKey: wrapped,
		Created:    time.Now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("save self key: %w", err)
	}
	if err := q.SetConfig(ctx, store.KeySelfFingerprint, kp.Fingerprint()); err != nil {
		return nil, err
	}
	s.log.Info("generated self key", zap.String("fingerprint", kp.Fingerprint()))
	s.self = kp
	return kp, nil
}

// Seal encrypts plaintext to recipients and to the account itself.
func (s *Store) Seal(ctx context.Context, q *store.Queries, plaintext []byte, recipients [][]byte) ([]byte, error) {
	self, err := s.SelfKey(ctx, q)
	if err != nil {
		return nil, err
	}
	return e2e.Seal(plaintext, self, recipients)
}

// Open decrypts an envelope addressed to the account. It returns the
// plaintext and the authenticated sender key.
func (s *Store) Open(ctx context.Context, q *store.Queries, sealed []byte) ([]byte, []byte, error) {
	self, err := s.SelfKey(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	return e2e.Open(sealed, self)
}

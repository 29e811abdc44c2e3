// Package trust keeps per-contact key state and decides when outgoing mail
// is encrypted.
package trust

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/e2e"
	"github.com/matheus3301/postbox/internal/store"
)

// Level is how far a contact's key is trusted.
type Level int

const (
	LevelNone   Level = iota // key seen in an Autocrypt header, or no key
	LevelGossip              // only known through gossip from a third member
	LevelDirect              // confirmed by a completed secure-join
)

func (l Level) String() string {
	switch l {
	case LevelGossip:
		return "gossip"
	case LevelDirect:
		return "direct"
	default:
		return "none"
	}
}

// LevelOf returns the verification level of p.
func LevelOf(p *store.Peerstate) Level {
	switch {
	case p == nil:
		return LevelNone
	case len(p.VerifiedKey) > 0:
		return LevelDirect
	case len(p.PublicKey) == 0 && len(p.GossipKey) > 0:
		return LevelGossip
	default:
		return LevelNone
	}
}

// SecretSource supplies the secret wrapping the account's private key.
type SecretSource interface {
	WrappingSecret() ([]byte, error)
}

// Store is the trust store. Methods taking a *store.Queries run inside the
// caller's transaction.
type Store struct {
	log     *zap.Logger
	policy  Policy
	secrets SecretSource

	mu   sync.Mutex
	self *e2e.KeyPair
}

// New creates a trust store.
func New(log *zap.Logger, policy Policy, secrets SecretSource) *Store {
	return &Store{log: log.Named("trust"), policy: policy, secrets: secrets}
}

// Policy returns the encryption and gossip policy in effect.
func (s *Store) Policy() Policy { return s.policy }

// Peerstate returns the peerstate of addr or nil.
func (s *Store) Peerstate(ctx context.Context, q *store.Queries, addr string) (*store.Peerstate, error) {
	return q.PeerstateByAddr(ctx, addr)
}

// KeyMaterial is a key learned from one inbound message.
type KeyMaterial struct {
	Key           []byte
	PreferEncrypt int
	Gossip        bool
}

// Change describes the effect of ApplyInbound.
type Change struct {
	Created     bool
	KeyChanged  bool
	Fingerprint string
}

// ApplyInbound merges key material seen in a message dated at (unix ms).
// Older material than what is stored is ignored. The verified key is never
// touched here; only Verify and ResetVerification change it.
func (s *Store) ApplyInbound(ctx context.Context, q *store.Queries, addr string, km KeyMaterial, at int64) (Change, error) {
	if len(km.Key) != e2e.KeySize {
		return Change{}, fmt.Errorf("apply key for %s: bad key length %d", addr, len(km.Key))
	}
	p, err := q.PeerstateByAddr(ctx, addr)
	if err != nil {
		return Change{}, err
	}
	var ch Change
	if p == nil {
		p = &store.Peerstate{Addr: addr}
		ch.Created = true
	}
	fp := e2e.Fingerprint(km.Key)
	ch.Fingerprint = fp

	if km.Gossip {
		if at <= p.GossipTimestamp {
			return Change{}, nil
		}
		ch.KeyChanged = len(p.GossipKey) > 0 && !bytes.Equal(p.GossipKey, km.Key)
		p.GossipKey = km.Key
		p.GossipKeyFingerprint = fp
		p.GossipTimestamp = at
	} else {
		if at < p.LastSeenAutocrypt {
			return Change{}, nil
		}
		if !bytes.Equal(p.PublicKey, km.Key) {
			ch.KeyChanged = len(p.PublicKey) > 0
			if ch.KeyChanged {
				p.PrevPublicKey = p.PublicKey
				p.PrevFingerprint = p.PublicKeyFingerprint
			}
			p.PublicKey = km.Key
			p.PublicKeyFingerprint = fp
		}
		p.PreferEncrypt = km.PreferEncrypt
		p.LastSeenAutocrypt = at
		if at > p.LastSeen {
			p.LastSeen = at
		}
	}

	if err := q.SavePeerstate(ctx, p); err != nil {
		return Change{}, fmt.Errorf("save peerstate %s: %w", addr, err)
	}
	if ch.KeyChanged {
		s.log.Info("peer key changed", zap.String("addr", addr), zap.Bool("gossip", km.Gossip), zap.String("fingerprint", fp))
	}
	return ch, nil
}

// NoteMissingHeader records a message from addr without an Autocrypt
// header. A newer such message resets prefer-encrypt.
func (s *Store) NoteMissingHeader(ctx context.Context, q *store.Queries, addr string, at int64) error {
	p, err := q.PeerstateByAddr(ctx, addr)
	if err != nil || p == nil {
		return err
	}
	if at <= p.LastSeenAutocrypt || at <= p.LastSeen {
		return nil
	}
	p.LastSeen = at
	p.PreferEncrypt = store.PreferReset
	return q.SavePeerstate(ctx, p)
}

// Verify marks key as directly verified for addr. It fails when key is
// not the key currently known for addr.
func (s *Store) Verify(ctx context.Context, q *store.Queries, addr string, fingerprint string) error {
	p, err := q.PeerstateByAddr(ctx, addr)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("verify %s: no peerstate", addr)
	}
	fingerprint = e2e.NormalizeFingerprint(fingerprint)
	var key []byte
	switch fingerprint {
	case p.PublicKeyFingerprint:
		key = p.PublicKey
	case p.GossipKeyFingerprint:
		key = p.GossipKey
	default:
		return fmt.Errorf("verify %s: fingerprint %s does not match a known key", addr, fingerprint)
	}
	if len(p.PublicKey) == 0 {
		p.PublicKey = key
		p.PublicKeyFingerprint = fingerprint
		p.PreferEncrypt = store.PreferMutual
	}
	p.VerifiedKey = key
	p.VerifiedKeyFingerprint = fingerprint
	p.VerifiedAt = time.Now().UnixMilli()
	if err := q.SavePeerstate(ctx, p); err != nil {
		return err
	}
	s.log.Info("peer verified", zap.String("addr", addr), zap.String("fingerprint", fingerprint))
	return nil
}

// ResetVerification drops the direct verification of addr. It must only
// be called on an explicit user request.
func (s *Store) ResetVerification(ctx context.Context, q *store.Queries, addr string) error {
	p, err := q.PeerstateByAddr(ctx, addr)
	if err != nil || p == nil {
		return err
	}
	p.VerifiedKey = nil
	p.VerifiedKeyFingerprint = ""
	p.VerifiedAt = 0
	return q.SavePeerstate(ctx, p)
}

// Degraded reports whether a message from a directly verified contact
// arrived unencrypted or under a different key than the verified one.
func Degraded(p *store.Peerstate, encrypted bool, senderFingerprint string) bool {
	if LevelOf(p) != LevelDirect {
		return false
	}
	return !encrypted || senderFingerprint != p.VerifiedKeyFingerprint
}

package store

import (
	"context"
	"strings"
)

const peerstateColumns = `addr, last_seen, last_seen_autocrypt, prefer_encrypt, public_key,
	public_key_fingerprint, prev_public_key, prev_fingerprint, gossip_timestamp, gossip_key,
	gossip_key_fingerprint, verified_key, verified_key_fingerprint, verified_at`

// PeerstateByAddr returns the peerstate for addr or nil.
func (q *Queries) PeerstateByAddr(ctx context.Context, addr string) (*Peerstate, error) {
	return getOne[Peerstate](ctx, q.x,
		`SELECT `+peerstateColumns+` FROM acpeerstates WHERE addr = ?`, NormalizeAddr(addr))
}

// PeerstateByFingerprint finds the peerstate whose current, gossip or
// verified key has fingerprint fp.
func (q *Queries) PeerstateByFingerprint(ctx context.Context, fp string) (*Peerstate, error) {
	fp = strings.ToUpper(fp)
	return getOne[Peerstate](ctx, q.x, `SELECT `+peerstateColumns+` FROM acpeerstates
		WHERE public_key_fingerprint = ? OR gossip_key_fingerprint = ? OR verified_key_fingerprint = ?
		ORDER BY last_seen DESC LIMIT 1`, fp, fp, fp)
}

// SavePeerstate inserts or replaces the whole peerstate row.
func (q *Queries) SavePeerstate(ctx context.Context, p *Peerstate) error {
	p.Addr = NormalizeAddr(p.Addr)
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO acpeerstates (`+peerstateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET
			last_seen = excluded.last_seen,
			last_seen_autocrypt = excluded.last_seen_autocrypt,
			prefer_encrypt = excluded.prefer_encrypt,
			public_key = excluded.public_key,
			public_key_fingerprint = excluded.public_key_fingerprint,
			prev_public_key = excluded.prev_public_key,
			prev_fingerprint = excluded.prev_fingerprint,
			gossip_timestamp = excluded.gossip_timestamp,
			gossip_key = excluded.gossip_key,
			gossip_key_fingerprint = excluded.gossip_key_fingerprint,
			verified_key = excluded.verified_key,
			verified_key_fingerprint = excluded.verified_key_fingerprint,
			verified_at = excluded.verified_at`,
		p.Addr, p.LastSeen, p.LastSeenAutocrypt, p.PreferEncrypt, p.PublicKey,
		p.PublicKeyFingerprint, p.PrevPublicKey, p.PrevFingerprint, p.GossipTimestamp, p.GossipKey,
		p.GossipKeyFingerprint, p.VerifiedKey, p.VerifiedKeyFingerprint, p.VerifiedAt)
	return err
}

// DefaultKeypair returns the account's default keypair or nil.
func (q *Queries) DefaultKeypair(ctx context.Context) (*Keypair, error) {
	return getOne[Keypair](ctx, q.x, `
		SELECT addr, is_default, public_key, private_key, created
		FROM keypairs WHERE is_default = 1 ORDER BY created DESC LIMIT 1`)
}

// SaveKeypair stores kp as the new default keypair.
func (q *Queries) SaveKeypair(ctx context.Context, kp *Keypair) error {
	if _, err := q.x.ExecContext(ctx, `UPDATE keypairs SET is_default = 0`); err != nil {
		return err
	}
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO keypairs (addr, is_default, public_key, private_key, created)
		VALUES (?, 1, ?, ?, ?)`, NormalizeAddr(kp.Addr), kp.PublicKey, kp.PrivateKey, kp.Created)
	return err
}

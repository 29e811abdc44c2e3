package store

import "context"

// SaveToken stores a secure-join secret.
func (q *Queries) SaveToken(ctx context.Context, t *Token) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = nowMillis()
	}
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO tokens (namespace, foreign_id, token, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, token) DO NOTHING`, t.Namespace, t.ForeignID, t.Token, t.CreatedAt)
	return err
}

// TokenFor returns the newest token of ns bound to foreignID, or nil.
func (q *Queries) TokenFor(ctx context.Context, ns TokenNamespace, foreignID int64) (*Token, error) {
	return getOne[Token](ctx, q.x, `
		SELECT namespace, foreign_id, token, created_at FROM tokens
		WHERE namespace = ? AND foreign_id = ? ORDER BY created_at DESC LIMIT 1`, ns, foreignID)
}

// LookupToken returns the stored token with value tok in ns, or nil.
func (q *Queries) LookupToken(ctx context.Context, ns TokenNamespace, tok string) (*Token, error) {
	if tok == "" {
		return nil, nil
	}
	return getOne[Token](ctx, q.x, `
		SELECT namespace, foreign_id, token, created_at FROM tokens
		WHERE namespace = ? AND token = ?`, ns, tok)
}

// DeleteTokens drops all tokens bound to foreignID.
func (q *Queries) DeleteTokens(ctx context.Context, foreignID int64) error {
	_, err := q.x.ExecContext(ctx, `DELETE FROM tokens WHERE foreign_id = ?`, foreignID)
	return err
}

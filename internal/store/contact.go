package store

import (
	"context"
	"fmt"
	"strings"
)

const contactColumns = `id, addr, name, authname, authname_verified, origin, blocked, last_seen, created_at`

// NormalizeAddr lowercases and trims an address for comparison.
func NormalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SelfAddr returns the configured address of this account.
func (q *Queries) SelfAddr(ctx context.Context) (string, error) {
	return q.GetConfig(ctx, KeySelfAddr)
}

// AddOrLookupContact returns the contact id for addr, creating it when
// unknown. The stored origin only ever increases. authName is recorded as an
// unverified self-reported name when the contact has none yet. The own
// address always maps to ContactIDSelf.
func (q *Queries) AddOrLookupContact(ctx context.Context, addr, authName string, origin Origin) (int64, bool, error) {
	addr = NormalizeAddr(addr)
	if addr == "" {
		return 0, false, fmt.Errorf("add contact: empty address")
	}
	self, err := q.SelfAddr(ctx)
	if err != nil {
		return 0, false, err
	}
	if addr == NormalizeAddr(self) {
		return ContactIDSelf, false, nil
	}

	c, err := q.ContactByAddr(ctx, addr)
	if err != nil {
		return 0, false, err
	}
	if c != nil {
		if origin > c.Origin {
			if _, err := q.x.ExecContext(ctx, `UPDATE contacts SET origin = ? WHERE id = ?`, origin, c.ID); err != nil {
				return 0, false, err
			}
		}
		if c.AuthName == "" && authName != "" {
			if _, err := q.x.ExecContext(ctx, `UPDATE contacts SET authname = ? WHERE id = ?`, authName, c.ID); err != nil {
				return 0, false, err
			}
		}
		return c.ID, false, nil
	}

	res, err := q.x.ExecContext(ctx, `
		INSERT INTO contacts (addr, authname, origin, created_at) VALUES (?, ?, ?, ?)`,
		addr, authName, origin, nowMillis())
	if err != nil {
		return 0, false, fmt.Errorf("insert contact %q: %w", addr, err)
	}
	id, err := res.LastInsertId()
	return id, true, err
}

// SetContactAuthName records the name a contact calls itself. A name from an
// authenticated (signed and encrypted) message replaces anything; an
// unauthenticated one never overrides an authenticated name. It reports
// whether the stored name changed.
func (q *Queries) SetContactAuthName(ctx context.Context, id int64, name string, authenticated bool) (bool, error) {
	if name == "" || id <= ContactIDLastSpecial {
		return false, nil
	}
	c, err := q.ContactByID(ctx, id)
	if err != nil || c == nil {
		return false, err
	}
	if !authenticated && c.AuthNameVerified {
		return false, nil
	}
	if c.AuthName == name {
		if authenticated && !c.AuthNameVerified {
			_, err = q.x.ExecContext(ctx, `UPDATE contacts SET authname_verified = 1 WHERE id = ?`, id)
		}
		return false, err
	}
	_, err = q.x.ExecContext(ctx, `
		UPDATE contacts SET authname = ?, authname_verified = ? WHERE id = ?`,
		name, authenticated, id)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ContactByID returns a contact or nil.
func (q *Queries) ContactByID(ctx context.Context, id int64) (*Contact, error) {
	return getOne[Contact](ctx, q.x, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
}

// ContactByAddr returns a regular contact by address or nil.
func (q *Queries) ContactByAddr(ctx context.Context, addr string) (*Contact, error) {
	return getOne[Contact](ctx, q.x,
		`SELECT `+contactColumns+` FROM contacts WHERE addr = ? COLLATE NOCASE AND id > ?`,
		NormalizeAddr(addr), ContactIDLastSpecial)
}

// ContactAddrs returns the addresses for ids, skipping reserved contacts.
func (q *Queries) ContactAddrs(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := in(q.x, `SELECT `+contactColumns+` FROM contacts WHERE id IN (?) AND id > 9`, ids)
	if err != nil {
		return nil, err
	}
	var contacts []Contact
	if err := sqlxSelect(ctx, q.x, &contacts, query, args...); err != nil {
		return nil, err
	}
	for _, c := range contacts {
		out[c.ID] = c.Addr
	}
	return out, nil
}

// ListContacts returns known, non-reserved contacts. A non-empty query
// filters by address or name substring.
func (q *Queries) ListContacts(ctx context.Context, query string, includeBlocked bool) ([]Contact, error) {
	sqlq := `SELECT ` + contactColumns + ` FROM contacts WHERE id > ? AND origin >= ?`
	args := []any{ContactIDLastSpecial, OriginIncomingReplyTo}
	if !includeBlocked {
		sqlq += ` AND blocked = 0`
	}
	if query != "" {
		sqlq += ` AND (addr LIKE ? OR name LIKE ? OR authname LIKE ?)`
		like := "%" + query + "%"
		args = append(args, like, like, like)
	}
	sqlq += ` ORDER BY COALESCE(NULLIF(name,''), NULLIF(authname,''), addr) COLLATE NOCASE`
	var contacts []Contact
	err := sqlxSelect(ctx, q.x, &contacts, sqlq, args...)
	return contacts, err
}

// SetContactBlocked updates a contact's block state.
func (q *Queries) SetContactBlocked(ctx context.Context, id int64, blocked bool) error {
	_, err := q.x.ExecContext(ctx, `UPDATE contacts SET blocked = ? WHERE id = ?`, blocked, id)
	return err
}

// SetContactName sets the locally chosen display name.
func (q *Queries) SetContactName(ctx context.Context, id int64, name string) error {
	_, err := q.x.ExecContext(ctx, `UPDATE contacts SET name = ? WHERE id = ?`, name, id)
	return err
}

// TouchContact records that mail from the contact was seen at ts.
func (q *Queries) TouchContact(ctx context.Context, id, ts int64) error {
	_, err := q.x.ExecContext(ctx, `UPDATE contacts SET last_seen = MAX(last_seen, ?) WHERE id = ?`, ts, id)
	return err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// Runtime config keys kept in the account database.
const (
	KeyConfiguredAt    = "configured_at"
	KeyLastHousekeep   = "last_housekeeping"
	KeyStaleReminderAt = "stale_reminder_at"
	KeySelfFingerprint = "self_fingerprint"
	KeySelfAddr        = "configured_addr"
	KeyWelcomeShown    = "welcome_shown"
)

// FolderKey returns the config key holding a per-folder marker, such as
// "uidvalidity" or "uidnext".
func FolderKey(folder, marker string) string {
	return "imap." + folder + "." + marker
}

// GetConfig returns the value stored for key, or "" when unset.
func (q *Queries) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := sqlxGet(ctx, q.x, &v, `SELECT value FROM config WHERE keyname = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetConfig stores value under key. An empty value removes the key.
func (q *Queries) SetConfig(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := q.x.ExecContext(ctx, `DELETE FROM config WHERE keyname = ?`, key)
		return err
	}
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO config (keyname, value) VALUES (?, ?)
		ON CONFLICT(keyname) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetConfigInt64 parses the value under key; unset or malformed values read as 0.
func (q *Queries) GetConfigInt64(ctx context.Context, key string) (int64, error) {
	v, err := q.GetConfig(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

func (q *Queries) SetConfigInt64(ctx context.Context, key string, v int64) error {
	return q.SetConfig(ctx, key, strconv.FormatInt(v, 10))
}

func (q *Queries) GetConfigBool(ctx context.Context, key string) (bool, error) {
	n, err := q.GetConfigInt64(ctx, key)
	return n != 0, err
}

func (q *Queries) SetConfigBool(ctx context.Context, key string, v bool) error {
	if v {
		return q.SetConfig(ctx, key, "1")
	}
	return q.SetConfig(ctx, key, "0")
}

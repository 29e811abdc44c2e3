package store

import (
	"context"
	"fmt"
)

const chatColumns = `c.id, c.type, c.name, c.grpid, c.blocked, c.visibility, c.protected, c.muted_until,
	c.ephemeral_timer, c.ephemeral_timer_ts, c.gossiped_timestamp, c.created_at`

// ChatByID returns a chat or nil.
func (q *Queries) ChatByID(ctx context.Context, id int64) (*Chat, error) {
	return getOne[Chat](ctx, q.x, `SELECT `+chatColumns+` FROM chats c WHERE c.id = ?`, id)
}

// ChatByGrpID returns the group or mailing-list chat with grpid or nil.
func (q *Queries) ChatByGrpID(ctx context.Context, grpid string) (*Chat, error) {
	if grpid == "" {
		return nil, nil
	}
	return getOne[Chat](ctx, q.x, `SELECT `+chatColumns+` FROM chats c WHERE c.grpid = ? AND c.id > ?`,
		grpid, ChatIDLastSpecial)
}

// OneToOneChat returns the single chat with contactID or nil.
func (q *Queries) OneToOneChat(ctx context.Context, contactID int64) (*Chat, error) {
	return getOne[Chat](ctx, q.x, `
		SELECT `+chatColumns+` FROM chats c
		JOIN chats_contacts cc ON cc.chat_id = c.id
		WHERE c.type = ? AND cc.contact_id = ? AND c.id > ?
		ORDER BY c.id LIMIT 1`, ChatTypeSingle, contactID, ChatIDLastSpecial)
}

// CreateChat inserts c and its members, filling c.ID.
func (q *Queries) CreateChat(ctx context.Context, c *Chat, members []int64) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = nowMillis()
	}
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO chats (type, name, grpid, blocked, visibility, protected, muted_until,
			ephemeral_timer, ephemeral_timer_ts, gossiped_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Type, c.Name, c.GrpID, c.Blocked, c.Visibility, c.Protected, c.MutedUntil,
		c.EphemeralTimer, c.EphemeralTimerTS, c.GossipedTimestamp, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for _, m := range members {
		if _, err := q.AddChatMember(ctx, c.ID, m); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreateOneToOne returns the single chat with contactID, creating it
// with the given block state when missing.
func (q *Queries) GetOrCreateOneToOne(ctx context.Context, contactID int64, blocked Blocked) (*Chat, bool, error) {
	c, err := q.OneToOneChat(ctx, contactID)
	if err != nil || c != nil {
		return c, false, err
	}
	contact, err := q.ContactByID(ctx, contactID)
	if err != nil {
		return nil, false, err
	}
	if contact == nil {
		return nil, false, fmt.Errorf("contact %d: not found", contactID)
	}
	c = &Chat{Type: ChatTypeSingle, Name: contact.DisplayName(), Blocked: blocked}
	if err := q.CreateChat(ctx, c, []int64{contactID}); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// DeviceChat returns the chat holding device-generated notices.
func (q *Queries) DeviceChat(ctx context.Context) (*Chat, error) {
	c, _, err := q.GetOrCreateOneToOne(ctx, ContactIDDevice, BlockedNot)
	return c, err
}

// SelfChat returns the chat with oneself ("saved messages").
func (q *Queries) SelfChat(ctx context.Context) (*Chat, error) {
	c, _, err := q.GetOrCreateOneToOne(ctx, ContactIDSelf, BlockedNot)
	return c, err
}

// ChatMembers returns the contact ids in chatID, including ContactIDSelf
// when this account is a member.
func (q *Queries) ChatMembers(ctx context.Context, chatID int64) ([]int64, error) {
	var ids []int64
	err := sqlxSelect(ctx, q.x, &ids,
		`SELECT contact_id FROM chats_contacts WHERE chat_id = ? ORDER BY contact_id`, chatID)
	return ids, err
}

// IsChatMember reports whether contactID belongs to chatID.
func (q *Queries) IsChatMember(ctx context.Context, chatID, contactID int64) (bool, error) {
	var n int
	err := sqlxGet(ctx, q.x, &n,
		`SELECT COUNT(*) FROM chats_contacts WHERE chat_id = ? AND contact_id = ?`, chatID, contactID)
	return n > 0, err
}

// AddChatMember adds contactID to chatID and reports whether it was new.
func (q *Queries) AddChatMember(ctx context.Context, chatID, contactID int64) (bool, error) {
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO chats_contacts (chat_id, contact_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id, contact_id) DO NOTHING`, chatID, contactID, nowMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveChatMember drops contactID from chatID and reports whether it was a member.
func (q *Queries) RemoveChatMember(ctx context.Context, chatID, contactID int64) (bool, error) {
	res, err := q.x.ExecContext(ctx,
		`DELETE FROM chats_contacts WHERE chat_id = ? AND contact_id = ?`, chatID, contactID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *Queries) SetChatBlocked(ctx context.Context, chatID int64, b Blocked) error {
	_, err := q.x.ExecContext(ctx, `UPDATE chats SET blocked = ? WHERE id = ?`, b, chatID)
	return err
}

func (q *Queries) SetChatProtected(ctx context.Context, chatID int64, protected bool) error {
	_, err := q.x.ExecContext(ctx, `UPDATE chats SET protected = ? WHERE id = ?`, protected, chatID)
	return err
}

func (q *Queries) SetChatName(ctx context.Context, chatID int64, name string) error {
	_, err := q.x.ExecContext(ctx, `UPDATE chats SET name = ? WHERE id = ?`, name, chatID)
	return err
}

func (q *Queries) SetChatVisibility(ctx context.Context, chatID int64, v Visibility) error {
	_, err := q.x.ExecContext(ctx, `UPDATE chats SET visibility = ? WHERE id = ?`, v, chatID)
	return err
}

// SetChatMutedUntil mutes a chat until ts (unix ms); -1 mutes forever, 0 unmutes.
func (q *Queries) SetChatMutedUntil(ctx context.Context, chatID, ts int64) error {
	_, err := q.x.ExecContext(ctx, `UPDATE chats SET muted_until = ? WHERE id = ?`, ts, chatID)
	return err
}

// SetChatEphemeralTimer stores the chat's timer (seconds) and when it changed.
func (q *Queries) SetChatEphemeralTimer(ctx context.Context, chatID, timer, ts int64) error {
	_, err := q.x.ExecContext(ctx,
		`UPDATE chats SET ephemeral_timer = ?, ephemeral_timer_ts = ? WHERE id = ?`, timer, ts, chatID)
	return err
}

func (q *Queries) SetChatGossiped(ctx context.Context, chatID, ts int64) error {
	_, err := q.x.ExecContext(ctx, `UPDATE chats SET gossiped_timestamp = ? WHERE id = ?`, ts, chatID)
	return err
}

// ListChatsOptions filters ListChats.
type ListChatsOptions struct {
	Archived bool
	Requests bool
	Query    string
	Limit    int
	Offset   int
}

// ListChats returns chats ordered pinned first, then by last message.
func (q *Queries) ListChats(ctx context.Context, opts ListChatsOptions) ([]ChatSummary, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	sqlq := `
		SELECT ` + chatColumns + `,
			(SELECT COUNT(*) FROM msgs m WHERE m.chat_id = c.id AND m.state = ? AND m.hidden = 0) AS fresh_count,
			COALESCE((SELECT MAX(m.timestamp) FROM msgs m WHERE m.chat_id = c.id AND m.hidden = 0), c.created_at) AS last_timestamp
		FROM chats c
		WHERE c.id > ?`
	args := []any{StateInFresh, ChatIDLastSpecial}
	switch {
	case opts.Requests:
		sqlq += ` AND c.blocked = ?`
		args = append(args, BlockedRequest)
	case opts.Archived:
		sqlq += ` AND c.blocked = ? AND c.visibility = ?`
		args = append(args, BlockedNot, VisibilityArchived)
	default:
		sqlq += ` AND c.blocked != ? AND c.visibility != ?`
		args = append(args, BlockedYes, VisibilityArchived)
	}
	if opts.Query != "" {
		sqlq += ` AND c.name LIKE ?`
		args = append(args, "%"+opts.Query+"%")
	}
	sqlq += ` ORDER BY c.visibility = ? DESC, last_timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, VisibilityPinned, opts.Limit, opts.Offset)

	var chats []ChatSummary
	err := sqlxSelect(ctx, q.x, &chats, sqlq, args...)
	return chats, err
}

// FreshCount returns the number of unread incoming messages in chatID.
// Served by the msgs_fresh index.
func (q *Queries) FreshCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := sqlxGet(ctx, q.x, &n,
		`SELECT COUNT(*) FROM msgs WHERE state = ? AND hidden = 0 AND chat_id = ?`, StateInFresh, chatID)
	return n, err
}

// IsLeftGroup reports whether this account left the group grpid.
func (q *Queries) IsLeftGroup(ctx context.Context, grpid string) (bool, error) {
	var n int
	err := sqlxGet(ctx, q.x, &n, `SELECT COUNT(*) FROM leftgrps WHERE grpid = ?`, grpid)
	return n > 0, err
}

func (q *Queries) MarkLeftGroup(ctx context.Context, grpid string) error {
	_, err := q.x.ExecContext(ctx, `INSERT INTO leftgrps (grpid) VALUES (?) ON CONFLICT DO NOTHING`, grpid)
	return err
}

func (q *Queries) UnmarkLeftGroup(ctx context.Context, grpid string) error {
	_, err := q.x.ExecContext(ctx, `DELETE FROM leftgrps WHERE grpid = ?`, grpid)
	return err
}

// AddDeviceMessage stores a notice in the device chat. mid must be unique;
// a repeated mid is a no-op and returns nil.
func (q *Queries) AddDeviceMessage(ctx context.Context, mid, text string, ts int64) (*Message, error) {
	chat, err := q.DeviceChat(ctx)
	if err != nil {
		return nil, err
	}
	m := &Message{
		RFC724MID:     mid,
		ChatID:        chat.ID,
		FromID:        ContactIDDevice,
		Timestamp:     ts,
		TimestampSent: ts,
		TimestampRcvd: ts,
		Type:          MsgText,
		State:         StateInFresh,
		Text:          text,
	}
	inserted, err := q.InsertMessage(ctx, m)
	if err != nil || !inserted {
		return nil, err
	}
	return m, nil
}

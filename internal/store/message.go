package store

import (
	"context"
	"fmt"
	"time"
)

const msgColumns = `id, rfc724_mid, chat_id, from_id, timestamp, timestamp_sent, timestamp_rcvd, type, state,
	text, subject, file, mime_type, server_folder, server_uid, hidden, mime_in_reply_to,
	mime_references, quote, encryption, security_degraded, error, ephemeral_timer,
	ephemeral_timestamp, want_mdn, send_batch, info_type, param`

// InsertMessage stores m unless its rfc724_mid is already known. It reports
// whether a row was inserted and fills m.ID on insert.
func (q *Queries) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO msgs (rfc724_mid, chat_id, from_id, timestamp, timestamp_sent, timestamp_rcvd,
			type, state, text, subject, file, mime_type, server_folder, server_uid, hidden,
			mime_in_reply_to, mime_references, quote, encryption, security_degraded, error,
			ephemeral_timer, ephemeral_timestamp, want_mdn, send_batch, info_type, param)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rfc724_mid) DO NOTHING`,
		m.RFC724MID, m.ChatID, m.FromID, m.Timestamp, m.TimestampSent, m.TimestampRcvd,
		m.Type, m.State, m.Text, m.Subject, m.File, m.MimeType, m.ServerFolder, m.ServerUID, m.Hidden,
		m.InReplyTo, m.References, m.Quote, m.Encryption, m.SecurityDegraded, m.Error,
		m.EphemeralTimer, m.EphemeralTimestamp, m.WantMDN, m.SendBatch, m.InfoType, m.Param)
	if err != nil {
		return false, fmt.Errorf("insert message %q: %w", m.RFC724MID, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	m.ID, err = res.LastInsertId()
	return true, err
}

// MessageByID returns a message or nil.
func (q *Queries) MessageByID(ctx context.Context, id int64) (*Message, error) {
	return getOne[Message](ctx, q.x, `SELECT `+msgColumns+` FROM msgs WHERE id = ?`, id)
}

// MessageByRFC724MID returns the message with transport id mid or nil.
func (q *Queries) MessageByRFC724MID(ctx context.Context, mid string) (*Message, error) {
	if mid == "" {
		return nil, nil
	}
	return getOne[Message](ctx, q.x, `SELECT `+msgColumns+` FROM msgs WHERE rfc724_mid = ?`, mid)
}

// MessagesByRFC724MIDs returns the stored messages among mids.
func (q *Queries) MessagesByRFC724MIDs(ctx context.Context, mids []string) ([]Message, error) {
	if len(mids) == 0 {
		return nil, nil
	}
	query, args, err := in(q.x, `SELECT `+msgColumns+` FROM msgs WHERE rfc724_mid IN (?)`, mids)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	err = sqlxSelect(ctx, q.x, &msgs, query, args...)
	return msgs, err
}

// ReplyChildren returns messages naming mid in In-Reply-To or References.
func (q *Queries) ReplyChildren(ctx context.Context, mid string) ([]Message, error) {
	var msgs []Message
	err := sqlxSelect(ctx, q.x, &msgs, `
		SELECT `+msgColumns+` FROM msgs
		WHERE chat_id != ? AND (mime_in_reply_to = ? OR instr(' ' || mime_references || ' ', ?) > 0)
		ORDER BY timestamp, id`, ChatIDTrash, mid, " "+mid+" ")
	return msgs, err
}

// LastSenderTimestamp returns the newest sort timestamp stored for fromID
// that is not older than since.
func (q *Queries) LastSenderTimestamp(ctx context.Context, fromID, since int64) (int64, error) {
	var ts int64
	err := sqlxGet(ctx, q.x, &ts, `
		SELECT COALESCE(MAX(timestamp), 0) FROM msgs
		WHERE from_id = ? AND timestamp >= ? AND chat_id != ?`, fromID, since, ChatIDTrash)
	return ts, err
}

// SetMessageTimestamp moves a message to a new sort position.
func (q *Queries) SetMessageTimestamp(ctx context.Context, id, ts int64) error {
	_, err := q.x.ExecContext(ctx, `UPDATE msgs SET timestamp = ? WHERE id = ?`, ts, id)
	return err
}

// ClampEphemeralTimer lowers the timer of message id to timer seconds. A
// running countdown is shortened by the same amount; a message that had no
// timer starts counting as if it had carried timer from the beginning.
func (q *Queries) ClampEphemeralTimer(ctx context.Context, id, timer, now int64) error {
	_, err := q.x.ExecContext(ctx, `
		UPDATE msgs SET
			ephemeral_timestamp = CASE
				WHEN ephemeral_timestamp != 0 THEN ephemeral_timestamp - (ephemeral_timer - ?) * 1000
				WHEN state >= ? THEN timestamp_sent + ? * 1000
				WHEN state = ? THEN ? + ? * 1000
				ELSE 0 END,
			ephemeral_timer = ?
		WHERE id = ? AND (ephemeral_timer = 0 OR ephemeral_timer > ?)`,
		timer, StateOutPreparing, timer, StateInSeen, now, timer, timer, id, timer)
	return err
}

// OverlongReplies returns up to limit replies that outlive their stored
// parent, with the parent's timer.
func (q *Queries) OverlongReplies(ctx context.Context, limit int) ([]TimerClamp, error) {
	var out []TimerClamp
	err := sqlxSelect(ctx, q.x, &out, `
		SELECT c.id AS id, MIN(p.ephemeral_timer) AS timer
		FROM msgs c JOIN msgs p ON p.rfc724_mid = c.mime_in_reply_to
		WHERE c.mime_in_reply_to != '' AND p.ephemeral_timer > 0
			AND (c.ephemeral_timer = 0 OR c.ephemeral_timer > p.ephemeral_timer)
			AND c.chat_id != ? AND p.chat_id != ?
		GROUP BY c.id LIMIT ?`, ChatIDTrash, ChatIDTrash, limit)
	return out, err
}

// UpdateServerLocation records where the server copy of a message lives.
func (q *Queries) UpdateServerLocation(ctx context.Context, id int64, folder string, uid int64) error {
	_, err := q.x.ExecContext(ctx,
		`UPDATE msgs SET server_folder = ?, server_uid = ? WHERE id = ?`, folder, uid, id)
	return err
}

// ClearServerLocation forgets the server copies of ids.
func (q *Queries) ClearServerLocation(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := in(q.x, `UPDATE msgs SET server_folder = '', server_uid = 0 WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = q.x.ExecContext(ctx, query, args...)
	return err
}

// ServerRefs lists the local rows that claim a copy in folder.
func (q *Queries) ServerRefs(ctx context.Context, folder string) ([]ServerRef, error) {
	var refs []ServerRef
	err := sqlxSelect(ctx, q.x, &refs, `
		SELECT id, server_folder, server_uid FROM msgs
		WHERE server_folder = ? AND server_uid != 0 ORDER BY server_uid`, folder)
	return refs, err
}

// SetMessageState updates the state and error text of a message.
func (q *Queries) SetMessageState(ctx context.Context, id int64, state MsgState, errText string) error {
	_, err := q.x.ExecContext(ctx, `UPDATE msgs SET state = ?, error = ? WHERE id = ?`, state, errText, id)
	return err
}

// FailSendBatch marks every pending or delivered message of one logical send
// as failed and returns the affected messages.
func (q *Queries) FailSendBatch(ctx context.Context, batch, errText string) ([]Message, error) {
	if batch == "" {
		return nil, nil
	}
	var msgs []Message
	if err := sqlxSelect(ctx, q.x, &msgs, `
		SELECT `+msgColumns+` FROM msgs
		WHERE send_batch = ? AND state IN (?, ?, ?)`,
		batch, StateOutPreparing, StateOutPending, StateOutDelivered); err != nil {
		return nil, err
	}
	for i := range msgs {
		if err := q.SetMessageState(ctx, msgs[i].ID, StateOutFailed, errText); err != nil {
			return nil, err
		}
		msgs[i].State = StateOutFailed
		msgs[i].Error = errText
	}
	return msgs, nil
}

// ChatMessages returns visible messages of chatID older than beforeTs,
// newest first.
func (q *Queries) ChatMessages(ctx context.Context, chatID, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + int64(time.Hour/time.Millisecond)
	}
	var msgs []Message
	err := sqlxSelect(ctx, q.x, &msgs, `
		SELECT `+msgColumns+` FROM msgs
		WHERE chat_id = ? AND hidden = 0 AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatID, beforeTs, limit)
	return msgs, err
}

// MarkSeen moves fresh or noticed incoming messages among ids to seen and
// starts their ephemeral countdown. It returns the messages that changed.
func (q *Queries) MarkSeen(ctx context.Context, ids []int64, now int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := in(q.x, `SELECT `+msgColumns+` FROM msgs WHERE id IN (?) AND state IN (?, ?)`,
		ids, StateInFresh, StateInNoticed)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := sqlxSelect(ctx, q.x, &msgs, query, args...); err != nil {
		return nil, err
	}
	for i := range msgs {
		m := &msgs[i]
		m.State = StateInSeen
		if m.EphemeralTimer > 0 && m.EphemeralTimestamp == 0 {
			m.EphemeralTimestamp = now + m.EphemeralTimer*1000
		}
		if _, err := q.x.ExecContext(ctx,
			`UPDATE msgs SET state = ?, ephemeral_timestamp = ? WHERE id = ?`,
			m.State, m.EphemeralTimestamp, m.ID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// MarkNoticed moves all fresh messages of chatID to noticed.
func (q *Queries) MarkNoticed(ctx context.Context, chatID int64) (int64, error) {
	res, err := q.x.ExecContext(ctx,
		`UPDATE msgs SET state = ? WHERE chat_id = ? AND state = ?`, StateInNoticed, chatID, StateInFresh)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrashMessages moves ids to the trash chat and wipes their content. The
// rows stay as tombstones so the transport ids keep deduplicating. The
// server locations of the trashed messages are returned.
func (q *Queries) TrashMessages(ctx context.Context, ids []int64) ([]ServerRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := in(q.x, `SELECT id, server_folder, server_uid FROM msgs WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var refs []ServerRef
	if err := sqlxSelect(ctx, q.x, &refs, query, args...); err != nil {
		return nil, err
	}
	query, args, err = in(q.x, `
		UPDATE msgs SET chat_id = ?, text = '', subject = '', file = '', mime_type = '',
			quote = '', param = '', hidden = 1, ephemeral_timestamp = 0
		WHERE id IN (?)`, ChatIDTrash, ids)
	if err != nil {
		return nil, err
	}
	if _, err := q.x.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	query, args, err = in(q.x, `DELETE FROM msgs_mdns WHERE msg_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	_, err = q.x.ExecContext(ctx, query, args...)
	return refs, err
}

// ExpiredMessages returns up to limit ids whose ephemeral expiry is at or
// before now.
func (q *Queries) ExpiredMessages(ctx context.Context, now int64, limit int) ([]int64, error) {
	var ids []int64
	err := sqlxSelect(ctx, q.x, &ids, `
		SELECT id FROM msgs
		WHERE ephemeral_timestamp != 0 AND ephemeral_timestamp <= ? AND chat_id != ?
		ORDER BY ephemeral_timestamp LIMIT ?`, now, ChatIDTrash, limit)
	return ids, err
}

// NextEphemeralExpiry returns the earliest pending expiry after now, or 0.
func (q *Queries) NextEphemeralExpiry(ctx context.Context, now int64) (int64, error) {
	var ts int64
	err := sqlxGet(ctx, q.x, &ts, `
		SELECT COALESCE(MIN(ephemeral_timestamp), 0) FROM msgs
		WHERE ephemeral_timestamp > ? AND chat_id != ?`, now, ChatIDTrash)
	return ts, err
}

// StartPendingEphemeral starts countdowns that should be running but are
// not: outgoing messages and seen incoming messages with a timer.
func (q *Queries) StartPendingEphemeral(ctx context.Context) (int64, error) {
	res, err := q.x.ExecContext(ctx, `
		UPDATE msgs SET ephemeral_timestamp =
			CASE WHEN state >= ? THEN timestamp_sent ELSE ? END + ephemeral_timer * 1000
		WHERE ephemeral_timer > 0 AND ephemeral_timestamp = 0 AND chat_id != ?
			AND (state >= ? OR state = ?)`,
		StateOutPreparing, nowMillis(), ChatIDTrash, StateOutPreparing, StateInSeen)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MessagesOlderThan returns up to limit ids of visible chat messages with a
// sort time before cutoff.
func (q *Queries) MessagesOlderThan(ctx context.Context, cutoff int64, limit int) ([]int64, error) {
	var ids []int64
	err := sqlxSelect(ctx, q.x, &ids, `
		SELECT m.id FROM msgs m
		JOIN chats c ON c.id = m.chat_id
		WHERE m.timestamp < ? AND m.chat_id > ? AND m.hidden = 0
		ORDER BY m.timestamp LIMIT ?`, cutoff, ChatIDLastSpecial, limit)
	return ids, err
}

// ServerCopiesOlderThan returns server locations of messages sent or
// received before cutoff.
func (q *Queries) ServerCopiesOlderThan(ctx context.Context, cutoff int64, limit int) ([]ServerRef, error) {
	var refs []ServerRef
	err := sqlxSelect(ctx, q.x, &refs, `
		SELECT id, server_folder, server_uid FROM msgs
		WHERE server_uid != 0 AND timestamp_rcvd < ? AND timestamp < ?
		ORDER BY timestamp LIMIT ?`, cutoff, cutoff, limit)
	return refs, err
}

// PruneTombstones deletes trashed or hidden rows whose server copy is gone
// and which were received before cutoff.
func (q *Queries) PruneTombstones(ctx context.Context, cutoff int64) (int64, error) {
	res, err := q.x.ExecContext(ctx, `
		DELETE FROM msgs
		WHERE (chat_id = ? OR hidden = 1) AND server_uid = 0 AND timestamp_rcvd < ?
			AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.foreign_id = msgs.id)`,
		ChatIDTrash, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReferencedFiles returns every blob name still referenced by a message.
func (q *Queries) ReferencedFiles(ctx context.Context) (map[string]bool, error) {
	var files []string
	if err := sqlxSelect(ctx, q.x, &files, `SELECT DISTINCT file FROM msgs WHERE file != ''`); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f] = true
	}
	return out, nil
}

// RecordMDN notes that contactID read msgID.
func (q *Queries) RecordMDN(ctx context.Context, msgID, contactID, ts int64) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO msgs_mdns (msg_id, contact_id, timestamp_sent) VALUES (?, ?, ?)
		ON CONFLICT(msg_id, contact_id) DO NOTHING`, msgID, contactID, ts)
	return err
}

// MDNCount returns how many contacts confirmed reading msgID.
func (q *Queries) MDNCount(ctx context.Context, msgID int64) (int, error) {
	var n int
	err := sqlxGet(ctx, q.x, &n, `SELECT COUNT(*) FROM msgs_mdns WHERE msg_id = ?`, msgID)
	return n, err
}

// MessageCount returns the number of visible messages.
func (q *Queries) MessageCount(ctx context.Context) (int64, error) {
	var n int64
	err := sqlxGet(ctx, q.x, &n, `SELECT COUNT(*) FROM msgs WHERE hidden = 0 AND chat_id > ?`, ChatIDLastSpecial)
	return n, err
}

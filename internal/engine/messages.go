package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/trust"
)

// Attachment is a file to send.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// SendText queues a text message to chatID.
func (e *Engine) SendText(ctx context.Context, chatID int64, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("send: empty message")
	}
	return e.send(ctx, &store.Message{ChatID: chatID, Text: text})
}

// SendFile queues a file with an optional caption. Images are re-encoded
// per the media quality setting.
func (e *Engine) SendFile(ctx context.Context, chatID int64, a Attachment, caption string) (*store.Message, error) {
	data, mimeType, err := blob.Recompress(a.Data, a.MimeType, e.settings.MediaQuality)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}
	name := a.Name
	if mimeType != a.MimeType && mimeType == "image/jpeg" {
		name = strings.TrimSuffix(name, extOf(name)) + ".jpg"
	}
	file, err := e.blobs.Write(name, data)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}
	typ := store.MsgFile
	if strings.HasPrefix(mimeType, "image/") {
		typ = store.MsgImage
	}
	return e.send(ctx, &store.Message{ChatID: chatID, Type: typ, Text: caption, File: file, MimeType: mimeType})
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

func (e *Engine) send(ctx context.Context, m *store.Message) (*store.Message, error) {
	m.WantMDN = e.settings.MDNsEnabled && !e.settings.Bot
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		chat, err := e.chat(ctx, tx, m.ChatID)
		if err != nil {
			return err
		}
		if chat.Type == store.ChatTypeGroup {
			if _, err := e.group(ctx, tx, chat.ID); err != nil {
				return err
			}
		}
		_, err = outbox.EnqueueMessage(ctx, tx, m, e.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	e.queue.Notify(store.ThreadSMTP)
	e.bus.Emit(bus.MsgsChanged, bus.MsgEvent{ChatID: m.ChatID, MsgID: m.ID})
	if m.EphemeralTimestamp != 0 {
		e.sched.ExpiryChanged()
	}
	return m, nil
}

// Messages returns up to limit visible messages of chatID older than
// beforeTs (0 for the newest), newest first.
func (e *Engine) Messages(ctx context.Context, chatID, beforeTs int64, limit int) ([]store.Message, error) {
	if _, err := e.chat(ctx, &e.db.Queries, chatID); err != nil {
		return nil, err
	}
	return e.db.ChatMessages(ctx, chatID, beforeTs, limit)
}

// Message returns one message.
func (e *Engine) Message(ctx context.Context, id int64) (*store.Message, error) {
	m, err := e.db.MessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("message %d: %w", id, errs.ErrNotFound)
	}
	return m, nil
}

// Search finds messages whose text matches query, in chatID or everywhere
// when chatID is 0.
func (e *Engine) Search(ctx context.Context, query string, chatID int64, limit int) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	return e.db.SearchMessages(ctx, query, chatID, limit)
}

// MarkNoticed clears the fresh state of a chat without sending receipts.
func (e *Engine) MarkNoticed(ctx context.Context, chatID int64) error {
	n, err := e.db.MarkNoticed(ctx, chatID)
	if err != nil {
		return fmt.Errorf("mark noticed: %w", err)
	}
	if n > 0 {
		e.bus.Emit(bus.MsgsChanged, bus.MsgEvent{ChatID: chatID})
	}
	return nil
}

// MarkSeen marks incoming messages as read. The server copies get \Seen
// and senders asking for a receipt get one, unless receipts are off or
// the chat is a contact request. Ephemeral timers of the messages start.
func (e *Engine) MarkSeen(ctx context.Context, ids []int64) error {
	var seen []store.Message
	var imap, smtp bool
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		imap, smtp = false, false
		var err error
		if seen, err = tx.MarkSeen(ctx, ids, e.now().UnixMilli()); err != nil {
			return err
		}
		accepted := map[int64]bool{}
		for i := range seen {
			m := &seen[i]
			if m.ServerUID != 0 {
				if _, err := outbox.Enqueue(ctx, tx, outbox.SeenJob(m)); err != nil {
					return err
				}
				imap = true
			}
			if !m.WantMDN || !e.settings.MDNsEnabled || e.settings.Bot {
				continue
			}
			ok, known := accepted[m.ChatID]
			if !known {
				chat, err := tx.ChatByID(ctx, m.ChatID)
				if err != nil {
					return err
				}
				ok = chat != nil && chat.Blocked == store.BlockedNot
				accepted[m.ChatID] = ok
			}
			if ok {
				if _, err := outbox.Enqueue(ctx, tx, outbox.MDNJob(m)); err != nil {
					return err
				}
				smtp = true
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if imap {
		e.queue.Notify(store.ThreadIMAP)
	}
	if smtp {
		e.queue.Notify(store.ThreadSMTP)
	}
	expiring := false
	for _, m := range seen {
		e.bus.Emit(bus.MsgsChanged, bus.MsgEvent{ChatID: m.ChatID, MsgID: m.ID})
		expiring = expiring || m.EphemeralTimestamp != 0
	}
	if expiring {
		e.sched.ExpiryChanged()
	}
	return nil
}

// DeleteMessages trashes messages locally and queues deleting their
// server copies.
func (e *Engine) DeleteMessages(ctx context.Context, ids []int64) error {
	var retract bool
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		retract = false
		refs, err := tx.TrashMessages(ctx, ids)
		if err != nil {
			return err
		}
		for _, r := range refs {
			if r.UID == 0 {
				continue
			}
			if _, err := outbox.Enqueue(ctx, tx, outbox.RetractJob(r.ID)); err != nil {
				return err
			}
			retract = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if retract {
		e.queue.Notify(store.ThreadIMAP)
	}
	e.logger.Debug("messages deleted", zap.Int("count", len(ids)))
	e.bus.Emit(bus.MsgsChanged, bus.MsgEvent{})
	return nil
}

// PeerInfo describes what is known about a contact's key.
type PeerInfo struct {
	Addr                string
	Fingerprint         string
	GossipFingerprint   string
	VerifiedFingerprint string
	Level               trust.Level
	PreferEncrypt       bool
	LastSeenAutocrypt   int64
	Color               string
}

// Peerstate returns the key state of addr.
func (e *Engine) Peerstate(ctx context.Context, addr string) (*PeerInfo, error) {
	p, err := e.trust.Peerstate(ctx, &e.db.Queries, addr)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("peerstate %s: %w", addr, errs.ErrNotFound)
	}
	return &PeerInfo{
		Addr:                p.Addr,
		Fingerprint:         p.PublicKeyFingerprint,
		GossipFingerprint:   p.GossipKeyFingerprint,
		VerifiedFingerprint: p.VerifiedKeyFingerprint,
		Level:               trust.LevelOf(p),
		PreferEncrypt:       p.PreferEncrypt == store.PreferMutual,
		LastSeenAutocrypt:   p.LastSeenAutocrypt,
		Color:               trust.Color(p.Addr),
	}, nil
}

// Fingerprint returns the account's own key fingerprint, creating the key
// on first use.
func (e *Engine) Fingerprint(ctx context.Context) (string, error) {
	kp, err := e.trust.SelfKey(ctx, &e.db.Queries)
	if err != nil {
		return "", err
	}
	return kp.Fingerprint(), nil
}

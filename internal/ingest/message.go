package ingest

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/trust"
)

// store persists a chat message.
func (r *run) store(ctx context.Context) (*Result, error) {
	tx, p := r.tx, r.p

	parent, err := r.parent(ctx)
	if err != nil {
		return nil, err
	}
	chat, info, err := r.resolveChat(ctx, parent)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return r.trash(ctx, "blocked chat")
	}

	members, err := tx.ChatMembers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	if err := r.applyGossip(ctx, len(members)); err != nil {
		return nil, err
	}

	degraded, err := r.degraded(ctx, chat)
	if err != nil {
		return nil, err
	}

	sort, err := r.sortTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	timerInfo, err := r.updateChatTimer(ctx, chat)
	if err != nil {
		return nil, err
	}
	if info == 0 {
		info = timerInfo
	}

	m := &store.Message{
		RFC724MID:     p.MessageID,
		ChatID:        chat.ID,
		FromID:        r.fromID,
		Timestamp:     sort,
		TimestampSent: r.sentAt,
		TimestampRcvd: r.now,
		Type:          store.MsgText,
		Text:          p.Text,
		Subject:       p.Subject,
		ServerFolder:  r.src.Folder,
		ServerUID:     int64(r.src.UID),
		InReplyTo:     p.InReplyTo,
		References:    strings.Join(p.References, " "),
		InfoType:      info,
		WantMDN:       p.WantsMDN() && !r.fromSelf && chat.Type != store.ChatTypeMailinglist,
		SendBatch:     p.MessageID,
	}
	switch {
	case r.decrypted:
		m.Encryption = store.EncEncrypted
	case p.Encrypted:
		m.Encryption = store.EncUndecryptable
	}
	switch {
	case r.fromSelf:
		m.State = store.StateOutDelivered
	case r.src.Seen:
		m.State = store.StateInSeen
	default:
		m.State = store.StateInFresh
	}
	m.SecurityDegraded = degraded
	m.EphemeralTimer = r.ephemeralTimer(parent)
	m.EphemeralTimestamp = r.ephemeralStart(m.EphemeralTimer, m.State)

	if len(p.Attachments) > 0 && r.in.blobs != nil {
		a := p.Attachments[0]
		name, err := r.in.blobs.Write(a.Name, a.Data)
		if err != nil {
			return nil, err
		}
		m.File, m.MimeType = name, a.MimeType
		m.Type = store.MsgFile
		if strings.HasPrefix(a.MimeType, "image/") {
			m.Type = store.MsgImage
		}
	}

	if _, err := tx.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := r.pushDescendants(ctx, m.RFC724MID, m.Timestamp); err != nil {
		return nil, err
	}
	if err := r.clampDescendants(ctx, m.RFC724MID, m.EphemeralTimer); err != nil {
		return nil, err
	}
	if !r.fromSelf {
		if err := tx.TouchContact(ctx, r.fromID, r.sentAt); err != nil {
			return nil, err
		}
	}

	if m.State == store.StateInFresh {
		r.emit(bus.MsgIncoming, bus.MsgEvent{ChatID: chat.ID, MsgID: m.ID})
	} else {
		r.emit(bus.MsgsChanged, bus.MsgEvent{ChatID: chat.ID, MsgID: m.ID})
	}
	if degraded {
		r.in.logger.Warn("message arrived with weaker protection",
			zap.String("message_id", m.RFC724MID), zap.String("from", r.fromAddr))
		r.emit(bus.MsgSecurityDegraded, bus.SecurityEvent{
			ChatID:    chat.ID,
			MsgID:     m.ID,
			ContactID: r.fromID,
			Reason:    "expected a verified encrypted message",
		})
	}
	return &Result{Outcome: Stored, MsgID: m.ID, ChatID: chat.ID}, nil
}

// applyGossip takes keys of other members from an opened group message.
func (r *run) applyGossip(ctx context.Context, members int) error {
	if !r.decrypted || len(r.p.Gossip) == 0 || !r.in.trust.ApplyGossip(members) {
		return nil
	}
	recipients := map[string]bool{}
	for _, a := range r.p.To {
		recipients[store.NormalizeAddr(a.Address)] = true
	}
	self := store.NormalizeAddr(r.self)
	for _, g := range r.p.Gossip {
		addr := store.NormalizeAddr(g.Addr)
		if addr == self || addr == r.fromAddr || !recipients[addr] {
			continue
		}
		if _, err := r.in.trust.ApplyInbound(ctx, r.tx, addr, trust.KeyMaterial{Key: g.Key, Gossip: true}, r.sentAt); err != nil {
			r.in.logger.Warn("ignoring gossip", zap.String("addr", addr), zap.Error(err))
		}
	}
	return nil
}

// degraded reports whether the message is less protected than its sender
// or chat requires.
func (r *run) degraded(ctx context.Context, chat *store.Chat) (bool, error) {
	if r.fromSelf {
		return false, nil
	}
	if chat.Protected && !r.decrypted {
		return true, nil
	}
	ps, err := r.tx.PeerstateByAddr(ctx, r.fromAddr)
	if err != nil {
		return false, err
	}
	return trust.Degraded(ps, r.decrypted, r.senderFingerprint), nil
}

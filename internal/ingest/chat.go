package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/wire"
)

// references returns In-Reply-To followed by References, newest first,
// without duplicates.
func (r *run) references() []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(r.p.InReplyTo)
	for i := len(r.p.References) - 1; i >= 0; i-- {
		add(r.p.References[i])
	}
	return out
}

// parent returns the closest stored ancestor outside the trash.
func (r *run) parent(ctx context.Context) (*store.Message, error) {
	for _, ref := range r.references() {
		m, err := r.tx.MessageByRFC724MID(ctx, ref)
		if err != nil {
			return nil, err
		}
		if m != nil && m.ChatID > store.ChatIDLastSpecial {
			return m, nil
		}
	}
	return nil, nil
}

// resolveChat picks the chat of the message: an explicit group id, the
// chat of a stored ancestor, a group id found in the references or in the
// message's own id, a mailing list, an ad-hoc group of the address set
// and finally the one-to-one chat. A nil chat sends the message to the
// trash. The returned info type describes a group change carried by the
// message.
func (r *run) resolveChat(ctx context.Context, parent *store.Message) (*store.Chat, store.InfoType, error) {
	p, tx := r.p, r.tx

	if grpid := p.GroupID(); grpid != "" && wire.ValidGroupID(grpid) {
		chat, err := r.groupChat(ctx, grpid, p.GroupName())
		if err != nil || chat == nil {
			return nil, 0, err
		}
		info, err := r.applyGroupChanges(ctx, chat)
		return chat, info, err
	}

	if parent != nil {
		chat, err := tx.ChatByID(ctx, parent.ChatID)
		if err != nil {
			return nil, 0, err
		}
		if chat != nil && !chat.Special() {
			if chat.Blocked == store.BlockedYes {
				return nil, 0, nil
			}
			return chat, 0, nil
		}
	}

	for _, ref := range r.references() {
		grpid := wire.GroupIDFromMessageID(ref)
		if grpid == "" {
			continue
		}
		chat, err := tx.ChatByGrpID(ctx, grpid)
		if err != nil {
			return nil, 0, err
		}
		if chat != nil {
			if chat.Blocked == store.BlockedYes {
				return nil, 0, nil
			}
			return chat, 0, nil
		}
	}

	if grpid := wire.GroupIDFromMessageID(p.MessageID); grpid != "" {
		chat, err := r.groupChat(ctx, grpid, "")
		return chat, 0, err
	}

	if p.ListID != "" && !r.fromSelf {
		chat, err := r.mailingList(ctx)
		return chat, 0, err
	}

	if others := r.others(); len(others) >= 2 {
		chat, err := r.adhocGroup(ctx, others)
		return chat, 0, err
	}
	chat, err := r.oneToOne(ctx, parent)
	return chat, 0, err
}

// others returns the normalized correspondents of the message: sender and
// recipients without the account itself.
func (r *run) others() []string {
	self := store.NormalizeAddr(r.self)
	var out []string
	add := func(a string) {
		a = store.NormalizeAddr(a)
		if a != "" && a != self && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	add(r.fromAddr)
	for _, a := range r.p.To {
		add(a.Address)
	}
	return out
}

func (r *run) newChatBlocked(ctx context.Context) (store.Blocked, error) {
	ok, err := r.accepted(ctx, r.fromID)
	if err != nil {
		return 0, err
	}
	if ok {
		return store.BlockedNot, nil
	}
	return store.BlockedRequest, nil
}

func (r *run) memberIDs(ctx context.Context, addrs []string) ([]int64, error) {
	ids := []int64{store.ContactIDSelf}
	for _, a := range addrs {
		origin := store.OriginIncomingTo
		if a == r.fromAddr {
			origin = store.OriginIncomingUnknownFrom
		}
		id, _, err := r.tx.AddOrLookupContact(ctx, a, "", origin)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// groupChat returns the group grpid, creating it from the message's
// address set when unknown. Groups the account has left are not
// resurrected unless the message adds the account back.
func (r *run) groupChat(ctx context.Context, grpid, name string) (*store.Chat, error) {
	tx := r.tx
	chat, err := tx.ChatByGrpID(ctx, grpid)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		if chat.Blocked == store.BlockedYes {
			return nil, nil
		}
		return chat, nil
	}

	left, err := tx.IsLeftGroup(ctx, grpid)
	if err != nil {
		return nil, err
	}
	if left {
		if r.p.MemberAdded() != store.NormalizeAddr(r.self) {
			return nil, nil
		}
		if err := tx.UnmarkLeftGroup(ctx, grpid); err != nil {
			return nil, err
		}
	}

	blocked, err := r.newChatBlocked(ctx)
	if err != nil {
		return nil, err
	}
	members, err := r.memberIDs(ctx, r.others())
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = strings.TrimSpace(r.p.Subject)
	}
	if name == "" || name == "[...]" {
		name = "Group"
	}
	chat = &store.Chat{
		Type:      store.ChatTypeGroup,
		Name:      name,
		GrpID:     grpid,
		Blocked:   blocked,
		Protected: r.p.Verified() && r.decrypted,
	}
	if err := tx.CreateChat(ctx, chat, members); err != nil {
		return nil, err
	}
	r.emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
	return chat, nil
}

// applyGroupChanges applies member and name changes sent by a member.
func (r *run) applyGroupChanges(ctx context.Context, chat *store.Chat) (store.InfoType, error) {
	tx, p := r.tx, r.p
	member, err := tx.IsChatMember(ctx, chat.ID, r.fromID)
	if err != nil {
		return 0, err
	}
	if !member && !r.fromSelf {
		return 0, nil
	}
	self := store.NormalizeAddr(r.self)

	var info store.InfoType
	if addr := p.MemberAdded(); addr != "" {
		id, _, err := tx.AddOrLookupContact(ctx, addr, "", store.OriginIncomingTo)
		if err != nil {
			return 0, err
		}
		if _, err := tx.AddChatMember(ctx, chat.ID, id); err != nil {
			return 0, err
		}
		if addr == self {
			if err := r.joinedGroup(ctx, chat); err != nil {
				return 0, err
			}
		}
		info = store.InfoMemberAdded
	}
	if addr := p.MemberRemoved(); addr != "" {
		id := store.ContactIDSelf
		if addr != self {
			c, err := tx.ContactByAddr(ctx, addr)
			if err != nil {
				return 0, err
			}
			if c == nil {
				return 0, nil
			}
			id = c.ID
		}
		if _, err := tx.RemoveChatMember(ctx, chat.ID, id); err != nil {
			return 0, err
		}
		if id == store.ContactIDSelf {
			if err := tx.MarkLeftGroup(ctx, chat.GrpID); err != nil {
				return 0, err
			}
		}
		info = store.InfoMemberRemoved
	}
	if p.ChatContent() == wire.ContentGroupNameChanged {
		if name := p.GroupName(); name != "" && name != chat.Name {
			if err := tx.SetChatName(ctx, chat.ID, name); err != nil {
				return 0, err
			}
			chat.Name = name
		}
		info = store.InfoGroupNameChanged
	}
	if info != 0 {
		r.emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
	}
	return info, nil
}

// joinedGroup takes the member list of a group the account was added to
// from the recipients of the message.
func (r *run) joinedGroup(ctx context.Context, chat *store.Chat) error {
	tx := r.tx
	if err := tx.UnmarkLeftGroup(ctx, chat.GrpID); err != nil {
		return err
	}
	ids, err := r.memberIDs(ctx, r.others())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.AddChatMember(ctx, chat.ID, id); err != nil {
			return err
		}
	}
	if r.p.Verified() && r.decrypted && !chat.Protected {
		if err := tx.SetChatProtected(ctx, chat.ID, true); err != nil {
			return err
		}
		chat.Protected = true
	}
	return nil
}

// mailingList returns the read-only chat of the message's List-Id.
func (r *run) mailingList(ctx context.Context) (*store.Chat, error) {
	chat, err := r.tx.ChatByGrpID(ctx, r.p.ListID)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		if chat.Blocked == store.BlockedYes {
			return nil, nil
		}
		return chat, nil
	}
	name := r.p.ListID
	if raw := r.p.Get(wire.HdrListID); raw != "" {
		if i := strings.IndexByte(raw, '<'); i > 0 {
			if n := strings.Trim(strings.TrimSpace(raw[:i]), `"`); n != "" {
				name = n
			}
		}
	}
	blocked := store.BlockedRequest
	if r.in.cfg.Bot {
		blocked = store.BlockedNot
	}
	chat = &store.Chat{Type: store.ChatTypeMailinglist, Name: name, GrpID: r.p.ListID, Blocked: blocked}
	if err := r.tx.CreateChat(ctx, chat, nil); err != nil {
		return nil, err
	}
	r.emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
	return chat, nil
}

// adhocGroup returns the group keyed by the sorted address set.
func (r *run) adhocGroup(ctx context.Context, addrs []string) (*store.Chat, error) {
	sorted := slices.Sorted(slices.Values(append([]string{store.NormalizeAddr(r.self)}, addrs...)))
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return r.groupChat(ctx, "adhoc-"+hex.EncodeToString(sum[:8]), "")
}

// oneToOne returns the chat with the single correspondent. Mail from a
// sender that is not accepted opens a contact request unless it replies to
// one of the account's own messages.
func (r *run) oneToOne(ctx context.Context, parent *store.Message) (*store.Chat, error) {
	tx := r.tx
	if r.fromSelf {
		others := r.others()
		if len(others) == 0 {
			return tx.SelfChat(ctx)
		}
		id, _, err := tx.AddOrLookupContact(ctx, others[0], "", store.OriginOutgoingTo)
		if err != nil {
			return nil, err
		}
		chat, created, err := tx.GetOrCreateOneToOne(ctx, id, store.BlockedNot)
		if err != nil {
			return nil, err
		}
		if created {
			r.emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
		}
		return chat, nil
	}

	chat, err := tx.OneToOneChat(ctx, r.fromID)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		if chat.Blocked == store.BlockedYes {
			return nil, nil
		}
		return chat, nil
	}
	blocked, err := r.newChatBlocked(ctx)
	if err != nil {
		return nil, err
	}
	if parent != nil && parent.FromID == store.ContactIDSelf {
		blocked = store.BlockedNot
	}
	chat, _, err = tx.GetOrCreateOneToOne(ctx, r.fromID, blocked)
	if err != nil {
		return nil, err
	}
	r.emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
	return chat, nil
}

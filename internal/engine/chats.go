package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/trust"
	"github.com/matheus3301/postbox/internal/wire"
)

// ChatInfo is a chat with its members.
type ChatInfo struct {
	store.Chat
	Members    []store.Contact
	FreshCount int
}

func (e *Engine) chat(ctx context.Context, q *store.Queries, id int64) (*store.Chat, error) {
	c, err := q.ChatByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("chat %d: %w", id, errs.ErrNotFound)
	}
	return c, nil
}

func (e *Engine) contact(ctx context.Context, q *store.Queries, id int64) (*store.Contact, error) {
	c, err := q.ContactByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || id <= store.ContactIDLastSpecial {
		return nil, fmt.Errorf("contact %d: %w", id, errs.ErrNotFound)
	}
	return c, nil
}

// Chats lists chats, pinned first.
func (e *Engine) Chats(ctx context.Context, opts store.ListChatsOptions) ([]store.ChatSummary, error) {
	return e.db.ListChats(ctx, opts)
}

// Chat returns chat id with its members.
func (e *Engine) Chat(ctx context.Context, id int64) (*ChatInfo, error) {
	rq := &e.db.Queries
	c, err := e.chat(ctx, rq, id)
	if err != nil {
		return nil, err
	}
	info := &ChatInfo{Chat: *c}
	ids, err := rq.ChatMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, cid := range ids {
		m, err := rq.ContactByID(ctx, cid)
		if err != nil {
			return nil, err
		}
		if m != nil {
			info.Members = append(info.Members, *m)
		}
	}
	if info.FreshCount, err = rq.FreshCount(ctx, id); err != nil {
		return nil, err
	}
	return info, nil
}

// Contacts lists known contacts matching query.
func (e *Engine) Contacts(ctx context.Context, query string, includeBlocked bool) ([]store.Contact, error) {
	return e.db.ListContacts(ctx, query, includeBlocked)
}

// CreateContact adds addr to the address book, or renames it when known.
func (e *Engine) CreateContact(ctx context.Context, addr, name string) (int64, error) {
	addr = store.NormalizeAddr(addr)
	if !strings.Contains(addr, "@") {
		return 0, fmt.Errorf("create contact: invalid address %q", addr)
	}
	var id int64
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		var err error
		if id, _, err = tx.AddOrLookupContact(ctx, addr, "", store.OriginManuallyCreated); err != nil {
			return err
		}
		if name != "" {
			return tx.SetContactName(ctx, id, name)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create contact: %w", err)
	}
	e.bus.Emit(bus.ContactsChanged, bus.ContactEvent{ContactID: id})
	return id, nil
}

// CreateChat returns the one-to-one chat with contactID, creating it
// unblocked. A pending contact request is accepted.
func (e *Engine) CreateChat(ctx context.Context, contactID int64) (int64, error) {
	var chat *store.Chat
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		if _, err := e.contact(ctx, tx, contactID); err != nil {
			return err
		}
		var created bool
		var err error
		chat, created, err = tx.GetOrCreateOneToOne(ctx, contactID, store.BlockedNot)
		if err != nil {
			return err
		}
		if created {
			return e.applyDefaultTimer(ctx, tx, chat.ID)
		}
		if chat.Blocked != store.BlockedNot {
			return tx.SetChatBlocked(ctx, chat.ID, store.BlockedNot)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
	return chat.ID, nil
}

func (e *Engine) applyDefaultTimer(ctx context.Context, tx *store.Queries, chatID int64) error {
	timer := int64(e.settings.Ephemeral.DefaultTimer / time.Second)
	if timer <= 0 {
		return nil
	}
	return tx.SetChatEphemeralTimer(ctx, chatID, timer, e.now().UnixMilli())
}

// AcceptChat accepts a contact request.
func (e *Engine) AcceptChat(ctx context.Context, chatID int64) error {
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		c, err := e.chat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if c.Special() {
			return errs.ErrChatNotWritable
		}
		if c.Type == store.ChatTypeSingle {
			if err := e.setMembersBlocked(ctx, tx, chatID, false); err != nil {
				return err
			}
		}
		return tx.SetChatBlocked(ctx, chatID, store.BlockedNot)
	})
	if err != nil {
		return fmt.Errorf("accept chat: %w", err)
	}
	e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chatID})
	return nil
}

// BlockChat blocks a chat. For a one-to-one chat the contact is blocked
// too, so mail from it goes to the trash.
func (e *Engine) BlockChat(ctx context.Context, chatID int64) error {
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		c, err := e.chat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if c.Special() {
			return errs.ErrChatNotWritable
		}
		if c.Type == store.ChatTypeSingle {
			if err := e.setMembersBlocked(ctx, tx, chatID, true); err != nil {
				return err
			}
		}
		return tx.SetChatBlocked(ctx, chatID, store.BlockedYes)
	})
	if err != nil {
		return fmt.Errorf("block chat: %w", err)
	}
	e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chatID})
	e.bus.Emit(bus.ContactsChanged, bus.ContactEvent{})
	return nil
}

func (e *Engine) setMembersBlocked(ctx context.Context, tx *store.Queries, chatID int64, blocked bool) error {
	ids, err := tx.ChatMembers(ctx, chatID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id <= store.ContactIDLastSpecial {
			continue
		}
		if err := tx.SetContactBlocked(ctx, id, blocked); err != nil {
			return err
		}
	}
	return nil
}

// UnblockContact unblocks contactID and its one-to-one chat.
func (e *Engine) UnblockContact(ctx context.Context, contactID int64) error {
	var chatID int64
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		if _, err := e.contact(ctx, tx, contactID); err != nil {
			return err
		}
		if err := tx.SetContactBlocked(ctx, contactID, false); err != nil {
			return err
		}
		c, err := tx.OneToOneChat(ctx, contactID)
		if err != nil || c == nil || c.Blocked != store.BlockedYes {
			return err
		}
		chatID = c.ID
		return tx.SetChatBlocked(ctx, c.ID, store.BlockedNot)
	})
	if err != nil {
		return fmt.Errorf("unblock contact: %w", err)
	}
	e.bus.Emit(bus.ContactsChanged, bus.ContactEvent{ContactID: contactID})
	if chatID != 0 {
		e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chatID})
	}
	return nil
}

func verified(ctx context.Context, tx *store.Queries, c *store.Contact) error {
	p, err := tx.PeerstateByAddr(ctx, c.Addr)
	if err != nil {
		return err
	}
	if trust.LevelOf(p) != trust.LevelDirect {
		return fmt.Errorf("%w: %s is not verified", errs.ErrNoKey, c.Addr)
	}
	return nil
}

// CreateGroup creates a group with self and members. A protected group
// only admits verified contacts.
func (e *Engine) CreateGroup(ctx context.Context, name string, members []int64, protected bool) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("create group: empty name")
	}
	chat := &store.Chat{
		Type:      store.ChatTypeGroup,
		Name:      name,
		GrpID:     wire.NewGroupID(),
		Blocked:   store.BlockedNot,
		Protected: protected,
	}
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		ids := []int64{store.ContactIDSelf}
		for _, id := range members {
			c, err := e.contact(ctx, tx, id)
			if err != nil {
				return err
			}
			if protected {
				if err := verified(ctx, tx, c); err != nil {
					return err
				}
			}
			ids = append(ids, id)
		}
		if err := tx.CreateChat(ctx, chat, ids); err != nil {
			return err
		}
		return e.applyDefaultTimer(ctx, tx, chat.ID)
	})
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
	return chat.ID, nil
}

// group loads a group chat the account is still a member of.
func (e *Engine) group(ctx context.Context, tx *store.Queries, chatID int64) (*store.Chat, error) {
	c, err := e.chat(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}
	if c.Type != store.ChatTypeGroup {
		return nil, fmt.Errorf("chat %d is not a group: %w", chatID, errs.ErrChatNotWritable)
	}
	member, err := tx.IsChatMember(ctx, chatID, store.ContactIDSelf)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("not a member of chat %d: %w", chatID, errs.ErrChatNotWritable)
	}
	return c, nil
}

// systemMessage queues an info message announcing a chat change.
func (e *Engine) systemMessage(ctx context.Context, tx *store.Queries, chatID int64, info store.InfoType, text string, p outbox.Params) (*store.Message, error) {
	m := &store.Message{
		ChatID:   chatID,
		Text:     text,
		InfoType: info,
		Param:    p.Encode(),
	}
	if _, err := outbox.EnqueueMessage(ctx, tx, m, e.now()); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) changed(chatID int64, m *store.Message) {
	e.queue.Notify(store.ThreadSMTP)
	e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chatID})
	if m != nil {
		e.bus.Emit(bus.MsgsChanged, bus.MsgEvent{ChatID: chatID, MsgID: m.ID})
	}
}

// AddMember adds contactID to a group and announces it to the members.
func (e *Engine) AddMember(ctx context.Context, chatID, contactID int64) error {
	var m *store.Message
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		chat, err := e.group(ctx, tx, chatID)
		if err != nil {
			return err
		}
		c, err := e.contact(ctx, tx, contactID)
		if err != nil {
			return err
		}
		if chat.Protected {
			if err := verified(ctx, tx, c); err != nil {
				return err
			}
		}
		added, err := tx.AddChatMember(ctx, chatID, contactID)
		if err != nil || !added {
			return err
		}
		m, err = e.systemMessage(ctx, tx, chatID, store.InfoMemberAdded,
			fmt.Sprintf("Member %s added.", c.Addr),
			outbox.Params{Headers: map[string]string{wire.HdrChatMemberAdded: c.Addr}})
		return err
	})
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	e.changed(chatID, m)
	return nil
}

// RemoveMember removes contactID from a group. The removed member still
// receives the announcement. Removing self leaves the group.
func (e *Engine) RemoveMember(ctx context.Context, chatID, contactID int64) error {
	if contactID == store.ContactIDSelf {
		return e.LeaveGroup(ctx, chatID)
	}
	var m *store.Message
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		if _, err := e.group(ctx, tx, chatID); err != nil {
			return err
		}
		c, err := e.contact(ctx, tx, contactID)
		if err != nil {
			return err
		}
		removed, err := tx.RemoveChatMember(ctx, chatID, contactID)
		if err != nil || !removed {
			return err
		}
		m, err = e.systemMessage(ctx, tx, chatID, store.InfoMemberRemoved,
			fmt.Sprintf("Member %s removed.", c.Addr),
			outbox.Params{
				Headers: map[string]string{wire.HdrChatMemberRemoved: c.Addr},
				AlsoTo:  []string{c.Addr},
			})
		return err
	})
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	e.changed(chatID, m)
	return nil
}

// LeaveGroup tells the members the account left and stops accepting the
// group's mail.
func (e *Engine) LeaveGroup(ctx context.Context, chatID int64) error {
	var m *store.Message
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		chat, err := e.group(ctx, tx, chatID)
		if err != nil {
			return err
		}
		self, err := tx.SelfAddr(ctx)
		if err != nil {
			return err
		}
		m, err = e.systemMessage(ctx, tx, chatID, store.InfoMemberRemoved, "Group left.",
			outbox.Params{Headers: map[string]string{wire.HdrChatMemberRemoved: self}})
		if err != nil {
			return err
		}
		if _, err := tx.RemoveChatMember(ctx, chatID, store.ContactIDSelf); err != nil {
			return err
		}
		return tx.MarkLeftGroup(ctx, chat.GrpID)
	})
	if err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	e.changed(chatID, m)
	return nil
}

// SetChatName renames a group.
func (e *Engine) SetChatName(ctx context.Context, chatID int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("rename chat: empty name")
	}
	var m *store.Message
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		chat, err := e.group(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if chat.Name == name {
			return nil
		}
		if err := tx.SetChatName(ctx, chatID, name); err != nil {
			return err
		}
		m, err = e.systemMessage(ctx, tx, chatID, store.InfoGroupNameChanged,
			fmt.Sprintf("Group name changed from %q to %q.", chat.Name, name),
			outbox.Params{Headers: map[string]string{wire.HdrChatContent: wire.ContentGroupNameChanged}})
		return err
	})
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	e.changed(chatID, m)
	return nil
}

// SetChatVisibility archives, pins or restores a chat.
func (e *Engine) SetChatVisibility(ctx context.Context, chatID int64, v store.Visibility) error {
	if v != store.VisibilityNormal && v != store.VisibilityArchived && v != store.VisibilityPinned {
		return fmt.Errorf("set visibility: unknown value %d", v)
	}
	if _, err := e.chat(ctx, &e.db.Queries, chatID); err != nil {
		return err
	}
	if err := e.db.SetChatVisibility(ctx, chatID, v); err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chatID})
	return nil
}

// MuteChat mutes a chat for d. A negative d mutes forever, zero unmutes.
func (e *Engine) MuteChat(ctx context.Context, chatID int64, d time.Duration) error {
	var until int64
	switch {
	case d < 0:
		until = -1
	case d > 0:
		until = e.now().Add(d).UnixMilli()
	}
	if _, err := e.chat(ctx, &e.db.Queries, chatID); err != nil {
		return err
	}
	if err := e.db.SetChatMutedUntil(ctx, chatID, until); err != nil {
		return fmt.Errorf("mute chat: %w", err)
	}
	e.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: chatID})
	return nil
}

// SetEphemeralTimer changes the chat's disappearing-message timer and
// tells the other members. Zero turns it off.
func (e *Engine) SetEphemeralTimer(ctx context.Context, chatID int64, timer time.Duration) error {
	secs := int64(timer / time.Second)
	if secs < 0 {
		return fmt.Errorf("set ephemeral timer: negative timer")
	}
	var m *store.Message
	err := e.db.InTx(ctx, func(tx *store.Queries) error {
		chat, err := e.chat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if chat.EphemeralTimer == secs {
			return nil
		}
		if err := tx.SetChatEphemeralTimer(ctx, chatID, secs, e.now().UnixMilli()); err != nil {
			return err
		}
		text := "Disappearing messages turned off."
		if secs > 0 {
			text = fmt.Sprintf("Message timer set to %s.", time.Duration(secs)*time.Second)
		}
		m, err = e.systemMessage(ctx, tx, chatID, store.InfoEphemeralTimerChanged, text,
			outbox.Params{Headers: map[string]string{wire.HdrChatContent: wire.ContentEphemeralTimerChanged}})
		return err
	})
	if err != nil {
		return fmt.Errorf("set ephemeral timer: %w", err)
	}
	if m == nil {
		return nil
	}
	e.changed(chatID, m)
	e.bus.Emit(bus.ChatEphemeralTimer, bus.TimerEvent{ChatID: chatID, Timer: secs})
	e.sched.ExpiryChanged()
	return nil
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/transport"
	"github.com/matheus3301/postbox/internal/wire"
)

var errNoSession = errors.New("no imap session")

// send renders and submits one message. Recipients are split into chunks
// of MaxRecipients; the number of chunks already accepted is kept in the
// job so a retry does not resubmit them.
func (q *Queue) send(ctx context.Context, j *store.Job) error {
	rq := &q.db.Queries
	m, err := rq.MessageByID(ctx, j.ForeignID)
	if err != nil {
		return err
	}
	if m == nil || m.ChatID == store.ChatIDTrash || m.State == store.StateOutFailed {
		return nil
	}
	chat, err := rq.ChatByID(ctx, m.ChatID)
	if err != nil {
		return err
	}
	if chat == nil {
		return errs.Wrap("send", errs.Permanent, fmt.Errorf("chat %d: %w", m.ChatID, errs.ErrNotFound))
	}
	self, err := rq.SelfAddr(ctx)
	if err != nil {
		return err
	}

	members, err := rq.ChatMembers(ctx, chat.ID)
	if err != nil {
		return err
	}
	addrs, err := rq.ContactAddrs(ctx, members)
	if err != nil {
		return err
	}
	params := ParseParams(m.Param)
	to := slices.Sorted(maps.Values(addrs))
	for _, a := range params.AlsoTo {
		if a = store.NormalizeAddr(a); a != "" && !slices.Contains(to, a) {
			to = append(to, a)
		}
	}
	rcpts := slices.Clone(to)
	if len(to) == 0 {
		to = []string{self}
		rcpts = []string{self}
	} else if q.cfg.BCCSelf {
		rcpts = append(rcpts, self)
	}

	now := q.now()
	dec, err := q.trust.ShouldEncrypt(ctx, rq, chat.ID, now, params.AlsoTo...)
	if err != nil {
		return err
	}
	encrypt := dec.Encrypt && !params.ForcePlain
	if !encrypt && (chat.Protected || params.ForceEncrypt) {
		return errs.Wrap("send", errs.Permanent, fmt.Errorf("%w for %s", errs.ErrNoKey, dec.Blocker))
	}
	selfKey, err := q.trust.SelfKey(ctx, rq)
	if err != nil {
		return err
	}

	out := &wire.Outgoing{
		From:       &wire.Address{Name: q.cfg.DisplayName, Address: self},
		Date:       now,
		MessageID:  m.RFC724MID,
		InReplyTo:  m.InReplyTo,
		References: strings.Fields(m.References),
		Subject:    m.Subject,
		Text:       m.Text,
		Headers:    map[string]string{},
		Autocrypt:  &wire.Autocrypt{Addr: self, PreferEncrypt: q.trust.Policy().Enabled, Key: selfKey.Public[:]},
	}
	for _, a := range to {
		out.To = append(out.To, &wire.Address{Address: a})
	}
	if out.Subject == "" {
		out.Subject = defaultSubject(chat, q.cfg.DisplayName, self)
	}
	if chat.Type == store.ChatTypeGroup {
		out.Headers[wire.HdrChatGroupID] = chat.GrpID
		out.Headers[wire.HdrChatGroupName] = chat.Name
	}
	if chat.Protected {
		out.Headers[wire.HdrChatVerified] = "1"
	}
	if m.WantMDN {
		out.Headers[wire.HdrChatDispositionTo] = self
	}
	if m.EphemeralTimer > 0 {
		out.Headers[wire.HdrEphemeralTimer] = strconv.FormatInt(m.EphemeralTimer, 10)
	}
	maps.Copy(out.Headers, params.Headers)

	if m.File != "" {
		data, err := q.blobs.Read(m.File)
		if err != nil {
			return errs.Wrap("send", errs.Permanent, fmt.Errorf("read attachment: %w", err))
		}
		out.Attachments = []wire.Attachment{{Name: m.File, MimeType: m.MimeType, Data: data}}
	}

	gossip := false
	if encrypt {
		var keys [][]byte
		for _, addr := range slices.Sorted(maps.Keys(dec.Keys)) {
			keys = append(keys, dec.Keys[addr])
			if _, member := dec.Members[addr]; dec.Gossip && member {
				out.Gossip = append(out.Gossip, wire.Autocrypt{Addr: addr, Key: dec.Keys[addr]})
			}
		}
		gossip = dec.Gossip
		out.Encrypt = func(inner []byte) ([]byte, error) {
			return q.trust.Seal(ctx, rq, inner, keys)
		}
	}

	raw, err := wire.Render(out)
	if err != nil {
		return errs.Wrap("send", errs.Permanent, err)
	}

	chunks := slices.Collect(slices.Chunk(rcpts, q.cfg.MaxRecipients))
	for i := doneChunks(j.Param); i < len(chunks); i++ {
		if err := q.smtp.Send(ctx, self, chunks[i], raw); err != nil {
			return err
		}
		j.Param = "chunks=" + strconv.Itoa(i+1)
		if err := q.db.UpdateJob(context.WithoutCancel(ctx), j); err != nil {
			return err
		}
	}

	err = q.db.InTx(context.WithoutCancel(ctx), func(tx *store.Queries) error {
		cur, err := tx.MessageByID(ctx, m.ID)
		if err != nil || cur == nil {
			return err
		}
		if cur.State == store.StateOutPending || cur.State == store.StateOutPreparing {
			if err := tx.SetMessageState(ctx, m.ID, store.StateOutDelivered, ""); err != nil {
				return err
			}
		}
		if gossip {
			return tx.SetChatGossiped(ctx, chat.ID, now.UnixMilli())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	q.logger.Info("message sent",
		zap.Int64("msg", m.ID),
		zap.Int("recipients", len(rcpts)),
		zap.Bool("encrypted", encrypt))
	q.bus.Emit(bus.MsgDelivered, bus.MsgEvent{ChatID: m.ChatID, MsgID: m.ID})
	return nil
}

func doneChunks(param string) int {
	v, ok := strings.CutPrefix(param, "chunks=")
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func defaultSubject(chat *store.Chat, name, self string) string {
	if chat.Type == store.ChatTypeGroup {
		return chat.Name
	}
	if name == "" {
		name = self
	}
	return "Message from " + name
}

// sendMDN sends a read receipt for an incoming message.
func (q *Queue) sendMDN(ctx context.Context, j *store.Job) error {
	rq := &q.db.Queries
	m, err := rq.MessageByID(ctx, j.ForeignID)
	if err != nil {
		return err
	}
	if m == nil || m.FromID <= store.ContactIDLastSpecial {
		return nil
	}
	c, err := rq.ContactByID(ctx, m.FromID)
	if err != nil || c == nil {
		return err
	}
	self, err := rq.SelfAddr(ctx)
	if err != nil {
		return err
	}
	raw, err := wire.RenderMDN(&wire.MDN{
		From:              &wire.Address{Name: q.cfg.DisplayName, Address: self},
		To:                &wire.Address{Address: c.Addr},
		Date:              q.now(),
		MessageID:         wire.NewMessageID(domainOf(self), ""),
		OriginalMessageID: m.RFC724MID,
	})
	if err != nil {
		return errs.Wrap("send mdn", errs.Permanent, err)
	}
	return q.smtp.Send(ctx, self, []string{c.Addr}, raw)
}

// markSeen flags the server copy of a message as read.
func (q *Queue) markSeen(ctx context.Context, j *store.Job, mb transport.Mailbox) error {
	if mb == nil {
		return errs.Wrap("mark seen", errs.Transient, errNoSession)
	}
	m, err := q.db.MessageByID(ctx, j.ForeignID)
	if err != nil {
		return err
	}
	if m == nil || m.ServerUID == 0 {
		return nil
	}
	return mb.SetSeen(ctx, m.ServerFolder, []uint32{uint32(m.ServerUID)})
}

// retract deletes the server copy of a message and forgets its location.
func (q *Queue) retract(ctx context.Context, j *store.Job, mb transport.Mailbox) error {
	if mb == nil {
		return errs.Wrap("retract", errs.Transient, errNoSession)
	}
	m, err := q.db.MessageByID(ctx, j.ForeignID)
	if err != nil {
		return err
	}
	if m == nil || m.ServerUID == 0 {
		return nil
	}
	if err := mb.Delete(ctx, m.ServerFolder, []uint32{uint32(m.ServerUID)}); err != nil {
		return err
	}
	return q.db.ClearServerLocation(context.WithoutCancel(ctx), []int64{m.ID})
}

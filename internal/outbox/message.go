package outbox

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/wire"
)

// smearWindow bounds how far outgoing sort times are pushed ahead of the
// clock to keep them strictly increasing.
const smearWindow = 5 * time.Second

// maxReferences caps the References header of outgoing messages.
const maxReferences = 10

// Params are the per-message send options stored url-encoded in
// Message.Param.
type Params struct {
	// Headers are extra protocol headers, e.g. secure-join steps.
	Headers map[string]string
	// ForceEncrypt fails the send when the chat cannot be encrypted.
	ForceEncrypt bool
	// ForcePlain sends unencrypted even if every member has a key.
	ForcePlain bool
	// AlsoTo are recipients outside the chat's member list, e.g. a member
	// that was just removed.
	AlsoTo []string
}

// Encode returns the stored form of p.
func (p Params) Encode() string {
	v := url.Values{}
	for _, k := range slices.Sorted(maps.Keys(p.Headers)) {
		v.Set("h:"+k, p.Headers[k])
	}
	if p.ForceEncrypt {
		v.Set("encrypt", "1")
	}
	if p.ForcePlain {
		v.Set("plain", "1")
	}
	for _, a := range p.AlsoTo {
		v.Add("to", a)
	}
	return v.Encode()
}

// ParseParams decodes a stored Params. Malformed input yields empty params.
func ParseParams(s string) Params {
	var p Params
	v, err := url.ParseQuery(s)
	if err != nil {
		return p
	}
	for k, vals := range v {
		name, ok := strings.CutPrefix(k, "h:")
		if !ok || len(vals) == 0 {
			continue
		}
		if p.Headers == nil {
			p.Headers = map[string]string{}
		}
		p.Headers[name] = vals[0]
	}
	p.ForceEncrypt = v.Get("encrypt") == "1"
	p.ForcePlain = v.Get("plain") == "1"
	p.AlsoTo = v["to"]
	return p
}

// EnqueueMessage stores the outgoing message m in its chat and queues the
// job that sends it, inside the caller's transaction. Missing fields are
// filled in: Message-ID, sort and sent time, state, reply references to
// the chat's last message, the chat's ephemeral timer and its expiry.
func EnqueueMessage(ctx context.Context, tx *store.Queries, m *store.Message, now time.Time) (*store.Job, error) {
	chat, err := tx.ChatByID(ctx, m.ChatID)
	if err != nil {
		return nil, err
	}
	if chat == nil || chat.Special() || chat.Blocked == store.BlockedYes || chat.Type == store.ChatTypeMailinglist {
		return nil, fmt.Errorf("enqueue message to chat %d: %w", m.ChatID, errs.ErrChatNotWritable)
	}
	self, err := tx.SelfAddr(ctx)
	if err != nil {
		return nil, err
	}
	if self == "" {
		return nil, errs.ErrNotConfigured
	}

	if m.RFC724MID == "" {
		grpid := ""
		if chat.Type == store.ChatTypeGroup {
			grpid = chat.GrpID
		}
		m.RFC724MID = wire.NewMessageID(domainOf(self), grpid)
	}
	m.FromID = store.ContactIDSelf
	m.State = store.StateOutPending
	if m.Type == 0 {
		m.Type = store.MsgText
	}
	if m.SendBatch == "" {
		m.SendBatch = m.RFC724MID
	}

	ts := now.UnixMilli()
	last, err := tx.LastSenderTimestamp(ctx, store.ContactIDSelf, ts-smearWindow.Milliseconds())
	if err != nil {
		return nil, err
	}
	if last >= ts {
		ts = last + 1
	}
	m.Timestamp = ts
	m.TimestampSent = now.UnixMilli()
	m.TimestampRcvd = now.UnixMilli()

	if m.InReplyTo == "" {
		prev, err := tx.ChatMessages(ctx, chat.ID, 0, 1)
		if err != nil {
			return nil, err
		}
		if len(prev) > 0 {
			refs := append(strings.Fields(prev[0].References), prev[0].RFC724MID)
			if len(refs) > maxReferences {
				refs = refs[len(refs)-maxReferences:]
			}
			m.InReplyTo = prev[0].RFC724MID
			m.References = strings.Join(refs, " ")
		}
	}

	if m.EphemeralTimer == 0 {
		m.EphemeralTimer = chat.EphemeralTimer
	}
	if m.EphemeralTimer > 0 {
		m.EphemeralTimestamp = m.TimestampSent + m.EphemeralTimer*1000
	}

	inserted, err := tx.InsertMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("enqueue message: duplicate message id %q", m.RFC724MID)
	}
	j := SendJob(m)
	if _, err := Enqueue(ctx, tx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}

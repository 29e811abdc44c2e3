package ingest

import (
	"context"
	"slices"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/wire"
)

// smearWindow bounds how far back the sender's previous messages are
// considered when separating messages sent within the same second.
const smearWindow int64 = 5000

// sortTimestamp places the message in its chat. The claimed send time is
// never later than the receive time, never ties with the sender's previous
// message and always follows every stored ancestor.
func (r *run) sortTimestamp(ctx context.Context) (int64, error) {
	sort := min(r.sentAt, r.now)

	last, err := r.tx.LastSenderTimestamp(ctx, r.fromID, sort-smearWindow)
	if err != nil {
		return 0, err
	}
	if last >= sort {
		sort = last + 1
	}

	refs := r.references()
	if len(refs) == 0 {
		return sort, nil
	}
	ancestors, err := r.tx.MessagesByRFC724MIDs(ctx, refs)
	if err != nil {
		return 0, err
	}
	for _, a := range ancestors {
		if a.ChatID > store.ChatIDLastSpecial && a.Timestamp >= sort {
			sort = a.Timestamp + 1
		}
	}
	return sort, nil
}

// pushDescendants moves stored replies of mid that sort at or before ts
// behind it, transitively. A reply is pushed again whenever one of its
// ancestors moves past it; a message is never pushed along a path that
// already contains it, so reference cycles terminate.
func (r *run) pushDescendants(ctx context.Context, mid string, ts int64) error {
	type node struct {
		mid  string
		ts   int64
		path []string
	}
	queue := []node{{mid, ts, []string{mid}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := r.tx.ReplyChildren(ctx, cur.mid)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.Timestamp > cur.ts || slices.Contains(cur.path, c.RFC724MID) {
				continue
			}
			if err := r.tx.SetMessageTimestamp(ctx, c.ID, cur.ts+1); err != nil {
				return err
			}
			r.emit(bus.MsgsChanged, bus.MsgEvent{ChatID: c.ChatID, MsgID: c.ID})
			queue = append(queue, node{c.RFC724MID, cur.ts + 1, append(slices.Clip(cur.path), c.RFC724MID)})
		}
	}
	return nil
}

// ephemeralTimer returns the disappearing timer for the message in
// seconds. A reply never outlives the parent it quotes.
func (r *run) ephemeralTimer(parent *store.Message) int64 {
	timer := r.p.EphemeralTimer()
	if parent != nil && parent.EphemeralTimer > 0 && (timer == 0 || timer > parent.EphemeralTimer) {
		timer = parent.EphemeralTimer
	}
	return timer
}

// clampDescendants shortens the timers of stored replies of mid that
// arrived before it and claim a longer timer, or none, transitively.
func (r *run) clampDescendants(ctx context.Context, mid string, timer int64) error {
	if timer == 0 {
		return nil
	}
	queue := []string{mid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := r.tx.ReplyChildren(ctx, cur)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.EphemeralTimer != 0 && c.EphemeralTimer <= timer {
				continue
			}
			if err := r.tx.ClampEphemeralTimer(ctx, c.ID, timer, r.now); err != nil {
				return err
			}
			r.emit(bus.MsgsChanged, bus.MsgEvent{ChatID: c.ChatID, MsgID: c.ID})
			queue = append(queue, c.RFC724MID)
		}
	}
	return nil
}

// ephemeralStart returns the expiry of the message, 0 while the countdown
// has not started. Own messages count from the send time, incoming ones
// from when they are seen.
func (r *run) ephemeralStart(timer int64, state store.MsgState) int64 {
	switch {
	case timer == 0:
		return 0
	case state.Outgoing():
		return r.sentAt + timer*1000
	case state == store.StateInSeen:
		return r.now + timer*1000
	default:
		return 0
	}
}

// updateChatTimer follows the timer announced by a newer chat message.
func (r *run) updateChatTimer(ctx context.Context, chat *store.Chat) (store.InfoType, error) {
	if !r.p.IsChat() || chat.Type == store.ChatTypeMailinglist {
		return 0, nil
	}
	timer := r.p.EphemeralTimer()
	if timer == chat.EphemeralTimer || r.sentAt <= chat.EphemeralTimerTS {
		return 0, nil
	}
	if err := r.tx.SetChatEphemeralTimer(ctx, chat.ID, timer, r.sentAt); err != nil {
		return 0, err
	}
	chat.EphemeralTimer, chat.EphemeralTimerTS = timer, r.sentAt
	r.emit(bus.ChatEphemeralTimer, bus.TimerEvent{ChatID: chat.ID, Timer: timer})
	if r.p.ChatContent() == wire.ContentEphemeralTimerChanged {
		return store.InfoEphemeralTimerChanged, nil
	}
	return 0, nil
}

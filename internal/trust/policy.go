package trust

import (
	"context"
	"slices"
	"time"

	"github.com/matheus3301/postbox/internal/store"
)

// Policy configures opportunistic encryption and key gossip.
type Policy struct {
	// Enabled turns opportunistic encryption on.
	Enabled bool
	// GossipMinMembers is the smallest chat size, self included, whose
	// encrypted messages carry Autocrypt-Gossip headers.
	GossipMinMembers int
	// GossipInterval re-sends gossip after this long even without
	// membership changes.
	GossipInterval time.Duration
	// GossipImpliesMutual lets a gossiped key count as prefer-encrypt.
	GossipImpliesMutual bool
}

// DefaultPolicy mirrors the default settings.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:             true,
		GossipMinMembers:    3,
		GossipInterval:      48 * time.Hour,
		GossipImpliesMutual: true,
	}
}

// Decision is the outcome of ShouldEncrypt for one chat.
type Decision struct {
	Encrypt bool
	// Keys maps recipient addresses to the key to encrypt to.
	Keys map[string][]byte
	// Members holds the chat's own addresses; extra recipients are not
	// gossiped.
	Members map[string]struct{}
	// Gossip is set when the message should carry Autocrypt-Gossip for
	// every member.
	Gossip bool
	// Blocker names the first member without a usable key.
	Blocker string
	// Unverified lists members of a protected chat lacking a verified key.
	Unverified []string
}

// usableKey picks the key for p: the verified key in protected chats,
// then the Autocrypt key, then a gossiped key.
func (s *Store) usableKey(p *store.Peerstate, protected bool) ([]byte, bool) {
	if p == nil {
		return nil, false
	}
	if protected && len(p.VerifiedKey) > 0 {
		return p.VerifiedKey, true
	}
	if len(p.PublicKey) > 0 {
		return p.PublicKey, p.PreferEncrypt == store.PreferMutual || len(p.VerifiedKey) > 0
	}
	if len(p.GossipKey) > 0 {
		return p.GossipKey, s.policy.GossipImpliesMutual
	}
	return nil, false
}

// ShouldEncrypt applies the quorum rule to chatID: the result encrypts
// only if every member other than the account itself, and every extra
// recipient, has a usable key with prefer-encrypt set. One recipient
// without one turns encryption off for the whole message.
func (s *Store) ShouldEncrypt(ctx context.Context, q *store.Queries, chatID int64, now time.Time, extra ...string) (Decision, error) {
	chat, err := q.ChatByID(ctx, chatID)
	if err != nil || chat == nil {
		return Decision{}, err
	}
	members, err := q.ChatMembers(ctx, chatID)
	if err != nil {
		return Decision{}, err
	}
	addrs, err := q.ContactAddrs(ctx, members)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Keys:    make(map[string][]byte, len(addrs)+len(extra)),
		Members: make(map[string]struct{}, len(addrs)),
	}
	if !s.policy.Enabled {
		return d, nil
	}
	rcpts := make([]string, 0, len(addrs)+len(extra))
	for _, id := range members {
		if addr, ok := addrs[id]; ok {
			rcpts = append(rcpts, addr)
			d.Members[addr] = struct{}{}
		}
	}
	for _, addr := range extra {
		if addr = store.NormalizeAddr(addr); addr != "" && !slices.Contains(rcpts, addr) {
			rcpts = append(rcpts, addr)
		}
	}

	allUsable := true
	for _, addr := range rcpts {
		p, err := q.PeerstateByAddr(ctx, addr)
		if err != nil {
			return Decision{}, err
		}
		if chat.Protected && LevelOf(p) != LevelDirect {
			d.Unverified = append(d.Unverified, addr)
		}
		key, prefer := s.usableKey(p, chat.Protected)
		if key == nil || !prefer {
			if allUsable {
				d.Blocker = addr
			}
			allUsable = false
			continue
		}
		d.Keys[addr] = key
	}
	d.Encrypt = allUsable
	if !d.Encrypt {
		d.Keys = nil
		return d, nil
	}

	total := len(members)
	d.Gossip = total >= s.policy.GossipMinMembers &&
		now.UnixMilli()-chat.GossipedTimestamp >= s.policy.GossipInterval.Milliseconds()
	return d, nil
}

// ApplyGossip reports whether gossip headers of a message in a chat with
// memberCount members, self included, may be applied. The threshold is the
// one used for sending gossip.
func (s *Store) ApplyGossip(memberCount int) bool {
	return memberCount >= s.policy.GossipMinMembers
}

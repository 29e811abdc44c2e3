package securejoin

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/e2e"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/ingest"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/transport"
	"github.com/matheus3301/postbox/internal/transport/memtransport"
	"github.com/matheus3301/postbox/internal/trust"
	"github.com/matheus3301/postbox/internal/wire"
)

type fixedSecret []byte

func (f fixedSecret) WrappingSecret() ([]byte, error) { return f, nil }

// party is one account wired to a shared in-memory network.
type party struct {
	addr   string
	db     *store.DB
	trust  *trust.Store
	server *memtransport.Server
	queue  *outbox.Queue
	in     *ingest.Ingester
	hs     *Handshaker
	events <-chan bus.Event
	seen   uint32
}

func newParty(t *testing.T, net *memtransport.Network, addr string, cfg Config) *party {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "dc.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.SetConfig(context.Background(), store.KeySelfAddr, addr))

	blobs, err := blob.Open(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	b := bus.New(1)
	events, unsub := b.Subscribe("securejoin.", 64)
	t.Cleanup(unsub)

	p := &party{
		addr:   addr,
		db:     db,
		trust:  trust.New(zap.NewNop(), trust.DefaultPolicy(), fixedSecret("secret-"+addr)),
		server: net.Server(addr),
		events: events,
	}
	p.queue = outbox.New(db, p.trust, p.server, blobs, b, zap.NewNop(), outbox.Config{})
	p.in = ingest.New(db, p.trust, blobs, b, nil, zap.NewNop(), ingest.Config{})
	if cfg.DisplayName == "" {
		cfg.DisplayName = addr
	}
	p.hs = New(db, p.trust, b, nil, zap.NewNop(), cfg)
	p.in.SetHandshake(p.hs)
	return p
}

// deliver ingests everything new in the INBOX and reports whether there was
// anything.
func (p *party) deliver(t *testing.T) bool {
	t.Helper()
	got := false
	for _, m := range p.server.Messages("INBOX") {
		if m.UID <= p.seen {
			continue
		}
		p.seen = m.UID
		got = true
		_, err := p.in.Ingest(context.Background(), m.Raw, ingest.Source{Folder: "INBOX", UID: m.UID, Role: transport.RoleInbox})
		require.NoError(t, err)
	}
	return got
}

// pump runs the parties' SMTP queues and inboxes until nothing moves.
func pump(t *testing.T, parties ...*party) {
	t.Helper()
	for range 20 {
		for _, p := range parties {
			_, err := p.queue.Drain(context.Background(), store.ThreadSMTP, nil)
			require.NoError(t, err)
		}
		moved := false
		for _, p := range parties {
			if p.deliver(t) {
				moved = true
			}
		}
		if !moved {
			return
		}
	}
	t.Fatal("handshake did not settle")
}

func (p *party) progress(kind string) []int {
	var out []int
	for {
		select {
		case e := <-p.events:
			if e.Kind != kind {
				continue
			}
			if ev, ok := e.Payload.(bus.HandshakeEvent); ok {
				out = append(out, ev.Progress)
			}
		default:
			return out
		}
	}
}

func (p *party) failures() []string {
	var out []string
	for {
		select {
		case e := <-p.events:
			if ev, ok := e.Payload.(bus.HandshakeFailedEvent); ok {
				out = append(out, ev.Reason)
			}
		default:
			return out
		}
	}
}

func (p *party) peer(t *testing.T, addr string) *store.Peerstate {
	t.Helper()
	ps, err := p.db.PeerstateByAddr(context.Background(), addr)
	require.NoError(t, err)
	return ps
}

func (p *party) contact(t *testing.T, addr string) *store.Contact {
	t.Helper()
	c, err := p.db.ContactByAddr(context.Background(), addr)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func (p *party) fingerprint(t *testing.T) string {
	t.Helper()
	key, err := p.trust.SelfKey(context.Background(), &p.db.Queries)
	require.NoError(t, err)
	return key.Fingerprint()
}

func TestInviteRoundTrip(t *testing.T) {
	key, err := e2e.Generate()
	require.NoError(t, err)

	inv := &Invite{
		Fingerprint:  key.Fingerprint(),
		Addr:         "alice@example.org",
		Name:         "Alice & Co",
		InviteNumber: "n1",
		Auth:         "a1",
		GroupID:      wire.NewGroupID(),
		GroupName:    "Hiking #1",
	}
	got, err := ParseInvite(inv.String())
	require.NoError(t, err)
	assert.Equal(t, inv, got)
	assert.True(t, got.Group())

	lower := "openpgp4fpr:" + inv.String()[len(invitePrefix):]
	_, err = ParseInvite(lower)
	assert.NoError(t, err, "prefix is case-insensitive")

	png, err := inv.PNG(128)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
	term, err := inv.Terminal()
	require.NoError(t, err)
	assert.Contains(t, term, "█")
}

func TestParseInviteRejects(t *testing.T) {
	key, err := e2e.Generate()
	require.NoError(t, err)
	fp := key.Fingerprint()

	for name, text := range map[string]string{
		"not an invite":   "https://example.org/#a=alice@example.org",
		"no fragment":     invitePrefix + fp,
		"bad fingerprint": invitePrefix + "XYZ#a=alice%40example.org&i=1&s=2",
		"bad address":     invitePrefix + fp + "#a=alice&i=1&s=2",
		"missing auth":    invitePrefix + fp + "#a=alice%40example.org&i=1",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInvite(text)
			assert.ErrorIs(t, err, errs.ErrInvalidInvite)
		})
	}
}

func TestContactHandshake(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	bob := newParty(t, net, "bob@example.net", Config{})
	ctx := context.Background()

	inv, err := alice.hs.Invite(ctx, 0)
	require.NoError(t, err)
	again, err := alice.hs.Invite(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, inv.String(), again.String(), "secrets are reused")

	chatID, err := bob.hs.Join(ctx, inv.String())
	require.NoError(t, err)
	assert.NotZero(t, chatID)
	require.Len(t, bob.hs.Sessions(), 1)
	assert.Equal(t, StateRequestSent, bob.hs.Sessions()[0].State)

	pump(t, alice, bob)

	assert.Empty(t, bob.hs.Sessions())

	bobSeen := bob.peer(t, alice.addr)
	require.NotNil(t, bobSeen)
	assert.Equal(t, alice.fingerprint(t), bobSeen.VerifiedKeyFingerprint)
	assert.Equal(t, trust.LevelDirect, trust.LevelOf(bobSeen))

	aliceSeen := alice.peer(t, bob.addr)
	require.NotNil(t, aliceSeen)
	assert.Equal(t, bob.fingerprint(t), aliceSeen.VerifiedKeyFingerprint)

	assert.Equal(t, store.OriginSecureJoinJoined, bob.contact(t, alice.addr).Origin)
	assert.Equal(t, store.OriginSecureJoinInvited, alice.contact(t, bob.addr).Origin)

	assert.Contains(t, bob.progress(bus.SecureJoinJoinerProgress), 1000)
	assert.Contains(t, alice.progress(bus.SecureJoinInviterProgress), 1000)

	chat, err := bob.db.ChatByID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, store.BlockedNot, chat.Blocked)
}

func TestGroupHandshake(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	bob := newParty(t, net, "bob@example.net", Config{})
	ctx := context.Background()

	group := &store.Chat{Type: store.ChatTypeGroup, Name: "Hiking", GrpID: wire.NewGroupID()}
	require.NoError(t, alice.db.CreateChat(ctx, group, []int64{store.ContactIDSelf}))

	inv, err := alice.hs.Invite(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, group.GrpID, inv.GroupID)

	chatID, err := bob.hs.Join(ctx, inv.String())
	require.NoError(t, err)
	joined, err := bob.db.ChatByID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, group.GrpID, joined.GrpID)
	assert.Equal(t, "Hiking", joined.Name)

	pump(t, alice, bob)

	assert.Empty(t, bob.hs.Sessions())
	bobID := alice.contact(t, bob.addr).ID
	member, err := alice.db.IsChatMember(ctx, group.ID, bobID)
	require.NoError(t, err)
	assert.True(t, member)

	aliceID := bob.contact(t, alice.addr).ID
	member, err = bob.db.IsChatMember(ctx, chatID, aliceID)
	require.NoError(t, err)
	assert.True(t, member)

	msgs, err := bob.db.ChatMessages(ctx, chatID, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, store.InfoMemberAdded, msgs[0].InfoType)
	assert.Equal(t, alice.fingerprint(t), bob.peer(t, alice.addr).VerifiedKeyFingerprint)
}

func TestHandshakeFingerprintMismatch(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	bob := newParty(t, net, "bob@example.net", Config{})
	ctx := context.Background()

	inv, err := alice.hs.Invite(ctx, 0)
	require.NoError(t, err)
	other, err := e2e.Generate()
	require.NoError(t, err)
	inv.Fingerprint = other.Fingerprint()

	_, err = bob.hs.Join(ctx, inv.String())
	require.NoError(t, err)
	pump(t, alice, bob)

	assert.Equal(t, []string{string(ReasonAuthMismatch)}, bob.failures())
	assert.Empty(t, bob.hs.Sessions())
	ps := alice.peer(t, bob.addr)
	require.NotNil(t, ps, "alice saw the request")
	assert.Empty(t, ps.VerifiedKeyFingerprint)
	if bps := bob.peer(t, alice.addr); bps != nil {
		assert.Empty(t, bps.VerifiedKeyFingerprint)
	}
}

func TestHandshakeUnknownInviteIgnored(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	bob := newParty(t, net, "bob@example.net", Config{})
	ctx := context.Background()

	inv, err := alice.hs.Invite(ctx, 0)
	require.NoError(t, err)
	inv.InviteNumber = "forged"

	_, err = bob.hs.Join(ctx, inv.String())
	require.NoError(t, err)
	pump(t, alice, bob)

	assert.Nil(t, alice.peer(t, bob.addr), "no state for unknown invites")
	require.Len(t, bob.hs.Sessions(), 1)
	assert.Equal(t, StateRequestSent, bob.hs.Sessions()[0].State)
}

func TestUnsolicitedMemberAddedLeavesNoPeerstate(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	mallory := newParty(t, net, "mallory@example.com", Config{})
	ctx := context.Background()

	key, err := mallory.trust.SelfKey(ctx, &mallory.db.Queries)
	require.NoError(t, err)
	raw, err := wire.Render(&wire.Outgoing{
		From:      &wire.Address{Address: mallory.addr},
		To:        []*wire.Address{{Address: alice.addr}},
		Date:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		MessageID: "forged-added@example.com",
		Subject:   "hi",
		Text:      "welcome",
		Headers: map[string]string{
			wire.HdrChatGroupID:     "grp-unknown",
			wire.HdrChatGroupName:   "Trap",
			wire.HdrChatMemberAdded: alice.addr,
			wire.HdrSecureJoin:      stepMemberAdded,
		},
		Autocrypt: &wire.Autocrypt{Addr: mallory.addr, Key: key.Public[:]},
	})
	require.NoError(t, err)
	alice.server.Deliver("INBOX", raw)
	alice.deliver(t)

	assert.Nil(t, alice.peer(t, mallory.addr), "no join running, nothing learned")
}

func TestMemberAddedKeepsSenderPreference(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	mallory := newParty(t, net, "mallory@example.com", Config{})
	ctx := context.Background()

	key, err := mallory.trust.SelfKey(ctx, &mallory.db.Queries)
	require.NoError(t, err)
	raw, err := wire.Render(&wire.Outgoing{
		From:      &wire.Address{Address: mallory.addr},
		To:        []*wire.Address{{Address: alice.addr}},
		Date:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		MessageID: "other-added@example.com",
		Subject:   "hi",
		Text:      "welcome carol",
		Headers: map[string]string{
			wire.HdrChatGroupID:     "grp-other",
			wire.HdrChatGroupName:   "Hiking",
			wire.HdrChatMemberAdded: "carol@example.net",
			wire.HdrSecureJoin:      stepMemberAdded,
		},
		Autocrypt: &wire.Autocrypt{Addr: mallory.addr, Key: key.Public[:]},
	})
	require.NoError(t, err)
	alice.server.Deliver("INBOX", raw)
	alice.deliver(t)

	ps := alice.peer(t, mallory.addr)
	require.NotNil(t, ps)
	assert.Equal(t, store.PreferNoPreference, ps.PreferEncrypt)
}

func TestHandshakeTimeout(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	bob := newParty(t, net, "bob@example.net", Config{Timeout: 30 * time.Millisecond})
	ctx := context.Background()

	inv, err := alice.hs.Invite(ctx, 0)
	require.NoError(t, err)
	_, err = bob.hs.Join(ctx, inv.String())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(bob.hs.Sessions()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{string(ReasonTimeout)}, bob.failures())

	// a late answer finds no session
	pump(t, alice, bob)
	assert.Nil(t, bob.peer(t, alice.addr))
}

func TestJoinOwnInvite(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	ctx := context.Background()

	inv, err := alice.hs.Invite(ctx, 0)
	require.NoError(t, err)
	_, err = alice.hs.Join(ctx, inv.String())
	assert.ErrorIs(t, err, errs.ErrSelfInvite)
}

func TestCancel(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newParty(t, net, "alice@example.org", Config{})
	bob := newParty(t, net, "bob@example.net", Config{})
	ctx := context.Background()

	assert.ErrorIs(t, bob.hs.Cancel("nope"), errs.ErrSessionNotActive)

	inv, err := alice.hs.Invite(ctx, 0)
	require.NoError(t, err)
	_, err = bob.hs.Join(ctx, inv.String())
	require.NoError(t, err)
	require.NoError(t, bob.hs.Cancel(inv.InviteNumber))
	assert.Empty(t, bob.hs.Sessions())
	assert.Equal(t, []string{string(ReasonCancelled)}, bob.failures())
}

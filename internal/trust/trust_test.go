package trust

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/e2e"
	"github.com/matheus3301/postbox/internal/store"
)

type fixedSecret []byte

func (f fixedSecret) WrappingSecret() ([]byte, error) { return f, nil }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dc.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.SetConfig(context.Background(), store.KeySelfAddr, "me@example.org"))
	return db
}

func newKey(t *testing.T) []byte {
	t.Helper()
	kp, err := e2e.Generate()
	require.NoError(t, err)
	return kp.Public[:]
}

func TestApplyInboundCreatesNoneLevel(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ts := New(zap.NewNop(), DefaultPolicy(), fixedSecret("s"))

	key := newKey(t)
	ch, err := ts.ApplyInbound(ctx, &db.Queries, "bob@example.org", KeyMaterial{Key: key, PreferEncrypt: store.PreferMutual}, 1000)
	require.NoError(t, err)
	assert.True(t, ch.Created)
	assert.False(t, ch.KeyChanged)

	p, err := ts.Peerstate(ctx, &db.Queries, "bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, LevelNone, LevelOf(p))
	assert.Equal(t, e2e.Fingerprint(key), p.PublicKeyFingerprint)
}

func TestApplyInboundIgnoresOlderAndKeepsVerification(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	q := &db.Queries
	ts := New(zap.NewNop(), DefaultPolicy(), fixedSecret("s"))

	k1, k2 := newKey(t), newKey(t)
	_, err := ts.ApplyInbound(ctx, q, "bob@example.org", KeyMaterial{Key: k1, PreferEncrypt: store.PreferMutual}, 2000)
	require.NoError(t, err)
	require.NoError(t, ts.Verify(ctx, q, "bob@example.org", e2e.Fingerprint(k1)))

	// An older header does not replace the key.
	ch, err := ts.ApplyInbound(ctx, q, "bob@example.org", KeyMaterial{Key: k2}, 1000)
	require.NoError(t, err)
	assert.False(t, ch.KeyChanged)

	// A newer one does, but the verified key stays.
	ch, err = ts.ApplyInbound(ctx, q, "bob@example.org", KeyMaterial{Key: k2, PreferEncrypt: store.PreferMutual}, 3000)
	require.NoError(t, err)
	assert.True(t, ch.KeyChanged)

	p, _ := ts.Peerstate(ctx, q, "bob@example.org")
	assert.Equal(t, LevelDirect, LevelOf(p))
	assert.Equal(t, e2e.Fingerprint(k1), p.VerifiedKeyFingerprint)
	assert.Equal(t, e2e.Fingerprint(k1), p.PrevFingerprint)
	assert.True(t, Degraded(p, true, e2e.Fingerprint(k2)))
	assert.False(t, Degraded(p, true, e2e.Fingerprint(k1)))
	assert.True(t, Degraded(p, false, ""))

	require.NoError(t, ts.ResetVerification(ctx, q, "bob@example.org"))
	p, _ = ts.Peerstate(ctx, q, "bob@example.org")
	assert.Equal(t, LevelNone, LevelOf(p))
}

func TestGossipOnlyLevel(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ts := New(zap.NewNop(), DefaultPolicy(), fixedSecret("s"))

	_, err := ts.ApplyInbound(ctx, &db.Queries, "carol@example.org", KeyMaterial{Key: newKey(t), Gossip: true}, 1000)
	require.NoError(t, err)
	p, _ := ts.Peerstate(ctx, &db.Queries, "carol@example.org")
	assert.Equal(t, LevelGossip, LevelOf(p))

	assert.False(t, ts.ApplyGossip(2))
	assert.True(t, ts.ApplyGossip(3))
}

func TestApplyGossipFollowsPolicy(t *testing.T) {
	pol := DefaultPolicy()
	pol.GossipMinMembers = 5
	ts := New(zap.NewNop(), pol, fixedSecret("s"))

	assert.False(t, ts.ApplyGossip(3))
	assert.False(t, ts.ApplyGossip(4))
	assert.True(t, ts.ApplyGossip(5))
}

func TestNoteMissingHeaderResets(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ts := New(zap.NewNop(), DefaultPolicy(), fixedSecret("s"))

	_, err := ts.ApplyInbound(ctx, &db.Queries, "bob@example.org", KeyMaterial{Key: newKey(t), PreferEncrypt: store.PreferMutual}, 1000)
	require.NoError(t, err)
	require.NoError(t, ts.NoteMissingHeader(ctx, &db.Queries, "bob@example.org", 2000))
	p, _ := ts.Peerstate(ctx, &db.Queries, "bob@example.org")
	assert.Equal(t, store.PreferReset, p.PreferEncrypt)
}

func groupWith(t *testing.T, db *store.DB, addrs ...string) int64 {
	t.Helper()
	ctx := context.Background()
	members := []int64{store.ContactIDSelf}
	for _, a := range addrs {
		id, _, err := db.AddOrLookupContact(ctx, a, "", store.OriginIncomingTo)
		require.NoError(t, err)
		members = append(members, id)
	}
	chat := &store.Chat{Type: store.ChatTypeGroup, Name: "g", GrpID: "g1"}
	require.NoError(t, db.CreateChat(ctx, chat, members))
	return chat.ID
}

func TestShouldEncryptQuorum(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	q := &db.Queries
	ts := New(zap.NewNop(), DefaultPolicy(), fixedSecret("s"))

	chatID := groupWith(t, db, "bob@example.org", "carol@example.org")
	for _, a := range []string{"bob@example.org", "carol@example.org"} {
		_, err := ts.ApplyInbound(ctx, q, a, KeyMaterial{Key: newKey(t), PreferEncrypt: store.PreferMutual}, 1000)
		require.NoError(t, err)
	}

	d, err := ts.ShouldEncrypt(ctx, q, chatID, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Encrypt)
	assert.Len(t, d.Keys, 2)
	assert.True(t, d.Gossip, "three members and never gossiped")

	// Carol stops preferring encryption: the whole chat falls back.
	require.NoError(t, ts.NoteMissingHeader(ctx, q, "carol@example.org", 5000))
	d, err = ts.ShouldEncrypt(ctx, q, chatID, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Encrypt)
	assert.Equal(t, "carol@example.org", d.Blocker)
}

func TestShouldEncryptRespectsGossipInterval(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	q := &db.Queries
	ts := New(zap.NewNop(), DefaultPolicy(), fixedSecret("s"))

	chatID := groupWith(t, db, "bob@example.org", "carol@example.org")
	for _, a := range []string{"bob@example.org", "carol@example.org"} {
		_, err := ts.ApplyInbound(ctx, q, a, KeyMaterial{Key: newKey(t), PreferEncrypt: store.PreferMutual}, 1000)
		require.NoError(t, err)
	}
	now := time.Now()
	require.NoError(t, q.SetChatGossiped(ctx, chatID, now.Add(-time.Hour).UnixMilli()))

	d, err := ts.ShouldEncrypt(ctx, q, chatID, now)
	require.NoError(t, err)
	assert.True(t, d.Encrypt)
	assert.False(t, d.Gossip)
}

func TestShouldEncryptDisabledPolicy(t *testing.T) {
	db := testDB(t)
	p := DefaultPolicy()
	p.Enabled = false
	ts := New(zap.NewNop(), p, fixedSecret("s"))

	chatID := groupWith(t, db, "bob@example.org")
	d, err := ts.ShouldEncrypt(context.Background(), &db.Queries, chatID, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Encrypt)
}

func TestSelfKeyPersistsAcrossStores(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := New(zap.NewNop(), DefaultPolicy(), fixedSecret("secret"))
	kp, err := first.SelfKey(ctx, &db.Queries)
	require.NoError(t, err)

	second := New(zap.NewNop(), DefaultPolicy(), fixedSecret("secret"))
	again, err := second.SelfKey(ctx, &db.Queries)
	require.NoError(t, err)
	assert.Equal(t, kp.Fingerprint(), again.Fingerprint())

	fp, _ := db.GetConfig(ctx, store.KeySelfFingerprint)
	assert.Equal(t, kp.Fingerprint(), fp)

	sealed, err := first.Seal(ctx, &db.Queries, []byte("note to self"), nil)
	require.NoError(t, err)
	plain, sender, err := second.Open(ctx, &db.Queries, sealed)
	require.NoError(t, err)
	assert.Equal(t, "note to self", string(plain))
	assert.Equal(t, kp.Public[:], sender)

	wrong := New(zap.NewNop(), DefaultPolicy(), fixedSecret("other"))
	_, err = wrong.SelfKey(ctx, &db.Queries)
	assert.ErrorIs(t, err, e2e.ErrUnwrap)
}

func TestColorIsStable(t *testing.T) {
	c := Color("Bob@Example.org")
	assert.Regexp(t, regexp.MustCompile(`^#[0-9a-f]{6}$`), c)
	assert.Equal(t, c, Color("bob@example.org"))
	assert.NotEqual(t, c, Color("alice@example.org"))
}

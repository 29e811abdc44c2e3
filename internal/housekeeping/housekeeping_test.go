package housekeeping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/store"
)

type notifier struct{ threads []store.Thread }

func (n *notifier) Notify(t store.Thread) { n.threads = append(n.threads, t) }

type fixture struct {
	db     *store.DB
	blobs  *blob.Dir
	m      *Manager
	notify *notifier
	events <-chan bus.Event
	chatID int64
	clock  time.Time
	seq    int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "dc.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	blobs, err := blob.Open(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	ctx := context.Background()
	bobID, _, err := db.AddOrLookupContact(ctx, "bob@example.net", "", store.OriginIncomingUnknownFrom)
	require.NoError(t, err)
	chat, _, err := db.GetOrCreateOneToOne(ctx, bobID, store.BlockedNot)
	require.NoError(t, err)

	b := bus.New(1)
	events, unsub := b.Subscribe("", 64)
	t.Cleanup(unsub)

	f := &fixture{db: db, blobs: blobs, notify: &notifier{}, events: events, chatID: chat.ID, clock: time.Now()}
	f.m = New(db, blobs, b, f.notify, zap.NewNop(), cfg)
	f.m.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) add(t *testing.T, m *store.Message) *store.Message {
	t.Helper()
	f.seq++
	m.RFC724MID = fmt.Sprintf("m%d@example.net", f.seq)
	if m.ChatID == 0 {
		m.ChatID = f.chatID
	}
	if m.Timestamp == 0 {
		m.Timestamp = f.clock.UnixMilli()
	}
	if m.TimestampRcvd == 0 {
		m.TimestampRcvd = m.Timestamp
	}
	if m.State == 0 {
		m.State = store.StateInSeen
	}
	m.Type = store.MsgText
	ok, err := f.db.InsertMessage(context.Background(), m)
	require.NoError(t, err)
	require.True(t, ok)
	return m
}

func (f *fixture) chatOf(t *testing.T, id int64) int64 {
	t.Helper()
	m, err := f.db.MessageByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m.ChatID
}

func (f *fixture) imapJobs(t *testing.T) []store.Job {
	t.Helper()
	jobs, err := f.db.JobsForThread(context.Background(), store.ThreadIMAP)
	require.NoError(t, err)
	return jobs
}

func (f *fixture) kinds() []string {
	var out []string
	for {
		select {
		case e := <-f.events:
			out = append(out, e.Kind)
		default:
			return out
		}
	}
}

func TestExpireEphemeral(t *testing.T) {
	f := newFixture(t, Config{})
	now := f.clock.UnixMilli()
	expired := f.add(t, &store.Message{Text: "gone", EphemeralTimer: 60, EphemeralTimestamp: now - 1000,
		ServerFolder: "INBOX", ServerUID: 7})
	local := f.add(t, &store.Message{Text: "gone too", EphemeralTimer: 60, EphemeralTimestamp: now})
	pending := f.add(t, &store.Message{Text: "later", EphemeralTimer: 60, EphemeralTimestamp: now + 60_000})

	n, err := f.m.ExpireEphemeral(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, store.ChatIDTrash, f.chatOf(t, expired.ID))
	assert.Equal(t, store.ChatIDTrash, f.chatOf(t, local.ID))
	assert.Equal(t, f.chatID, f.chatOf(t, pending.ID))

	jobs := f.imapJobs(t)
	require.Len(t, jobs, 1, "only the message with a server copy is retracted")
	assert.Equal(t, store.ActionRetract, jobs[0].Action)
	assert.Equal(t, expired.ID, jobs[0].ForeignID)
	assert.Equal(t, []store.Thread{store.ThreadIMAP}, f.notify.threads)
	assert.Contains(t, f.kinds(), bus.MsgsChanged)

	next, err := f.m.NextExpiry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pending.EphemeralTimestamp, next.UnixMilli())
}

func TestExpireEphemeralStopsWhenCancelled(t *testing.T) {
	f := newFixture(t, Config{})
	m := f.add(t, &store.Message{EphemeralTimer: 1, EphemeralTimestamp: f.clock.UnixMilli() - 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := f.m.ExpireEphemeral(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Equal(t, f.chatID, f.chatOf(t, m.ID))
}

func TestExpireManyBatches(t *testing.T) {
	f := newFixture(t, Config{})
	for range batchSize + 5 {
		f.add(t, &store.Message{EphemeralTimer: 1, EphemeralTimestamp: f.clock.UnixMilli() - 1})
	}
	n, err := f.m.ExpireEphemeral(context.Background())
	require.NoError(t, err)
	assert.Equal(t, batchSize+5, n)
}

func TestRunStartsPendingTimers(t *testing.T) {
	f := newFixture(t, Config{})
	sent := f.clock.Add(-10 * time.Second).UnixMilli()
	m := f.add(t, &store.Message{State: store.StateOutDelivered, FromID: store.ContactIDSelf,
		TimestampSent: sent, EphemeralTimer: 5})

	rep, err := f.m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired, "countdown started at send time and already ran out")
	assert.Equal(t, store.ChatIDTrash, f.chatOf(t, m.ID))
}

func TestRunClampsRepliesOutlivingParent(t *testing.T) {
	f := newFixture(t, Config{})
	now := f.clock.UnixMilli()
	parent := f.add(t, &store.Message{Text: "a minute", EphemeralTimer: 60, EphemeralTimestamp: now + 60_000})
	child := f.add(t, &store.Message{Text: "a day", InReplyTo: parent.RFC724MID,
		EphemeralTimer: 86400, EphemeralTimestamp: now + 86400_000})
	grandchild := f.add(t, &store.Message{Text: "forever", InReplyTo: child.RFC724MID})
	shorter := f.add(t, &store.Message{Text: "ten seconds", InReplyTo: parent.RFC724MID,
		EphemeralTimer: 10, EphemeralTimestamp: now + 10_000})

	rep, err := f.m.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rep.Clamped, 2)

	for _, id := range []int64{child.ID, grandchild.ID} {
		m, err := f.db.MessageByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(60), m.EphemeralTimer, m.Text)
		assert.Equal(t, now+60_000, m.EphemeralTimestamp, m.Text)
	}
	m, err := f.db.MessageByID(context.Background(), shorter.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.EphemeralTimer)

	again, err := f.m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Clamped)
}

func TestRunRetention(t *testing.T) {
	f := newFixture(t, Config{DeleteDeviceAfter: 30 * 24 * time.Hour, DeleteServerAfter: 7 * 24 * time.Hour})
	day := 24 * time.Hour
	ancient := f.add(t, &store.Message{Timestamp: f.clock.Add(-40 * day).UnixMilli()})
	weekOld := f.add(t, &store.Message{Timestamp: f.clock.Add(-10 * day).UnixMilli(),
		ServerFolder: "INBOX", ServerUID: 3})
	fresh := f.add(t, &store.Message{ServerFolder: "INBOX", ServerUID: 4})

	rep, err := f.m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DeviceDeleted)
	assert.Equal(t, 1, rep.ServerDeleted)

	gone, err := f.db.MessageByID(context.Background(), ancient.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "trashed and pruned in the same pass")
	assert.Equal(t, f.chatID, f.chatOf(t, weekOld.ID), "server retention keeps the local copy")
	assert.Equal(t, f.chatID, f.chatOf(t, fresh.ID))

	jobs := f.imapJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, weekOld.ID, jobs[0].ForeignID)
}

func TestRunRemovesOrphanedBlobs(t *testing.T) {
	f := newFixture(t, Config{})
	used, err := f.blobs.Write("kept.png", []byte("a"))
	require.NoError(t, err)
	orphan, err := f.blobs.Write("orphan.png", []byte("b"))
	require.NoError(t, err)
	young, err := f.blobs.Write("young.png", []byte("c"))
	require.NoError(t, err)
	f.add(t, &store.Message{File: used, MimeType: "image/png"})

	old := f.clock.Add(-2 * time.Hour)
	for _, name := range []string{used, orphan} {
		require.NoError(t, os.Chtimes(f.blobs.Path(name), old, old))
	}

	rep, err := f.m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Blobs)

	assert.FileExists(t, f.blobs.Path(used))
	assert.NoFileExists(t, f.blobs.Path(orphan))
	assert.FileExists(t, f.blobs.Path(young))
}

func TestRunPrunesTombstones(t *testing.T) {
	f := newFixture(t, Config{})
	old := f.clock.Add(-30 * 24 * time.Hour).UnixMilli()
	gone := f.add(t, &store.Message{ChatID: store.ChatIDTrash, Hidden: true, Timestamp: old})
	onServer := f.add(t, &store.Message{ChatID: store.ChatIDTrash, Hidden: true, Timestamp: old,
		ServerFolder: "INBOX", ServerUID: 9})

	rep, err := f.m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Tombstones)

	m, err := f.db.MessageByID(context.Background(), gone.ID)
	require.NoError(t, err)
	assert.Nil(t, m)
	m, err = f.db.MessageByID(context.Background(), onServer.ID)
	require.NoError(t, err)
	assert.NotNil(t, m, "tombstones with a server copy still deduplicate")
}

func TestStaleConfigReminder(t *testing.T) {
	f := newFixture(t, Config{StaleConfigAfter: 180 * 24 * time.Hour})
	ctx := context.Background()
	require.NoError(t, f.db.SetConfigInt64(ctx, store.KeyConfiguredAt, f.clock.Add(-200*24*time.Hour).UnixMilli()))

	rep, err := f.m.Run(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Reminder)
	assert.Contains(t, f.kinds(), bus.ConfigStale)

	device, err := f.db.DeviceChat(ctx)
	require.NoError(t, err)
	msgs, err := f.db.ChatMessages(ctx, device.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "200 days")

	f.clock = f.clock.Add(24 * time.Hour)
	rep, err = f.m.Run(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Reminder, "one reminder per period")
}

func TestDue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	due, err := f.m.Due(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, due, "never ran")

	_, err = f.m.Run(ctx)
	require.NoError(t, err)
	due, err = f.m.Due(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, due)

	f.clock = f.clock.Add(25 * time.Hour)
	due, err = f.m.Due(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, due)
}

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("version = %d from %d, want 2 from 2 (init + fts)", result.Version, result.From)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Errorf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestReservedRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	trash, err := db.ChatByID(ctx, ChatIDTrash)
	if err != nil || trash == nil {
		t.Fatalf("trash chat missing: %v", err)
	}
	if !trash.Special() {
		t.Error("trash chat should be special")
	}

	if err := db.SetConfig(ctx, KeySelfAddr, "me@example.org"); err != nil {
		t.Fatal(err)
	}
	id, created, err := db.AddOrLookupContact(ctx, "Me@Example.org", "", OriginIncomingTo)
	if err != nil {
		t.Fatal(err)
	}
	if id != ContactIDSelf || created {
		t.Errorf("own address = (%d, %v), want (%d, false)", id, created, ContactIDSelf)
	}

	// First regular contact gets an id past the reserved range.
	id, created, err = db.AddOrLookupContact(ctx, "bob@example.org", "Bob", OriginIncomingUnknownFrom)
	if err != nil {
		t.Fatal(err)
	}
	if !created || id <= ContactIDLastSpecial {
		t.Errorf("bob = (%d, %v), want new id > %d", id, created, ContactIDLastSpecial)
	}
}

func TestConfigKV(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := db.GetConfig(ctx, "missing")
	if err != nil || v != "" {
		t.Errorf("GetConfig(missing) = %q, %v", v, err)
	}
	if err := db.SetConfigInt64(ctx, FolderKey("INBOX", "uidnext"), 42); err != nil {
		t.Fatal(err)
	}
	n, err := db.GetConfigInt64(ctx, "imap.INBOX.uidnext")
	if err != nil || n != 42 {
		t.Errorf("uidnext = %d, %v; want 42", n, err)
	}
	if err := db.SetConfigBool(ctx, KeyWelcomeShown, true); err != nil {
		t.Fatal(err)
	}
	if b, _ := db.GetConfigBool(ctx, KeyWelcomeShown); !b {
		t.Error("bool config lost")
	}
	if err := db.SetConfig(ctx, KeyWelcomeShown, ""); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetConfig(ctx, KeyWelcomeShown); v != "" {
		t.Errorf("cleared key = %q, want empty", v)
	}
}

func TestContactAuthName(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, _, err := db.AddOrLookupContact(ctx, "alice@example.org", "Alice", OriginIncomingUnknownFrom)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := db.SetContactAuthName(ctx, id, "Alice Verified", true)
	if err != nil || !changed {
		t.Fatalf("authenticated rename = %v, %v; want changed", changed, err)
	}
	// An unauthenticated name must not override the authenticated one.
	changed, err = db.SetContactAuthName(ctx, id, "Mallory", false)
	if err != nil || changed {
		t.Errorf("spoofed rename = %v, %v; want unchanged", changed, err)
	}
	c, _ := db.ContactByID(ctx, id)
	if c.AuthName != "Alice Verified" || !c.AuthNameVerified {
		t.Errorf("contact = %+v", c)
	}
	if c.DisplayName() != "Alice Verified" {
		t.Errorf("DisplayName() = %q", c.DisplayName())
	}
}

func TestChatMembership(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	bob, _, _ := db.AddOrLookupContact(ctx, "bob@example.org", "", OriginIncomingTo)
	carol, _, _ := db.AddOrLookupContact(ctx, "carol@example.org", "", OriginIncomingTo)

	chat := &Chat{Type: ChatTypeGroup, Name: "Team", GrpID: "grp123"}
	if err := db.CreateChat(ctx, chat, []int64{ContactIDSelf, bob, carol}); err != nil {
		t.Fatal(err)
	}
	if chat.ID <= ChatIDLastSpecial {
		t.Errorf("chat id = %d, want > %d", chat.ID, ChatIDLastSpecial)
	}

	got, err := db.ChatByGrpID(ctx, "grp123")
	if err != nil || got == nil || got.ID != chat.ID {
		t.Fatalf("ChatByGrpID = %v, %v", got, err)
	}
	members, _ := db.ChatMembers(ctx, chat.ID)
	if len(members) != 3 {
		t.Errorf("members = %v, want 3", members)
	}

	removed, err := db.RemoveChatMember(ctx, chat.ID, carol)
	if err != nil || !removed {
		t.Errorf("RemoveChatMember = %v, %v", removed, err)
	}
	if ok, _ := db.IsChatMember(ctx, chat.ID, carol); ok {
		t.Error("carol still a member")
	}

	one, created, err := db.GetOrCreateOneToOne(ctx, bob, BlockedRequest)
	if err != nil || !created {
		t.Fatalf("GetOrCreateOneToOne = %v, %v", created, err)
	}
	again, created, _ := db.GetOrCreateOneToOne(ctx, bob, BlockedNot)
	if created || again.ID != one.ID {
		t.Error("second GetOrCreateOneToOne should return the existing chat")
	}
	if again.Blocked != BlockedRequest {
		t.Errorf("blocked = %d, want request", again.Blocked)
	}
}

func TestListChatsAndFreshCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	bob, _, _ := db.AddOrLookupContact(ctx, "bob@example.org", "", OriginIncomingTo)
	chat, _, _ := db.GetOrCreateOneToOne(ctx, bob, BlockedNot)
	for i, mid := range []string{"a@x", "b@x", "c@x"} {
		m := &Message{RFC724MID: mid, ChatID: chat.ID, FromID: bob, Timestamp: int64(1000 + i), State: StateInFresh, Text: "hi"}
		if _, err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	chats, err := db.ListChats(ctx, ListChatsOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}
	if chats[0].FreshCount != 3 || chats[0].LastTimestamp != 1002 {
		t.Errorf("summary = %+v", chats[0])
	}

	if _, err := db.MarkNoticed(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.FreshCount(ctx, chat.ID); n != 0 {
		t.Errorf("fresh after noticed = %d, want 0", n)
	}

	// Contact requests are listed separately.
	if err := db.SetChatBlocked(ctx, chat.ID, BlockedRequest); err != nil {
		t.Fatal(err)
	}
	reqs, _ := db.ListChats(ctx, ListChatsOptions{Requests: true})
	if len(reqs) != 1 {
		t.Errorf("requests = %d, want 1", len(reqs))
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &Message{RFC724MID: "msg1@example.org", ChatID: 10, Text: "hello", Timestamp: 1000}
	inserted, err := db.InsertMessage(ctx, m)
	if err != nil || !inserted || m.ID == 0 {
		t.Fatalf("first insert = %v, %v (id %d)", inserted, err, m.ID)
	}

	dup := &Message{RFC724MID: "msg1@example.org", ChatID: 11, Text: "other"}
	inserted, err = db.InsertMessage(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second insert with same rfc724_mid should be a no-op")
	}

	got, _ := db.MessageByRFC724MID(ctx, "msg1@example.org")
	if got == nil || got.Text != "hello" {
		t.Errorf("stored = %+v", got)
	}
}

func TestReplyChildren(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, m := range []*Message{
		{RFC724MID: "a@x", ChatID: 10, Timestamp: 1},
		{RFC724MID: "b@x", ChatID: 10, Timestamp: 2, InReplyTo: "a@x", References: "a@x"},
		{RFC724MID: "c@x", ChatID: 10, Timestamp: 3, InReplyTo: "b@x", References: "a@x b@x"},
	} {
		if _, err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	kids, err := db.ReplyChildren(ctx, "a@x")
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 2 {
		t.Errorf("children of a = %d, want 2", len(kids))
	}
	kids, _ = db.ReplyChildren(ctx, "c@x")
	if len(kids) != 0 {
		t.Errorf("children of c = %d, want 0", len(kids))
	}
}

func TestReplyChildrenMatchesLiterally(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, m := range []*Message{
		{RFC724MID: "id_1%@x", ChatID: 10, Timestamp: 1},
		{RFC724MID: "other@x", ChatID: 10, Timestamp: 2, References: "idA1Z@x"},
		{RFC724MID: "reply@x", ChatID: 10, Timestamp: 3, References: "root@x id_1%@x"},
	} {
		if _, err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	kids, err := db.ReplyChildren(ctx, "id_1%@x")
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 1 || kids[0].RFC724MID != "reply@x" {
		t.Errorf("children = %+v, want only reply@x", kids)
	}
}

func TestClampEphemeralTimer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	parent := &Message{RFC724MID: "p@x", ChatID: 10, Timestamp: 1, EphemeralTimer: 60}
	running := &Message{RFC724MID: "r@x", ChatID: 10, Timestamp: 2, InReplyTo: "p@x",
		State: StateInSeen, EphemeralTimer: 86400, EphemeralTimestamp: 1_000_000 + 86400_000}
	untimed := &Message{RFC724MID: "u@x", ChatID: 10, Timestamp: 3, InReplyTo: "p@x",
		State: StateOutDelivered, TimestampSent: 5000}
	shorter := &Message{RFC724MID: "s@x", ChatID: 10, Timestamp: 4, InReplyTo: "p@x", EphemeralTimer: 30}
	for _, m := range []*Message{parent, running, untimed, shorter} {
		if _, err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	clamps, err := db.OverlongReplies(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(clamps) != 2 {
		t.Fatalf("overlong replies = %+v, want r@x and u@x", clamps)
	}
	for _, c := range clamps {
		if c.Timer != 60 {
			t.Errorf("clamp %d timer = %d, want 60", c.ID, c.Timer)
		}
		if err := db.ClampEphemeralTimer(ctx, c.ID, c.Timer, 9000); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := db.MessageByRFC724MID(ctx, "r@x")
	if got.EphemeralTimer != 60 || got.EphemeralTimestamp != 1_000_000+60_000 {
		t.Errorf("running reply = %d/%d, want 60/%d", got.EphemeralTimer, got.EphemeralTimestamp, 1_000_000+60_000)
	}
	got, _ = db.MessageByRFC724MID(ctx, "u@x")
	if got.EphemeralTimer != 60 || got.EphemeralTimestamp != 5000+60_000 {
		t.Errorf("untimed own reply = %d/%d, want 60/%d", got.EphemeralTimer, got.EphemeralTimestamp, 5000+60_000)
	}
	got, _ = db.MessageByRFC724MID(ctx, "s@x")
	if got.EphemeralTimer != 30 {
		t.Errorf("shorter reply timer = %d, want 30 kept", got.EphemeralTimer)
	}
	if clamps, _ := db.OverlongReplies(ctx, 10); len(clamps) != 0 {
		t.Errorf("overlong after clamp = %+v", clamps)
	}
}

func TestMarkSeenStartsEphemeral(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &Message{RFC724MID: "e@x", ChatID: 10, State: StateInFresh, EphemeralTimer: 60}
	if _, err := db.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	changed, err := db.MarkSeen(ctx, []int64{m.ID}, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0].EphemeralTimestamp != 65000 {
		t.Fatalf("changed = %+v", changed)
	}
	ids, _ := db.ExpiredMessages(ctx, 64999, 10)
	if len(ids) != 0 {
		t.Errorf("expired before deadline: %v", ids)
	}
	ids, _ = db.ExpiredMessages(ctx, 65000, 10)
	if len(ids) != 1 {
		t.Errorf("expired at deadline = %v, want 1", ids)
	}
}

func TestTrashKeepsTombstone(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &Message{RFC724MID: "t@x", ChatID: 10, Text: "secret", ServerFolder: "INBOX", ServerUID: 7}
	if _, err := db.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	refs, err := db.TrashMessages(ctx, []int64{m.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].UID != 7 {
		t.Errorf("refs = %+v", refs)
	}
	got, _ := db.MessageByID(ctx, m.ID)
	if got.ChatID != ChatIDTrash || got.Text != "" {
		t.Errorf("trashed = %+v", got)
	}
	// Redelivery still deduplicates.
	if ins, _ := db.InsertMessage(ctx, &Message{RFC724MID: "t@x", ChatID: 10}); ins {
		t.Error("tombstoned id was inserted again")
	}

	// Not prunable while the server copy is known.
	if n, _ := db.PruneTombstones(ctx, nowMillis()+1); n != 0 {
		t.Errorf("pruned %d with server copy present", n)
	}
	if err := db.ClearServerLocation(ctx, []int64{m.ID}); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.PruneTombstones(ctx, nowMillis()+1); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestFailSendBatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, mid := range []string{"p1@x", "p2@x"} {
		m := &Message{RFC724MID: mid, ChatID: 10, FromID: ContactIDSelf, State: StateOutDelivered, SendBatch: "batch-1"}
		if _, err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	failed, err := db.FailSendBatch(ctx, "batch-1", "mailbox unavailable")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed = %d, want 2", len(failed))
	}
	got, _ := db.MessageByRFC724MID(ctx, "p2@x")
	if got.State != StateOutFailed || got.Error != "mailbox unavailable" {
		t.Errorf("p2 = %+v", got)
	}
}

func TestJobsDedupAndOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	j1 := &Job{Action: ActionSend, ForeignID: 11, ChatID: 10, DedupKey: "send:11"}
	if ins, err := db.InsertJob(ctx, j1); err != nil || !ins {
		t.Fatalf("InsertJob = %v, %v", ins, err)
	}
	if ins, _ := db.InsertJob(ctx, &Job{Action: ActionSend, ForeignID: 11, DedupKey: "send:11"}); ins {
		t.Error("duplicate dedup key inserted")
	}
	if _, err := db.InsertJob(ctx, &Job{Action: ActionMarkSeen, ForeignID: 12, DedupKey: "seen:12"}); err != nil {
		t.Fatal(err)
	}
	j2 := &Job{Action: ActionSendMDN, ForeignID: 12, DedupKey: "mdn:12", DesiredAt: 500}
	if _, err := db.InsertJob(ctx, j2); err != nil {
		t.Fatal(err)
	}

	smtp, err := db.JobsForThread(ctx, ThreadSMTP)
	if err != nil {
		t.Fatal(err)
	}
	if len(smtp) != 2 || smtp[0].ID != j1.ID || smtp[1].ID != j2.ID {
		t.Errorf("smtp jobs = %+v", smtp)
	}
	if imap, _ := db.JobsForThread(ctx, ThreadIMAP); len(imap) != 1 {
		t.Errorf("imap jobs = %d, want 1", len(imap))
	}

	j1.Tries = 3
	j1.LastError = "421 try later"
	if err := db.UpdateJob(ctx, j1); err != nil {
		t.Fatal(err)
	}
	got, _ := db.JobByID(ctx, j1.ID)
	if got.Tries != 3 || got.LastError != "421 try later" {
		t.Errorf("job = %+v", got)
	}
	if err := db.DeleteJob(ctx, j1.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.JobCount(ctx); n != 2 {
		t.Errorf("job count = %d, want 2", n)
	}
}

func TestTokens(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveToken(ctx, &Token{Namespace: TokenInviteNumber, ForeignID: 0, Token: "inv1"}); err != nil {
		t.Fatal(err)
	}
	tok, err := db.LookupToken(ctx, TokenInviteNumber, "inv1")
	if err != nil || tok == nil {
		t.Fatalf("LookupToken = %v, %v", tok, err)
	}
	if tok, _ := db.LookupToken(ctx, TokenAuth, "inv1"); tok != nil {
		t.Error("token leaked across namespaces")
	}
	if tok, _ := db.TokenFor(ctx, TokenInviteNumber, 0); tok == nil || tok.Token != "inv1" {
		t.Errorf("TokenFor = %+v", tok)
	}
}

func TestPeerstateRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := &Peerstate{Addr: "Bob@Example.org", PreferEncrypt: PreferMutual, PublicKey: []byte{1, 2, 3}, PublicKeyFingerprint: "ABCD"}
	if err := db.SavePeerstate(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := db.PeerstateByAddr(ctx, "bob@example.org")
	if err != nil || got == nil {
		t.Fatalf("PeerstateByAddr = %v, %v", got, err)
	}
	if got.PreferEncrypt != PreferMutual || len(got.PublicKey) != 3 {
		t.Errorf("peerstate = %+v", got)
	}
	byFP, _ := db.PeerstateByFingerprint(ctx, "abcd")
	if byFP == nil || byFP.Addr != "bob@example.org" {
		t.Errorf("PeerstateByFingerprint = %+v", byFP)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.InsertMessage(ctx, &Message{RFC724MID: "m1@x", ChatID: 10, Text: "hello world", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(ctx, &Message{RFC724MID: "m2@x", ChatID: 10, Text: "goodbye world", Timestamp: 2000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages(ctx, "hello", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].RFC724MID != "m1@x" {
		t.Errorf("rfc724_mid = %q, want m1@x", results[0].RFC724MID)
	}
}

func TestInTxRollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.InTx(ctx, func(q *Queries) error {
		if _, err := q.InsertMessage(ctx, &Message{RFC724MID: "rb@x", ChatID: 10}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	if m, _ := db.MessageByRFC724MID(ctx, "rb@x"); m != nil {
		t.Error("insert survived a rolled back transaction")
	}
}

func TestSnapshotTo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.InsertMessage(ctx, &Message{RFC724MID: "s@x", ChatID: 10, Text: "keep"}); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "snap.db")
	if err := db.SnapshotTo(ctx, out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	snap, err := Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = snap.Close() }()
	if m, _ := snap.MessageByRFC724MID(ctx, "s@x"); m == nil || m.Text != "keep" {
		t.Errorf("snapshot message = %+v", m)
	}
}

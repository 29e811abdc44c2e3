package api

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/engine"
	"github.com/matheus3301/postbox/internal/status"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/transport/memtransport"
)

const self = "me@example.org"

type fixedSecret []byte

func (f fixedSecret) WrappingSecret() ([]byte, error) { return f, nil }

func newClient(t *testing.T) (*Client, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "dc.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	blobs, err := blob.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	s := config.DefaultSettings()
	s.Addr = self
	s.IMAP.Host = "imap.example.org"
	s.SMTP.Host = "smtp.example.org"
	s.Folders.ScanInterval = time.Hour
	b := bus.New(1)
	eng := engine.New(engine.Options{
		Settings:  s,
		DB:        db,
		Blobs:     blobs,
		Bus:       b,
		Machine:   status.NewMachine(b),
		Secrets:   fixedSecret("secret"),
		Transport: memtransport.New(self),
		Logger:    zap.NewNop(),
	})
	t.Cleanup(func() { _ = eng.Stop() })

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewService(eng, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := DialTarget("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, eng
}

func TestStatusAndStart(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Running || st.Addr != self || !st.Configured {
		t.Errorf("status = %+v", st)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	err = c.Start(ctx)
	if grpcstatus.Code(err) != codes.FailedPrecondition {
		t.Errorf("second Start code = %v, want FailedPrecondition", grpcstatus.Code(err))
	}
	st, _ = c.Status(ctx)
	if !st.Running {
		t.Error("not running after Start")
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSendAndList(t *testing.T) {
	ctx := context.Background()
	c, eng := newClient(t)
	if err := eng.SetConfig(ctx, store.KeySelfAddr, self); err != nil {
		t.Fatal(err)
	}
	cid, err := eng.CreateContact(ctx, "bob@example.net", "Bob")
	if err != nil {
		t.Fatal(err)
	}
	chatID, err := eng.CreateChat(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.Send(ctx, &SendRequest{ChatID: chatID, Text: "hello over the socket"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.MsgID == 0 {
		t.Error("no message id")
	}

	msgs, err := c.Messages(ctx, &MessagesRequest{ChatID: chatID})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].Text != "hello over the socket" {
		t.Errorf("messages = %+v", msgs.Messages)
	}

	chats, err := c.Chats(ctx, &ChatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, ch := range chats.Chats {
		if ch.ID == chatID {
			found = true
			if ch.Type != "single" || ch.Blocked != "accepted" {
				t.Errorf("chat = %+v", ch)
			}
		}
	}
	if !found {
		t.Errorf("chat %d not listed", chatID)
	}

	contacts, err := c.Contacts(ctx, &ContactsRequest{Query: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts.Contacts) != 1 || contacts.Contacts[0].Addr != "bob@example.net" {
		t.Errorf("contacts = %+v", contacts.Contacts)
	}

	hits, err := c.Search(ctx, &SearchRequest{Query: "socket"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits.Results) != 1 {
		t.Errorf("search hits = %d, want 1", len(hits.Results))
	}
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	_, err := c.Messages(ctx, &MessagesRequest{ChatID: 4242})
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("unknown chat code = %v", grpcstatus.Code(err))
	}
	_, err = c.Join(ctx, "not an invite")
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("bad invite code = %v", grpcstatus.Code(err))
	}
	_, err = c.Peerstate(ctx, "nobody@example.net")
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("unknown peer code = %v", grpcstatus.Code(err))
	}
	if err := c.Snapshot(ctx, ""); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("empty snapshot path code = %v", grpcstatus.Code(err))
	}
}

func TestConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)
	if err := c.SetConfig(ctx, "ui.theme", "dark"); err != nil {
		t.Fatal(err)
	}
	v, err := c.GetConfig(ctx, "ui.theme")
	if err != nil {
		t.Fatal(err)
	}
	if v != "dark" {
		t.Errorf("value = %q", v)
	}
}

func TestEventsStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _ := newClient(t)

	stream, err := c.Events(ctx, "engine.")
	if err != nil {
		t.Fatal(err)
	}
	// the subscription is registered once the handler runs; retry the
	// trigger until an event arrives
	got := make(chan *Event, 1)
	go func() {
		evt, err := stream.Recv()
		if err == nil {
			got <- evt
		}
	}()
	for {
		if err := c.Start(ctx); err != nil {
			t.Fatal(err)
		}
		select {
		case evt := <-got:
			if evt.Kind != bus.EngineStarted || evt.ID == "" {
				t.Errorf("event = %+v", evt)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
		if err := c.Stop(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

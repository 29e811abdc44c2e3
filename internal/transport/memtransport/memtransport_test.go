package memtransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/postbox/internal/transport"
)

func TestFetchSinceAndState(t *testing.T) {
	s := New("me@example.org")
	s.Deliver("INBOX", []byte("one"))
	uid2 := s.Deliver("INBOX", []byte("two"))

	mb, _ := s.Mailbox(context.Background())
	state, msgs, err := mb.Fetch(context.Background(), "INBOX", uid2, 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if state.UIDNext != 3 || state.UIDValidity != 1 {
		t.Errorf("state = %+v, want next 3 validity 1", state)
	}
	if len(msgs) != 1 || string(msgs[0].Raw) != "two" {
		t.Errorf("msgs = %+v, want only the second message", msgs)
	}
}

func TestNetworkLoopback(t *testing.T) {
	n := NewNetwork()
	alice := n.Server("alice@example.org")
	bob := n.Server("bob@example.net")

	if err := alice.Send(context.Background(), "alice@example.org", []string{"Bob@example.net"}, []byte("hi")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := bob.Messages("INBOX"); len(got) != 1 {
		t.Fatalf("bob INBOX = %d messages, want 1", len(got))
	}
	if got := alice.SentMessages(); len(got) != 1 {
		t.Errorf("alice sent log = %d, want 1", len(got))
	}
}

func TestScriptedFailures(t *testing.T) {
	s := New("me@example.org")
	boom := errors.New("boom")
	s.FailSend(boom)
	if err := s.Send(context.Background(), "me@example.org", []string{"x@y.z"}, nil); !errors.Is(err, boom) {
		t.Errorf("first Send() error = %v, want boom", err)
	}
	if err := s.Send(context.Background(), "me@example.org", []string{"x@y.z"}, nil); err != nil {
		t.Errorf("second Send() error = %v", err)
	}

	s.FailRecipient("bad@y.z", boom)
	if err := s.Send(context.Background(), "me@example.org", []string{"x@y.z", "bad@y.z"}, nil); !errors.Is(err, boom) {
		t.Errorf("Send() to bad recipient error = %v", err)
	}
}

func TestIdleWakesOnDelivery(t *testing.T) {
	s := New("me@example.org")
	mb, _ := s.Mailbox(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- mb.Idle(context.Background(), "INBOX", time.Minute, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	s.Deliver("INBOX", []byte("new"))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Idle() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Idle did not return after delivery")
	}

	s.SetIdle(false)
	if err := mb.Idle(context.Background(), "INBOX", time.Second, nil); !errors.Is(err, transport.ErrIdleUnsupported) {
		t.Errorf("Idle() without support error = %v", err)
	}
}

func TestMoveAndExpunge(t *testing.T) {
	s := New("me@example.org")
	uid := s.Deliver("INBOX", []byte("m"))
	mb, _ := s.Mailbox(context.Background())
	if err := mb.Move(context.Background(), "INBOX", []uint32{uid}, "Chats"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if len(s.Messages("INBOX")) != 0 || len(s.Messages("Chats")) != 1 {
		t.Errorf("move did not relocate the message")
	}
	s.Expunge("Chats", s.Messages("Chats")[0].UID)
	if len(s.Messages("Chats")) != 0 {
		t.Error("expunge left the message")
	}
}

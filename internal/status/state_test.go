package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/postbox/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Stopped {
		t.Errorf("initial state = %s, want STOPPED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Connecting, Working, Idle, Working}},
		{[]State{Connecting, Idle, Error, Connecting, Working}},
		{[]State{NotConfigured, Connecting, Working, Stopped}},
		{[]State{Connecting, Error, Stopped}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, s := range tt.path {
			if err := m.Transition(s); err != nil {
				t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
			}
		}
		if m.Current() != tt.path[len(tt.path)-1] {
			t.Errorf("final state = %s, want %s", m.Current(), tt.path[len(tt.path)-1])
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Working); err == nil {
		t.Error("Transition(STOPPED -> WORKING) should fail")
	}
	if m.Current() != Stopped {
		t.Errorf("state = %s, want STOPPED (should not have changed)", m.Current())
	}
}

func TestSameStateIsNoop(t *testing.T) {
	b := bus.New(1)
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMachine(b)
	_ = m.Transition(Connecting)
	<-ch
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("repeated transition: %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for no-op transition: %v", evt)
	default:
	}
}

func TestFailRecordsError(t *testing.T) {
	b := bus.New(1)
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMachine(b)
	_ = m.Transition(Connecting)
	<-ch
	if err := m.Fail(errors.New("dial tcp: connection refused")); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Connecting || change.To != Error {
		t.Errorf("change = %v -> %v, want CONNECTING -> ERROR", change.From, change.To)
	}
	state, _, lastErr := m.Snapshot()
	if state != Error || lastErr == "" {
		t.Errorf("snapshot = %s %q, want ERROR with error text", state, lastErr)
	}
}

package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/postbox/internal/bus"
)

// State is the account connectivity state.
type State string

const (
	Stopped       State = "STOPPED"
	NotConfigured State = "NOT_CONFIGURED"
	Connecting    State = "CONNECTING"
	Working       State = "WORKING"
	Idle          State = "IDLE"
	Error         State = "ERROR"
)

var validTransitions = map[State][]State{
	Stopped:       {Connecting, NotConfigured},
	NotConfigured: {Connecting, Stopped},
	Connecting:    {Working, Idle, Error, Stopped, NotConfigured},
	Working:       {Idle, Error, Connecting, Stopped},
	Idle:          {Working, Error, Connecting, Stopped},
	Error:         {Connecting, Stopped, NotConfigured},
}

// Machine tracks connectivity shared by all IO loops of one account.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	lastErr string
	bus     *bus.Bus
}

// NewMachine creates a machine in the Stopped state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Stopped,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the state, when it was entered and the last error text.
func (m *Machine) Snapshot() (State, time.Time, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.since, m.lastErr
}

// Transition moves to a new state. Moving to the current state is a no-op
// because several loops report the same condition independently.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail moves to Error and records the cause.
func (m *Machine) Fail(err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return m.transition(Error, msg)
}

func (m *Machine) transition(to State, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		if errText != "" {
			m.lastErr = errText
		}
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if errText != "" {
		m.lastErr = errText
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.ConnectivityChanged,
			Timestamp: m.since,
			Payload:   StatusChange{From: from, To: to, Err: errText},
		})
	}
	return nil
}

// StatusChange is the payload for connectivity events.
type StatusChange struct {
	From State
	To   State
	Err  string
}

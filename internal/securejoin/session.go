package securejoin

import (
	"fmt"
	"slices"
	"time"
)

// State is the progress of a joiner's handshake.
type State string

const (
	StateInvited             State = "INVITED"
	StateRequestSent         State = "REQUEST_SENT"
	StateRequestWithAuthSent State = "REQUEST_WITH_AUTH_SENT"
	StateConfirmed           State = "CONFIRMED"
	StateComplete            State = "COMPLETE"
	StateFailed              State = "FAILED"
)

// Reason explains a failed handshake.
type Reason string

const (
	ReasonTimeout      Reason = "timeout"
	ReasonAuthMismatch Reason = "auth-mismatch"
	ReasonCancelled    Reason = "cancelled"
)

var validTransitions = map[State][]State{
	StateInvited:             {StateRequestSent, StateFailed},
	StateRequestSent:         {StateRequestWithAuthSent, StateFailed},
	StateRequestWithAuthSent: {StateConfirmed, StateFailed},
	StateConfirmed:           {StateComplete, StateFailed},
}

// Session is one joiner-side handshake, keyed by the invite number.
type Session struct {
	Invite    *Invite
	ContactID int64
	// ChatID is the chat returned to the caller when the join started.
	ChatID   int64
	State    State
	Reason   Reason
	Started  time.Time
	Deadline time.Time

	timer *time.Timer
}

// Terminal reports whether the session has ended.
func (s *Session) Terminal() bool {
	return s.State == StateComplete || s.State == StateFailed
}

// advance moves the session to to. Every step pushes the deadline out by
// timeout.
func (s *Session) advance(to State, now time.Time, timeout time.Duration) error {
	if !slices.Contains(validTransitions[s.State], to) {
		return fmt.Errorf("invalid handshake transition from %s to %s", s.State, to)
	}
	s.State = to
	if !s.Terminal() {
		s.Deadline = now.Add(timeout)
		if s.timer != nil {
			s.timer.Reset(timeout)
		}
	} else if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

// SessionInfo is a copy of a live session for callers.
type SessionInfo struct {
	InviteNumber string
	Addr         string
	GroupID      string
	ChatID       int64
	State        State
	Deadline     time.Time
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		InviteNumber: s.Invite.InviteNumber,
		Addr:         s.Invite.Addr,
		GroupID:      s.Invite.GroupID,
		ChatID:       s.ChatID,
		State:        s.State,
		Deadline:     s.Deadline,
	}
}

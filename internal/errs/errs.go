package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrEngineRunning    = errors.New("engine is running")
	ErrEngineStopped    = errors.New("engine is not running")
	ErrNotConfigured    = errors.New("account is not configured")
	ErrInvalidInvite    = errors.New("invalid invite")
	ErrSelfInvite       = errors.New("cannot join own invite")
	ErrChatNotWritable  = errors.New("chat is not writable")
	ErrNoKey            = errors.New("no usable key")
	ErrSessionNotActive = errors.New("handshake session not active")
)

// Class is the failure class of a transport operation.
type Class int

const (
	// Transient errors are retried with backoff.
	Transient Class = iota
	// Permanent errors fail the job immediately.
	Permanent
	// BadAddress errors fail the job after a fixed number of consecutive tries.
	BadAddress
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case BadAddress:
		return "bad-address"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// TransportError wraps a failed mailbox or submission operation with its class.
type TransportError struct {
	Op    string
	Class Class
	Code  int
	Cause error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s error %d: %v", e.Op, e.Class, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Class, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Wrap classifies err under op. A nil err returns nil.
func Wrap(op string, class Class, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Class: class, Cause: err}
}

// ClassOf returns the class of err. Unclassified errors are transient.
func ClassOf(err error) Class {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Class
	}
	return Transient
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) != Permanent
}

// AuthError is returned when the server rejects the account credentials.
type AuthError struct {
	Addr  string
	Cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Addr, e.Cause)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

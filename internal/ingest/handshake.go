package ingest

import (
	"context"

	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/wire"
)

// Artifact is an inbound secure-join step handed to the Handshake.
type Artifact struct {
	Step              string
	Parsed            *wire.Parsed
	FromID            int64
	FromAddr          string
	Decrypted         bool
	SenderFingerprint string
	SentAt            int64

	after []func()
}

// OnCommit registers fn to run once the ingesting transaction has
// committed.
func (a *Artifact) OnCommit(fn func()) { a.after = append(a.after, fn) }

// HandshakeResult tells the resolver what to do with an artifact.
type HandshakeResult int

const (
	// HandshakeIgnore drops the artifact without touching any state.
	HandshakeIgnore HandshakeResult = iota
	// HandshakeDone means the step was consumed; the server copy is
	// deleted.
	HandshakeDone
	// HandshakePropagate processes the message further as a normal chat
	// message, e.g. the member-added step of a group join.
	HandshakePropagate
)

// Handshake processes secure-join steps inside the ingesting transaction.
// It applies the Autocrypt header of steps it accepts itself.
type Handshake interface {
	Handle(ctx context.Context, tx *store.Queries, a *Artifact) (HandshakeResult, error)
}

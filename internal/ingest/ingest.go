// Package ingest turns raw inbound mail into stored chat messages: it
// deduplicates, decrypts, applies key material, resolves the chat and the
// thread position, and handles receipts, bounces and handshake steps.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/e2e"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/tracing"
	"github.com/matheus3301/postbox/internal/transport"
	"github.com/matheus3301/postbox/internal/trust"
	"github.com/matheus3301/postbox/internal/wire"
)

// Config holds the settings the resolver depends on.
type Config struct {
	// Bot accepts every sender instead of creating contact requests.
	Bot bool
}

// Source locates a raw message on the server.
type Source struct {
	Folder string
	UID    uint32
	Role   transport.Role
	Seen   bool
}

// Outcome classifies what Ingest did with a message.
type Outcome int

const (
	Stored Outcome = iota
	Duplicate
	Trashed
	Report
	HandshakeStep
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Trashed:
		return "trashed"
	case Report:
		return "report"
	case HandshakeStep:
		return "handshake"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result describes one ingested message.
type Result struct {
	Outcome Outcome
	MsgID   int64
	ChatID  int64
}

// Notifier wakes the loop draining a job thread.
type Notifier interface {
	Notify(t store.Thread)
}

// Ingester is the resolver. It is safe for concurrent use by several
// folder loops; every message is processed in its own transaction.
type Ingester struct {
	db     *store.DB
	trust  *trust.Store
	blobs  *blob.Dir
	bus    *bus.Bus
	notify Notifier
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	mu        sync.RWMutex
	handshake Handshake
}

// New creates an Ingester.
func New(db *store.DB, ts *trust.Store, blobs *blob.Dir, b *bus.Bus, notify Notifier, logger *zap.Logger, cfg Config) *Ingester {
	return &Ingester{
		db:     db,
		trust:  ts,
		blobs:  blobs,
		bus:    b,
		notify: notify,
		logger: logger.Named("ingest"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetHandshake installs the secure-join step handler.
func (in *Ingester) SetHandshake(h Handshake) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handshake = h
}

func (in *Ingester) handshaker() Handshake {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.handshake
}

type event struct {
	kind    string
	payload any
}

// run carries the state of one message through the pipeline.
type run struct {
	in      *Ingester
	tx      *store.Queries
	p       *wire.Parsed
	src     Source
	now     int64
	self    string
	events  []event
	after   []func()
	retract bool

	fromID            int64
	fromAddr          string
	fromSelf          bool
	decrypted         bool
	senderFingerprint string
	sentAt            int64
}

func (r *run) emit(kind string, payload any) {
	r.events = append(r.events, event{kind, payload})
}

// Ingest stores raw, found at src. Processing a message never fails
// because of its content; errors are storage failures only. The
// transaction is not cancelled with ctx, so a stop request waits for it
// to commit or roll back.
func (in *Ingester) Ingest(ctx context.Context, raw []byte, src Source) (*Result, error) {
	ctx, span := tracing.Start(ctx, "ingest.message",
		attribute.String("folder", src.Folder), attribute.Int64("uid", int64(src.UID)))

	p := wire.Parse(raw)
	if p.Malformed {
		in.logger.Warn("malformed message, using best-effort content",
			zap.String("message_id", p.MessageID), zap.String("folder", src.Folder))
	}

	// A started message always finishes; cancellation takes effect between
	// messages.
	txCtx := context.WithoutCancel(ctx)
	var r *run
	var res *Result
	err := in.db.InTx(txCtx, func(tx *store.Queries) error {
		r = &run{in: in, tx: tx, p: p, src: src, now: in.now().UnixMilli()}
		var err error
		res, err = r.process(txCtx)
		return err
	})
	tracing.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", p.MessageID, err)
	}

	for _, e := range r.events {
		in.bus.Emit(e.kind, e.payload)
	}
	for _, fn := range r.after {
		fn()
	}
	if r.retract && in.notify != nil {
		in.notify.Notify(store.ThreadIMAP)
	}
	in.logger.Debug("ingested",
		zap.String("message_id", p.MessageID),
		zap.Stringer("outcome", res.Outcome),
		zap.Int64("chat", res.ChatID))
	return res, nil
}

func (r *run) process(ctx context.Context) (*Result, error) {
	tx, p := r.tx, r.p
	existing, err := tx.MessageByRFC724MID(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if r.src.UID != 0 && (existing.ServerFolder != r.src.Folder || existing.ServerUID != int64(r.src.UID)) {
			if err := tx.UpdateServerLocation(ctx, existing.ID, r.src.Folder, int64(r.src.UID)); err != nil {
				return nil, err
			}
		}
		return &Result{Outcome: Duplicate, MsgID: existing.ID, ChatID: existing.ChatID}, nil
	}

	if r.self, err = tx.SelfAddr(ctx); err != nil {
		return nil, err
	}
	r.sentAt = r.now
	if !p.Date.IsZero() {
		r.sentAt = p.Date.UnixMilli()
	}
	if p.From == nil || p.From.Address == "" {
		return r.trash(ctx, "no sender")
	}
	r.fromAddr = store.NormalizeAddr(p.From.Address)
	r.fromSelf = r.fromAddr == store.NormalizeAddr(r.self)

	if r.src.Role == transport.RoleJunk && !r.fromSelf {
		c, err := tx.ContactByAddr(ctx, r.fromAddr)
		if err != nil {
			return nil, err
		}
		ok := false
		if c != nil {
			if ok, err = r.accepted(ctx, c.ID); err != nil {
				return nil, err
			}
		}
		if !ok {
			return &Result{Outcome: Skipped}, nil
		}
	}

	r.decrypt(ctx)

	if r.fromSelf {
		r.fromID = store.ContactIDSelf
	} else {
		if r.fromID, _, err = tx.AddOrLookupContact(ctx, r.fromAddr, p.From.Name, store.OriginIncomingUnknownFrom); err != nil {
			return nil, err
		}
		contact, err := tx.ContactByID(ctx, r.fromID)
		if err != nil {
			return nil, err
		}
		if contact != nil && contact.Blocked == store.BlockedYes {
			return r.trash(ctx, "blocked sender")
		}
		if err := r.updateAuthName(ctx); err != nil {
			return nil, err
		}
	}

	if step := p.SecureJoin(); step != "" {
		if h := r.in.handshaker(); h != nil {
			res, done, err := r.handshake(ctx, h, step)
			if err != nil || done {
				return res, err
			}
		}
	} else if !r.fromSelf {
		if err := r.applyAutocrypt(ctx); err != nil {
			return nil, err
		}
	}

	if p.Report != nil {
		return r.report(ctx)
	}
	return r.store(ctx)
}

// decrypt opens a sealed body. Failure leaves the message undecryptable.
func (r *run) decrypt(ctx context.Context) {
	p := r.p
	if !p.Encrypted || len(p.Sealed) == 0 {
		return
	}
	plain, senderKey, err := r.in.trust.Open(ctx, r.tx, p.Sealed)
	if err != nil {
		r.in.logger.Warn("cannot decrypt message", zap.String("message_id", p.MessageID), zap.Error(err))
		return
	}
	if err := p.OpenSealed(plain); err != nil {
		r.in.logger.Warn("bad sealed content", zap.String("message_id", p.MessageID), zap.Error(err))
		return
	}
	r.decrypted = true
	r.senderFingerprint = e2e.Fingerprint(senderKey)
	if p.Autocrypt != nil && !bytes.Equal(p.Autocrypt.Key, senderKey) {
		r.in.logger.Warn("sealing key differs from Autocrypt key", zap.String("from", p.From.Address))
	}
}

// updateAuthName records the sender's display name; names from decrypted
// messages are authenticated.
func (r *run) updateAuthName(ctx context.Context) error {
	changed, err := r.tx.SetContactAuthName(ctx, r.fromID, strings.TrimSpace(r.p.From.Name), r.decrypted)
	if err != nil || !changed {
		return err
	}
	r.emit(bus.ContactsChanged, bus.ContactEvent{ContactID: r.fromID})
	chat, err := r.tx.OneToOneChat(ctx, r.fromID)
	if err != nil || chat == nil {
		return err
	}
	c, err := r.tx.ContactByID(ctx, r.fromID)
	if err != nil || c == nil {
		return err
	}
	if c.Name == "" {
		if err := r.tx.SetChatName(ctx, chat.ID, c.DisplayName()); err != nil {
			return err
		}
	}
	r.emit(bus.ChatModified, bus.ChatEvent{ChatID: chat.ID})
	return nil
}

// applyAutocrypt merges the sender's Autocrypt header into its peerstate.
func (r *run) applyAutocrypt(ctx context.Context) error {
	ac := r.p.Autocrypt
	if ac == nil || ac.Addr != r.fromAddr {
		if r.p.IsChat() || ac != nil {
			return r.in.trust.NoteMissingHeader(ctx, r.tx, r.fromAddr, r.sentAt)
		}
		return nil
	}
	prefer := store.PreferNoPreference
	if ac.PreferEncrypt {
		prefer = store.PreferMutual
	}
	_, err := r.in.trust.ApplyInbound(ctx, r.tx, r.fromAddr, trust.KeyMaterial{Key: ac.Key, PreferEncrypt: prefer}, r.sentAt)
	if err != nil {
		r.in.logger.Warn("ignoring Autocrypt header", zap.String("from", r.fromAddr), zap.Error(err))
	}
	return nil
}

func (r *run) handshake(ctx context.Context, h Handshake, step string) (*Result, bool, error) {
	a := &Artifact{
		Step:              step,
		Parsed:            r.p,
		FromID:            r.fromID,
		FromAddr:          r.fromAddr,
		Decrypted:         r.decrypted,
		SenderFingerprint: r.senderFingerprint,
		SentAt:            r.sentAt,
	}
	res, err := h.Handle(ctx, r.tx, a)
	if err != nil {
		return nil, true, err
	}
	r.after = append(r.after, a.after...)
	switch res {
	case HandshakePropagate:
		return nil, false, nil
	case HandshakeDone:
		out, err := r.tombstone(ctx)
		if err != nil {
			return nil, true, err
		}
		if r.src.UID != 0 {
			if _, err := outbox.Enqueue(ctx, r.tx, outbox.RetractJob(out.MsgID)); err != nil {
				return nil, true, err
			}
			r.retract = true
		}
		out.Outcome = HandshakeStep
		return out, true, nil
	default:
		r.in.logger.Info("ignoring handshake step", zap.String("step", step), zap.String("from", r.fromAddr))
		out, err := r.tombstone(ctx)
		if err != nil {
			return nil, true, err
		}
		out.Outcome = HandshakeStep
		return out, true, nil
	}
}

// tombstone records the message id in the trash so re-deliveries stay
// deduplicated.
func (r *run) tombstone(ctx context.Context) (*Result, error) {
	m := &store.Message{
		RFC724MID:     r.p.MessageID,
		ChatID:        store.ChatIDTrash,
		FromID:        r.fromID,
		Timestamp:     r.now,
		TimestampSent: r.sentAt,
		TimestampRcvd: r.now,
		State:         store.StateInSeen,
		Hidden:        true,
		ServerFolder:  r.src.Folder,
		ServerUID:     int64(r.src.UID),
	}
	if _, err := r.tx.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return &Result{Outcome: Trashed, MsgID: m.ID, ChatID: store.ChatIDTrash}, nil
}

func (r *run) trash(ctx context.Context, reason string) (*Result, error) {
	r.in.logger.Debug("trashing message", zap.String("message_id", r.p.MessageID), zap.String("reason", reason))
	return r.tombstone(ctx)
}

// accepted reports whether mail from contactID may open a normal chat.
func (r *run) accepted(ctx context.Context, contactID int64) (bool, error) {
	if r.in.cfg.Bot || contactID == store.ContactIDSelf {
		return true, nil
	}
	c, err := r.tx.ContactByID(ctx, contactID)
	if err != nil || c == nil {
		return false, err
	}
	if c.Blocked == store.BlockedYes {
		return false, nil
	}
	if c.Origin >= store.OriginSecureJoinJoined {
		return true, nil
	}
	chat, err := r.tx.OneToOneChat(ctx, contactID)
	if err != nil {
		return false, err
	}
	return chat != nil && chat.Blocked == store.BlockedNot, nil
}

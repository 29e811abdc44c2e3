// Package securejoin implements the verification handshake. The inviter
// hands out an invite carrying its key fingerprint and two secrets; the
// joiner proves knowledge of the secrets over an encrypted exchange and
// both sides end up with a directly verified key for each other.
package securejoin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/e2e"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/ingest"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/trust"
	"github.com/matheus3301/postbox/internal/wire"
)

// Handshake steps carried in the Secure-Join header.
const (
	stepRequest         = "request"
	stepAuthRequired    = "auth-required"
	stepRequestWithAuth = "request-with-auth"
	stepContactConfirm  = "vc-contact-confirm"
	stepMemberAdded     = "vg-member-added"
)

// Config holds the handshake settings.
type Config struct {
	DisplayName string
	// Timeout bounds the wait for each step of a joiner session.
	Timeout time.Duration
}

// Handshaker runs both sides of the handshake. Inviter state lives in the
// database as tokens; joiner sessions live in memory.
type Handshaker struct {
	db     *store.DB
	trust  *trust.Store
	bus    *bus.Bus
	notify ingest.Notifier
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Handshaker.
func New(db *store.DB, ts *trust.Store, b *bus.Bus, notify ingest.Notifier, logger *zap.Logger, cfg Config) *Handshaker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	return &Handshaker{
		db:       db,
		trust:    ts,
		bus:      b,
		notify:   notify,
		logger:   logger.Named("securejoin"),
		cfg:      cfg,
		now:      time.Now,
		sessions: map[string]*Session{},
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func token(ctx context.Context, tx *store.Queries, ns store.TokenNamespace, foreignID int64) (string, error) {
	t, err := tx.TokenFor(ctx, ns, foreignID)
	if err != nil {
		return "", err
	}
	if t != nil {
		return t.Token, nil
	}
	t = &store.Token{Namespace: ns, ForeignID: foreignID, Token: newToken()}
	if err := tx.SaveToken(ctx, t); err != nil {
		return "", err
	}
	return t.Token, nil
}

// Invite returns the invite for contact setup (chatID 0) or for joining
// the group chatID. Secrets are created once and reused.
func (h *Handshaker) Invite(ctx context.Context, chatID int64) (*Invite, error) {
	var inv *Invite
	err := h.db.InTx(ctx, func(tx *store.Queries) error {
		self, err := tx.SelfAddr(ctx)
		if err != nil {
			return err
		}
		if self == "" {
			return errs.ErrNotConfigured
		}
		key, err := h.trust.SelfKey(ctx, tx)
		if err != nil {
			return err
		}
		inv = &Invite{Fingerprint: key.Fingerprint(), Addr: self, Name: h.cfg.DisplayName}
		if chatID != 0 {
			chat, err := tx.ChatByID(ctx, chatID)
			if err != nil {
				return err
			}
			if chat == nil || chat.Type != store.ChatTypeGroup || chat.GrpID == "" {
				return fmt.Errorf("invite to chat %d: %w", chatID, errs.ErrChatNotWritable)
			}
			inv.GroupID, inv.GroupName = chat.GrpID, chat.Name
		}
		if inv.InviteNumber, err = token(ctx, tx, store.TokenInviteNumber, chatID); err != nil {
			return err
		}
		inv.Auth, err = token(ctx, tx, store.TokenAuth, chatID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	return inv, nil
}

// Join starts the joiner side for an invite text and returns the chat the
// caller can show right away: the one-to-one chat with the inviter, or the
// group being joined. The handshake completes in the background.
func (h *Handshaker) Join(ctx context.Context, text string) (int64, error) {
	inv, err := ParseInvite(text)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	if s, ok := h.sessions[inv.InviteNumber]; ok && !s.Terminal() {
		h.mu.Unlock()
		return s.ChatID, nil
	}
	h.mu.Unlock()

	now := h.now()
	sess := &Session{Invite: inv, State: StateInvited, Started: now, Deadline: now.Add(h.cfg.Timeout)}
	err = h.db.InTx(ctx, func(tx *store.Queries) error {
		self, err := tx.SelfAddr(ctx)
		if err != nil {
			return err
		}
		key, err := h.trust.SelfKey(ctx, tx)
		if err != nil {
			return err
		}
		if store.NormalizeAddr(self) == inv.Addr || key.Fingerprint() == inv.Fingerprint {
			return errs.ErrSelfInvite
		}

		if sess.ContactID, _, err = tx.AddOrLookupContact(ctx, inv.Addr, inv.Name, store.OriginIncomingUnknownFrom); err != nil {
			return err
		}
		direct, err := h.acceptedChat(ctx, tx, sess.ContactID)
		if err != nil {
			return err
		}
		sess.ChatID = direct.ID
		if inv.Group() {
			group, err := h.groupFor(ctx, tx, inv, sess.ContactID)
			if err != nil {
				return err
			}
			sess.ChatID = group.ID
		}
		return h.sendStep(ctx, tx, direct.ID, prefix(inv)+stepRequest, map[string]string{
			wire.HdrSecureJoinInvitenumber: inv.InviteNumber,
		}, false)
	})
	if err != nil {
		return 0, fmt.Errorf("join %s: %w", inv.Addr, err)
	}
	if err := sess.advance(StateRequestSent, now, h.cfg.Timeout); err != nil {
		return 0, err
	}

	h.mu.Lock()
	sess.timer = time.AfterFunc(h.cfg.Timeout, func() { h.expire(inv.InviteNumber) })
	h.sessions[inv.InviteNumber] = sess
	h.mu.Unlock()

	h.logger.Info("joining", zap.String("inviter", inv.Addr), zap.Bool("group", inv.Group()))
	h.notifySMTP()
	h.bus.Emit(bus.SecureJoinJoinerProgress, bus.HandshakeEvent{
		ContactID: sess.ContactID, ChatID: sess.ChatID, Step: string(StateRequestSent), Progress: 100,
	})
	return sess.ChatID, nil
}

func prefix(inv *Invite) string {
	if inv.Group() {
		return "vg-"
	}
	return "vc-"
}

// acceptedChat returns the one-to-one chat with contactID, accepting it
// when it was a contact request.
func (h *Handshaker) acceptedChat(ctx context.Context, tx *store.Queries, contactID int64) (*store.Chat, error) {
	chat, _, err := tx.GetOrCreateOneToOne(ctx, contactID, store.BlockedNot)
	if err != nil {
		return nil, err
	}
	if chat.Blocked != store.BlockedNot {
		if err := tx.SetChatBlocked(ctx, chat.ID, store.BlockedNot); err != nil {
			return nil, err
		}
		chat.Blocked = store.BlockedNot
	}
	return chat, nil
}

// groupFor returns the local group of a group invite, creating it with the
// inviter as the only other member until the member list arrives.
func (h *Handshaker) groupFor(ctx context.Context, tx *store.Queries, inv *Invite, inviter int64) (*store.Chat, error) {
	chat, err := tx.ChatByGrpID(ctx, inv.GroupID)
	if err != nil || chat != nil {
		return chat, err
	}
	if err := tx.UnmarkLeftGroup(ctx, inv.GroupID); err != nil {
		return nil, err
	}
	chat = &store.Chat{Type: store.ChatTypeGroup, Name: inv.GroupName, GrpID: inv.GroupID}
	if err := tx.CreateChat(ctx, chat, []int64{store.ContactIDSelf, inviter}); err != nil {
		return nil, err
	}
	return chat, nil
}

// sendStep queues a hidden handshake message in chatID.
func (h *Handshaker) sendStep(ctx context.Context, tx *store.Queries, chatID int64, step string, headers map[string]string, encrypt bool) error {
	headers[wire.HdrSecureJoin] = step
	params := outbox.Params{Headers: headers, ForceEncrypt: encrypt, ForcePlain: !encrypt}
	m := &store.Message{
		ChatID:   chatID,
		Text:     "Secure-Join: " + step,
		Hidden:   true,
		InfoType: store.InfoSecureJoin,
		Param:    params.Encode(),
	}
	_, err := outbox.EnqueueMessage(ctx, tx, m, h.now())
	return err
}

func (h *Handshaker) notifySMTP() {
	if h.notify != nil {
		h.notify.Notify(store.ThreadSMTP)
	}
}

// Sessions lists the live joiner sessions.
func (h *Handshaker) Sessions() []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info())
	}
	return out
}

// Cancel aborts the joiner session for inviteNumber.
func (h *Handshaker) Cancel(inviteNumber string) error {
	if !h.fail(inviteNumber, ReasonCancelled) {
		return errs.ErrSessionNotActive
	}
	return nil
}

func (h *Handshaker) expire(inviteNumber string) {
	h.mu.Lock()
	s, ok := h.sessions[inviteNumber]
	expired := ok && !h.now().Before(s.Deadline)
	h.mu.Unlock()
	if expired {
		h.fail(inviteNumber, ReasonTimeout)
	}
}

// fail ends a live session and reports it.
func (h *Handshaker) fail(inviteNumber string, reason Reason) bool {
	h.mu.Lock()
	s, ok := h.sessions[inviteNumber]
	if !ok || s.Terminal() {
		h.mu.Unlock()
		return false
	}
	_ = s.advance(StateFailed, h.now(), h.cfg.Timeout)
	s.Reason = reason
	delete(h.sessions, inviteNumber)
	h.mu.Unlock()

	h.logger.Warn("handshake failed", zap.String("inviter", s.Invite.Addr), zap.String("reason", string(reason)))
	h.bus.Emit(bus.SecureJoinFailed, bus.HandshakeFailedEvent{ContactID: s.ContactID, Reason: string(reason)})
	return true
}

// live returns the session for inviteNumber if it is waiting in state.
// Sessions past their deadline are failed on the spot.
func (h *Handshaker) live(inviteNumber string, state State) *Session {
	h.mu.Lock()
	s, ok := h.sessions[inviteNumber]
	if ok && h.now().After(s.Deadline) {
		h.mu.Unlock()
		h.fail(inviteNumber, ReasonTimeout)
		return nil
	}
	h.mu.Unlock()
	if !ok || s.State != state {
		return nil
	}
	return s
}

func (h *Handshaker) liveGroup(grpid string) *Session {
	h.mu.Lock()
	var num string
	for n, s := range h.sessions {
		if s.Invite.GroupID == grpid && s.State == StateRequestWithAuthSent {
			num = n
			break
		}
	}
	h.mu.Unlock()
	if num == "" {
		return nil
	}
	return h.live(num, StateRequestWithAuthSent)
}

// step advances a session after the ingesting transaction committed.
func (h *Handshaker) step(s *Session, to State, progress int) {
	h.mu.Lock()
	err := s.advance(to, h.now(), h.cfg.Timeout)
	if to == StateComplete {
		delete(h.sessions, s.Invite.InviteNumber)
	}
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("handshake step out of order", zap.Error(err))
		return
	}
	h.bus.Emit(bus.SecureJoinJoinerProgress, bus.HandshakeEvent{
		ContactID: s.ContactID, ChatID: s.ChatID, Step: string(to), Progress: progress,
	})
}

// Handle processes an inbound handshake step inside the ingesting
// transaction.
func (h *Handshaker) Handle(ctx context.Context, tx *store.Queries, a *ingest.Artifact) (ingest.HandshakeResult, error) {
	step := a.Step
	if a.FromID == store.ContactIDSelf {
		// copies of our own steps, e.g. from the Sent folder
		if step == stepMemberAdded {
			return ingest.HandshakePropagate, nil
		}
		return ingest.HandshakeIgnore, nil
	}
	switch {
	case step == "vc-"+stepRequest || step == "vg-"+stepRequest:
		return h.onRequest(ctx, tx, a)
	case step == "vc-"+stepAuthRequired || step == "vg-"+stepAuthRequired:
		return h.onAuthRequired(ctx, tx, a)
	case step == "vc-"+stepRequestWithAuth || step == "vg-"+stepRequestWithAuth:
		return h.onRequestWithAuth(ctx, tx, a)
	case step == stepContactConfirm:
		return h.onContactConfirm(ctx, tx, a)
	case step == stepMemberAdded:
		return h.onMemberAdded(ctx, tx, a)
	default:
		h.logger.Info("unknown handshake step", zap.String("step", step))
		return ingest.HandshakeIgnore, nil
	}
}

// applyKey merges the sender's Autocrypt header for steps that go on to
// be stored as ordinary messages, keeping the header's own prefer-encrypt.
func (h *Handshaker) applyKey(ctx context.Context, tx *store.Queries, a *ingest.Artifact) error {
	key := keyOf(a)
	if key == nil {
		return nil
	}
	prefer := store.PreferNoPreference
	if a.Parsed.Autocrypt.PreferEncrypt {
		prefer = store.PreferMutual
	}
	_, err := h.trust.ApplyInbound(ctx, tx, a.FromAddr, trust.KeyMaterial{Key: key, PreferEncrypt: prefer}, a.SentAt)
	if err != nil {
		h.logger.Warn("ignoring Autocrypt header", zap.String("from", a.FromAddr), zap.Error(err))
	}
	return nil
}

func keyOf(a *ingest.Artifact) []byte {
	ac := a.Parsed.Autocrypt
	if ac == nil || store.NormalizeAddr(ac.Addr) != a.FromAddr {
		return nil
	}
	return ac.Key
}

// onRequest answers a joiner that knows a valid invite number.
func (h *Handshaker) onRequest(ctx context.Context, tx *store.Queries, a *ingest.Artifact) (ingest.HandshakeResult, error) {
	num := a.Parsed.Get(wire.HdrSecureJoinInvitenumber)
	tok, err := tx.LookupToken(ctx, store.TokenInviteNumber, num)
	if err != nil {
		return 0, err
	}
	key := keyOf(a)
	if tok == nil || key == nil {
		h.logger.Info("ignoring handshake request", zap.String("from", a.FromAddr), zap.Bool("known_invite", tok != nil))
		return ingest.HandshakeIgnore, nil
	}
	if _, err := h.trust.ApplyInbound(ctx, tx, a.FromAddr, trust.KeyMaterial{Key: key, PreferEncrypt: store.PreferMutual}, a.SentAt); err != nil {
		h.logger.Warn("bad key in handshake request", zap.String("from", a.FromAddr), zap.Error(err))
		return ingest.HandshakeIgnore, nil
	}
	chat, err := h.acceptedChat(ctx, tx, a.FromID)
	if err != nil {
		return 0, err
	}
	reply := strings.TrimSuffix(a.Step, stepRequest) + stepAuthRequired
	if err := h.sendStep(ctx, tx, chat.ID, reply, map[string]string{wire.HdrSecureJoinInvitenumber: num}, true); err != nil {
		return 0, err
	}
	a.OnCommit(func() {
		h.notifySMTP()
		h.bus.Emit(bus.SecureJoinInviterProgress, bus.HandshakeEvent{
			ContactID: a.FromID, ChatID: chat.ID, Step: a.Step, Progress: 300,
		})
	})
	return ingest.HandshakeDone, nil
}

// onAuthRequired checks the inviter's key against the invite before
// sending the auth secret.
func (h *Handshaker) onAuthRequired(ctx context.Context, tx *store.Queries, a *ingest.Artifact) (ingest.HandshakeResult, error) {
	num := a.Parsed.Get(wire.HdrSecureJoinInvitenumber)
	s := h.live(num, StateRequestSent)
	if s == nil || a.FromAddr != s.Invite.Addr {
		return ingest.HandshakeIgnore, nil
	}
	key := keyOf(a)
	if key == nil || e2e.Fingerprint(key) != s.Invite.Fingerprint ||
		(a.Decrypted && a.SenderFingerprint != s.Invite.Fingerprint) {
		a.OnCommit(func() { h.fail(num, ReasonAuthMismatch) })
		return ingest.HandshakeIgnore, nil
	}
	if _, err := h.trust.ApplyInbound(ctx, tx, a.FromAddr, trust.KeyMaterial{Key: key, PreferEncrypt: store.PreferMutual}, a.SentAt); err != nil {
		return 0, err
	}
	selfKey, err := h.trust.SelfKey(ctx, tx)
	if err != nil {
		return 0, err
	}
	chat, err := h.acceptedChat(ctx, tx, a.FromID)
	if err != nil {
		return 0, err
	}
	headers := map[string]string{
		wire.HdrSecureJoinInvitenumber: num,
		wire.HdrSecureJoinAuth:         s.Invite.Auth,
		wire.HdrSecureJoinFingerprint:  selfKey.Fingerprint(),
	}
	if s.Invite.Group() {
		headers[wire.HdrSecureJoinGroup] = s.Invite.GroupID
	}
	step := prefix(s.Invite) + stepRequestWithAuth
	if err := h.sendStep(ctx, tx, chat.ID, step, headers, true); err != nil {
		return 0, err
	}
	a.OnCommit(func() {
		h.notifySMTP()
		h.step(s, StateRequestWithAuthSent, 400)
	})
	return ingest.HandshakeDone, nil
}

// onRequestWithAuth verifies the joiner once it proved the auth secret
// over an encrypted message signed by the fingerprint it announced.
func (h *Handshaker) onRequestWithAuth(ctx context.Context, tx *store.Queries, a *ingest.Artifact) (ingest.HandshakeResult, error) {
	p := a.Parsed
	reject := func(reason string) (ingest.HandshakeResult, error) {
		h.logger.Warn("rejecting handshake", zap.String("from", a.FromAddr), zap.String("reason", reason))
		a.OnCommit(func() {
			h.bus.Emit(bus.SecureJoinFailed, bus.HandshakeFailedEvent{ContactID: a.FromID, Reason: reason})
		})
		return ingest.HandshakeIgnore, nil
	}
	if !a.Decrypted {
		return reject("not encrypted")
	}
	fp := e2e.NormalizeFingerprint(p.Get(wire.HdrSecureJoinFingerprint))
	if fp == "" || fp != a.SenderFingerprint {
		return reject(string(ReasonAuthMismatch))
	}
	tok, err := tx.LookupToken(ctx, store.TokenAuth, strings.TrimSpace(p.Get(wire.HdrSecureJoinAuth)))
	if err != nil {
		return 0, err
	}
	if tok == nil {
		return reject(string(ReasonAuthMismatch))
	}
	group := strings.HasPrefix(a.Step, "vg-")
	if group != (tok.ForeignID != 0) {
		return reject("invite kind mismatch")
	}

	if key := keyOf(a); key != nil && e2e.Fingerprint(key) == fp {
		if _, err := h.trust.ApplyInbound(ctx, tx, a.FromAddr, trust.KeyMaterial{Key: key, PreferEncrypt: store.PreferMutual}, a.SentAt); err != nil {
			return 0, err
		}
	}
	if err := h.trust.Verify(ctx, tx, a.FromAddr, fp); err != nil {
		return reject("key unknown")
	}
	if _, _, err := tx.AddOrLookupContact(ctx, a.FromAddr, "", store.OriginSecureJoinInvited); err != nil {
		return 0, err
	}
	chat, err := h.acceptedChat(ctx, tx, a.FromID)
	if err != nil {
		return 0, err
	}

	progressChat := chat.ID
	if group {
		g, err := tx.ChatByID(ctx, tok.ForeignID)
		if err != nil {
			return 0, err
		}
		if g == nil || g.Type != store.ChatTypeGroup || g.GrpID != strings.TrimSpace(p.Get(wire.HdrSecureJoinGroup)) {
			return reject("group gone")
		}
		if _, err := tx.AddChatMember(ctx, g.ID, a.FromID); err != nil {
			return 0, err
		}
		params := outbox.Params{
			Headers: map[string]string{
				wire.HdrChatMemberAdded: a.FromAddr,
				wire.HdrSecureJoin:      stepMemberAdded,
			},
			ForceEncrypt: true,
		}
		m := &store.Message{
			ChatID:   g.ID,
			Text:     fmt.Sprintf("Member %s added.", a.FromAddr),
			InfoType: store.InfoMemberAdded,
			Param:    params.Encode(),
		}
		if _, err := outbox.EnqueueMessage(ctx, tx, m, h.now()); err != nil {
			return 0, err
		}
		progressChat = g.ID
	} else if err := h.sendStep(ctx, tx, chat.ID, stepContactConfirm, map[string]string{}, true); err != nil {
		return 0, err
	}

	a.OnCommit(func() {
		h.notifySMTP()
		h.logger.Info("peer joined", zap.String("addr", a.FromAddr), zap.Bool("group", group))
		h.bus.Emit(bus.ContactsChanged, bus.ContactEvent{ContactID: a.FromID})
		h.bus.Emit(bus.ChatModified, bus.ChatEvent{ChatID: progressChat})
		h.bus.Emit(bus.SecureJoinInviterProgress, bus.HandshakeEvent{
			ContactID: a.FromID, ChatID: progressChat, Step: a.Step, Progress: 1000,
		})
	})
	return ingest.HandshakeDone, nil
}

// confirm verifies the inviter on the final step of a joiner session.
func (h *Handshaker) confirm(ctx context.Context, tx *store.Queries, a *ingest.Artifact, s *Session) (bool, error) {
	if !a.Decrypted || a.SenderFingerprint != s.Invite.Fingerprint || a.FromAddr != s.Invite.Addr {
		num := s.Invite.InviteNumber
		a.OnCommit(func() { h.fail(num, ReasonAuthMismatch) })
		return false, nil
	}
	if err := h.trust.Verify(ctx, tx, s.Invite.Addr, s.Invite.Fingerprint); err != nil {
		return false, err
	}
	if _, _, err := tx.AddOrLookupContact(ctx, s.Invite.Addr, "", store.OriginSecureJoinJoined); err != nil {
		return false, err
	}
	a.OnCommit(func() {
		h.step(s, StateConfirmed, 800)
		h.step(s, StateComplete, 1000)
		h.bus.Emit(bus.ContactsChanged, bus.ContactEvent{ContactID: s.ContactID})
	})
	return true, nil
}

func (h *Handshaker) onContactConfirm(ctx context.Context, tx *store.Queries, a *ingest.Artifact) (ingest.HandshakeResult, error) {
	var s *Session
	h.mu.Lock()
	for _, cand := range h.sessions {
		if !cand.Invite.Group() && cand.Invite.Addr == a.FromAddr && cand.State == StateRequestWithAuthSent {
			s = cand
			break
		}
	}
	h.mu.Unlock()
	if s != nil {
		s = h.live(s.Invite.InviteNumber, StateRequestWithAuthSent)
	}
	if s == nil {
		return ingest.HandshakeIgnore, nil
	}
	ok, err := h.confirm(ctx, tx, a, s)
	if err != nil || !ok {
		return ingest.HandshakeIgnore, err
	}
	return ingest.HandshakeDone, nil
}

// onMemberAdded completes a group join. For every other member the
// message is an ordinary group message.
func (h *Handshaker) onMemberAdded(ctx context.Context, tx *store.Queries, a *ingest.Artifact) (ingest.HandshakeResult, error) {
	self, err := tx.SelfAddr(ctx)
	if err != nil {
		return 0, err
	}
	if a.Parsed.MemberAdded() != store.NormalizeAddr(self) {
		if err := h.applyKey(ctx, tx, a); err != nil {
			return 0, err
		}
		return ingest.HandshakePropagate, nil
	}
	// Addressed to us: only a running join may touch peerstate.
	s := h.liveGroup(a.Parsed.GroupID())
	if s == nil {
		return ingest.HandshakePropagate, nil
	}
	ok, err := h.confirm(ctx, tx, a, s)
	if err != nil {
		return 0, err
	}
	if !ok {
		return ingest.HandshakeIgnore, nil
	}
	return ingest.HandshakePropagate, nil
}

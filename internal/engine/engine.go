// Package engine is the handle callers hold for one account: it owns the
// components, runs the IO scheduler between Start and Stop and exposes
// the chat, contact and handshake operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/housekeeping"
	"github.com/matheus3301/postbox/internal/ingest"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/provider"
	"github.com/matheus3301/postbox/internal/scheduler"
	"github.com/matheus3301/postbox/internal/securejoin"
	"github.com/matheus3301/postbox/internal/status"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/tracing"
	"github.com/matheus3301/postbox/internal/transport"
	"github.com/matheus3301/postbox/internal/trust"
)

const welcomeText = "Welcome to postbox. Messages to your contacts travel as regular email; " +
	"they are end-to-end encrypted once both sides know each other's key. " +
	"Use an invite code to verify a contact and start a protected chat."

// PasswordStore keeps the account password.
type PasswordStore interface {
	Password() (string, error)
	SetPassword(pw string) error
}

// LoginCheck checks that creds can log in to an IMAP endpoint.
type LoginCheck func(ctx context.Context, srv config.Server, creds transport.Credentials) error

// Dialer builds the transport for configured settings.
type Dialer func(s *config.Settings, password string) transport.Transport

// Options are the collaborators of an Engine. Settings, DB, Blobs, Bus,
// Machine and Secrets are required.
type Options struct {
	Settings *config.Settings
	// SettingsPath receives the servers found by Configure when set.
	SettingsPath string
	DB           *store.DB
	Blobs        *blob.Dir
	Bus          *bus.Bus
	Machine      *status.Machine
	Secrets      trust.SecretSource
	Passwords    PasswordStore
	// Transport is used as is when set; otherwise it is dialed from the
	// settings and the stored password.
	Transport  transport.Transport
	Dial       Dialer
	CheckLogin LoginCheck
	Logger     *zap.Logger
}

// Engine is one account's running state.
type Engine struct {
	settings     *config.Settings
	settingsPath string
	db           *store.DB
	blobs        *blob.Dir
	bus          *bus.Bus
	machine      *status.Machine
	passwords    PasswordStore
	dial         Dialer
	checkLogin   LoginCheck
	logger       *zap.Logger
	now          func() time.Time

	trust     *trust.Store
	queue     *outbox.Queue
	ingest    *ingest.Ingester
	handshake *securejoin.Handshaker
	hk        *housekeeping.Manager
	sched     *scheduler.Scheduler

	// mu serializes Start, Stop, Snapshot and Configure.
	mu sync.Mutex

	tmu       sync.RWMutex
	transport transport.Transport
}

// New wires the components of one account. The engine starts stopped.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := opts.Settings
	e := &Engine{
		settings:     s,
		settingsPath: opts.SettingsPath,
		db:           opts.DB,
		blobs:        opts.Blobs,
		bus:          opts.Bus,
		machine:      opts.Machine,
		passwords:    opts.Passwords,
		dial:         opts.Dial,
		checkLogin:   opts.CheckLogin,
		logger:       logger.Named("engine"),
		now:          time.Now,
		transport:    opts.Transport,
	}
	if e.dial == nil {
		e.dial = func(s *config.Settings, password string) transport.Transport {
			return transport.NewRemote(s, password, logger)
		}
	}
	if e.checkLogin == nil {
		e.checkLogin = func(ctx context.Context, srv config.Server, creds transport.Credentials) error {
			mb, err := transport.DialIMAP(ctx, srv, creds, logger)
			if err != nil {
				return err
			}
			return mb.Close()
		}
	}
	if e.transport == nil && s.Configured() && e.passwords != nil {
		if pw, err := e.passwords.Password(); err == nil {
			e.transport = e.dial(s, pw)
		} else {
			e.logger.Warn("account configured but no password stored", zap.Error(err))
		}
	}

	e.trust = trust.New(logger, trust.Policy{
		Enabled:             s.E2EEEnabled,
		GossipMinMembers:    s.Gossip.MinMembers,
		GossipInterval:      s.Gossip.Interval,
		GossipImpliesMutual: s.Gossip.ImpliesMutual,
	}, opts.Secrets)
	cur := current{e}
	e.queue = outbox.New(e.db, e.trust, cur, e.blobs, e.bus, logger, outbox.ConfigFrom(s))
	e.ingest = ingest.New(e.db, e.trust, e.blobs, e.bus, e.queue, logger, ingest.Config{Bot: s.Bot})
	e.handshake = securejoin.New(e.db, e.trust, e.bus, e.queue, logger, securejoin.Config{
		DisplayName: s.DisplayName,
		Timeout:     s.SecureJoin.Timeout,
	})
	e.ingest.SetHandshake(e.handshake)
	e.hk = housekeeping.New(e.db, e.blobs, e.bus, e.queue, logger, housekeeping.ConfigFrom(s))
	e.sched = scheduler.New(cur, e.db, e.ingest, e.queue, e.hk, e.machine, e.bus, logger, scheduler.ConfigFrom(s))
	return e
}

// current forwards to whichever transport is configured at call time, so
// Configure can replace it while the components keep their reference.
type current struct{ e *Engine }

func (c current) get() transport.Transport {
	c.e.tmu.RLock()
	defer c.e.tmu.RUnlock()
	return c.e.transport
}

func (c current) Mailbox(ctx context.Context) (transport.Mailbox, error) {
	t := c.get()
	if t == nil {
		return nil, errs.ErrNotConfigured
	}
	return t.Mailbox(ctx)
}

func (c current) Submitter() transport.Submitter { return c }

func (c current) Send(ctx context.Context, from string, to []string, raw []byte) error {
	t := c.get()
	if t == nil {
		return errs.Wrap("smtp", errs.Transient, errs.ErrNotConfigured)
	}
	return t.Submitter().Send(ctx, from, to, raw)
}

func (e *Engine) configured() bool {
	e.tmu.RLock()
	defer e.tmu.RUnlock()
	return e.transport != nil && e.settings.Configured()
}

// Running reports whether the IO loops run.
func (e *Engine) Running() bool {
	return e.sched.Running()
}

// Start launches the IO loops. An unconfigured account stays stopped in
// the NOT_CONFIGURED state.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(ctx)
}

func (e *Engine) startLocked(ctx context.Context) error {
	if e.sched.Running() {
		return errs.ErrEngineRunning
	}
	if !e.configured() {
		_ = e.machine.Transition(status.NotConfigured)
		return errs.ErrNotConfigured
	}
	if err := e.db.SetConfig(ctx, store.KeySelfAddr, store.NormalizeAddr(e.settings.Addr)); err != nil {
		return fmt.Errorf("record address: %w", err)
	}
	if err := e.welcome(ctx); err != nil {
		return err
	}
	if err := e.sched.Start(); err != nil {
		return err
	}
	e.logger.Info("engine started", zap.String("addr", e.settings.Addr))
	e.bus.Emit(bus.EngineStarted, nil)
	return nil
}

// Stop cancels the IO loops and returns once every in-flight store write
// has committed or rolled back. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.sched.Running() {
		return nil
	}
	err := e.sched.Stop()
	e.logger.Info("engine stopped")
	e.bus.Emit(bus.EngineStopped, nil)
	return err
}

// Snapshot writes a consistent copy of the database to path. A running
// engine is stopped for the copy and started again afterwards.
func (e *Engine) Snapshot(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	running := e.sched.Running()
	if running {
		if err := e.stopLocked(); err != nil {
			return fmt.Errorf("stop for snapshot: %w", err)
		}
	}
	err := e.db.SnapshotTo(ctx, path)
	if running {
		if serr := e.startLocked(ctx); serr != nil {
			return errors.Join(err, serr)
		}
	}
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	e.logger.Info("snapshot written", zap.String("path", path))
	return nil
}

// welcome adds the one-time greeting to the device chat.
func (e *Engine) welcome(ctx context.Context) error {
	if e.settings.Bot {
		return nil
	}
	shown, err := e.db.GetConfigBool(ctx, store.KeyWelcomeShown)
	if err != nil || shown {
		return err
	}
	m, err := e.db.AddDeviceMessage(ctx, "welcome@localhost", welcomeText, e.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add welcome message: %w", err)
	}
	if err := e.db.SetConfigBool(ctx, store.KeyWelcomeShown, true); err != nil {
		return err
	}
	if m != nil {
		e.bus.Emit(bus.MsgIncoming, bus.MsgEvent{ChatID: m.ChatID, MsgID: m.ID})
	}
	return nil
}

// Configure finds working servers for addr, stores the password and
// records the account as configured. Explicit servers from the settings
// are tried before the provider guesses.
func (e *Engine) Configure(ctx context.Context, addr, password string) (err error) {
	ctx, span := tracing.Start(ctx, "engine.configure", attribute.String("addr", addr))
	defer func() { tracing.End(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sched.Running() {
		return errs.ErrEngineRunning
	}
	addr = store.NormalizeAddr(addr)
	if addr == "" {
		return fmt.Errorf("configure: invalid address")
	}
	prev, err := e.db.SelfAddr(ctx)
	if err != nil {
		return err
	}
	if prev != "" && prev != addr {
		return fmt.Errorf("configure: account already belongs to %s", prev)
	}

	var candidates []provider.Candidate
	if e.settings.IMAP.Host != "" && e.settings.SMTP.Host != "" {
		candidates = append(candidates, provider.Candidate{IMAP: e.settings.IMAP, SMTP: e.settings.SMTP})
	}
	candidates = append(candidates, provider.Candidates(addr)...)
	if len(candidates) == 0 {
		return fmt.Errorf("configure: no servers to try for %s", addr)
	}

	creds := transport.Credentials{Addr: addr, Password: password}
	var found *provider.Candidate
	var lastErr error
	for i := range candidates {
		c := &candidates[i]
		log := e.logger.With(zap.String("imap", c.IMAP.Host), zap.Int("port", c.IMAP.Port))
		if err := e.checkLogin(ctx, c.IMAP, creds); err != nil {
			log.Debug("candidate failed", zap.Error(err))
			if lastErr == nil || !errs.IsAuthError(lastErr) {
				lastErr = err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		found = c
		break
	}
	if found == nil {
		return fmt.Errorf("configure %s: %w", addr, lastErr)
	}

	e.settings.Addr = addr
	e.settings.IMAP = found.IMAP
	e.settings.SMTP = found.SMTP
	if e.settingsPath != "" {
		if err := config.SaveSettings(e.settingsPath, e.settings); err != nil {
			return err
		}
	}
	if e.passwords != nil {
		if err := e.passwords.SetPassword(password); err != nil {
			return fmt.Errorf("store password: %w", err)
		}
	}
	err = e.db.InTx(ctx, func(tx *store.Queries) error {
		if err := tx.SetConfig(ctx, store.KeySelfAddr, addr); err != nil {
			return err
		}
		return tx.SetConfigInt64(ctx, store.KeyConfiguredAt, e.now().UnixMilli())
	})
	if err != nil {
		return fmt.Errorf("record configuration: %w", err)
	}

	e.tmu.Lock()
	e.transport = e.dial(e.settings, password)
	e.tmu.Unlock()
	if e.machine.Current() == status.NotConfigured {
		_ = e.machine.Transition(status.Stopped)
	}
	e.logger.Info("configured", zap.String("addr", addr),
		zap.String("imap", found.IMAP.Host), zap.String("smtp", found.SMTP.Host))
	return nil
}

// Status summarizes the account.
type Status struct {
	State      status.State
	Since      time.Time
	LastError  string
	Addr       string
	Configured bool
	Running    bool
	Messages   int64
	Jobs       int64
	Handshakes int
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st, since, lastErr := e.machine.Snapshot()
	msgs, err := e.db.MessageCount(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := e.db.JobCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:      st,
		Since:      since,
		LastError:  lastErr,
		Addr:       e.settings.Addr,
		Configured: e.configured(),
		Running:    e.sched.Running(),
		Messages:   msgs,
		Jobs:       jobs,
		Handshakes: len(e.handshake.Sessions()),
	}, nil
}

// Interrupt makes every loop look for work now, e.g. after the network
// came back.
func (e *Engine) Interrupt() {
	e.sched.Interrupt()
}

// RunHousekeeping runs a full housekeeping pass now.
func (e *Engine) RunHousekeeping(ctx context.Context) (*housekeeping.Report, error) {
	rep, err := e.hk.Run(ctx)
	if err != nil {
		return nil, err
	}
	e.sched.ExpiryChanged()
	return rep, nil
}

// GetConfig reads a raw key from the account's config table.
func (e *Engine) GetConfig(ctx context.Context, key string) (string, error) {
	return e.db.GetConfig(ctx, key)
}

// SetConfig writes a raw key to the account's config table.
func (e *Engine) SetConfig(ctx context.Context, key, value string) error {
	return e.db.SetConfig(ctx, key, value)
}

// Subscribe returns events whose kind starts with prefix.
func (e *Engine) Subscribe(prefix string, buf int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(prefix, buf)
}

// Invite returns an invite for a one-to-one verification, or for the
// group chatID when it is non-zero.
func (e *Engine) Invite(ctx context.Context, chatID int64) (*securejoin.Invite, error) {
	return e.handshake.Invite(ctx, chatID)
}

// Join starts a handshake from invite text and returns the chat it leads
// to. The handshake completes in the background.
func (e *Engine) Join(ctx context.Context, text string) (int64, error) {
	return e.handshake.Join(ctx, text)
}

// Handshakes lists the joiner handshakes in progress.
func (e *Engine) Handshakes() []securejoin.SessionInfo {
	return e.handshake.Sessions()
}

// CancelHandshake aborts the handshake started from inviteNumber.
func (e *Engine) CancelHandshake(inviteNumber string) error {
	return e.handshake.Cancel(inviteNumber)
}

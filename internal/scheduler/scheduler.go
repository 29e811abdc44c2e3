// Package scheduler runs the IO loops of one account: a watch loop per
// folder, the SMTP and IMAP job loops, a folder scan loop and the
// housekeeping loop. Stop waits for every loop, so no store write is in
// flight once it returns.
package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/housekeeping"
	"github.com/matheus3301/postbox/internal/ingest"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/status"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/transport"
)

// Config holds the loop settings.
type Config struct {
	Mvbox                string
	WatchMvbox           bool
	WatchSentbox         bool
	ScanInterval         time.Duration
	PollInterval         time.Duration
	IdleTimeout          time.Duration
	HousekeepingInterval time.Duration
	FetchBatch           int
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
}

// ConfigFrom extracts the scheduler settings.
func ConfigFrom(s *config.Settings) Config {
	return Config{
		Mvbox:                s.Folders.Mvbox,
		WatchMvbox:           s.Folders.WatchMvbox,
		WatchSentbox:         s.Folders.WatchSentbox,
		ScanInterval:         s.Folders.ScanInterval,
		PollInterval:         s.Folders.PollInterval,
		IdleTimeout:          s.Folders.IdleTimeout,
		HousekeepingInterval: s.Housekeeping.Interval,
	}
}

// Scheduler owns the loops. Start and Stop may be called repeatedly.
type Scheduler struct {
	transport transport.Transport
	in        *ingest.Ingester
	queue     *outbox.Queue
	hk        *housekeeping.Manager
	markers   *Markers
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
	cfg       Config

	smtp      *Waker
	imap      *Waker
	scan      *Waker
	housekeep *Waker
	fullPass  atomic.Bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	watched map[string]*Waker
}

// New creates a stopped scheduler.
func New(t transport.Transport, db *store.DB, in *ingest.Ingester, q *outbox.Queue, hk *housekeeping.Manager,
	m *status.Machine, b *bus.Bus, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 23 * time.Minute
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = 24 * time.Hour
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Minute
	}
	logger = logger.Named("scheduler")
	s := &Scheduler{
		transport: t,
		in:        in,
		queue:     q,
		hk:        hk,
		markers:   NewMarkers(db, logger),
		machine:   m,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
		smtp:      NewWaker(),
		imap:      NewWaker(),
		scan:      NewWaker(),
		housekeep: NewWaker(),
	}
	q.OnNotify(s.Notify)
	return s
}

// Running reports whether the loops are started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start launches every loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errs.ErrEngineRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.group, s.ctx = errgroup.WithContext(ctx)
	s.cancel = cancel
	s.watched = map[string]*Waker{}

	_ = s.machine.Transition(status.Connecting)
	s.group.Go(func() error { return s.sendLoop(s.ctx) })
	s.group.Go(func() error { return s.jobLoop(s.ctx) })
	s.group.Go(func() error { return s.scanLoop(s.ctx) })
	s.group.Go(func() error { return s.housekeepingLoop(s.ctx) })
	s.watchLocked("INBOX", transport.RoleInbox)
	if s.cfg.WatchMvbox && s.cfg.Mvbox != "" {
		s.watchLocked(s.cfg.Mvbox, transport.RoleChats)
	}
	s.logger.Info("started")
	return nil
}

// Stop cancels every loop and waits until they returned. Work that was
// mid-transaction commits or rolls back first.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	_ = s.machine.Transition(status.Stopped)
	s.logger.Info("stopped")
	return err
}

func (s *Scheduler) watchLocked(folder string, role transport.Role) {
	if s.cancel == nil || s.ctx.Err() != nil {
		return
	}
	if _, ok := s.watched[folder]; ok {
		return
	}
	w := NewWaker()
	s.watched[folder] = w
	ctx := s.ctx
	s.group.Go(func() error { return s.folderLoop(ctx, folder, role, w) })
}

func (s *Scheduler) watch(folder string, role transport.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchLocked(folder, role)
}

func (s *Scheduler) watchedFolders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watched))
	for f := range s.watched {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Notify wakes the loop of job thread t.
func (s *Scheduler) Notify(t store.Thread) {
	switch t {
	case store.ThreadSMTP:
		s.smtp.Wake()
	case store.ThreadIMAP:
		s.imap.Wake()
	}
}

// Interrupt makes every loop check for work now, e.g. after the network
// came back.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	for _, w := range s.watched {
		w.Wake()
	}
	s.mu.Unlock()
	s.smtp.Wake()
	s.imap.Wake()
	s.scan.Wake()
}

// ExpiryChanged makes the housekeeping loop recompute when the next
// ephemeral message is due.
func (s *Scheduler) ExpiryChanged() {
	s.housekeep.Wake()
}

// RunHousekeeping asks the housekeeping loop for a full pass.
func (s *Scheduler) RunHousekeeping() {
	s.fullPass.Store(true)
	s.housekeep.Wake()
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitial
	b.MaxInterval = s.cfg.ReconnectMax
	b.Reset()
	return b
}

// enter moves the shared machine to st. Leaving Error goes through
// Connecting; a refused transition is not an error for the loops.
func (s *Scheduler) enter(st status.State) {
	if cur := s.machine.Current(); cur == st {
		return
	} else if cur == status.Error && st != status.Connecting {
		_ = s.machine.Transition(status.Connecting)
	}
	_ = s.machine.Transition(st)
}

// reportError publishes a loop failure. Transport failures are network
// errors; anything else, storage included, is reported as other.
func (s *Scheduler) reportError(log *zap.Logger, task string, err error) {
	var te *errs.TransportError
	if errors.As(err, &te) {
		log.Warn("network error", zap.Error(err))
		_ = s.machine.Fail(err)
		s.bus.Emit(bus.ErrorNetwork, bus.ErrorEvent{Task: task, Err: err.Error()})
		return
	}
	if errs.IsAuthError(err) {
		log.Error("login failed", zap.Error(err))
		_ = s.machine.Fail(err)
	} else {
		log.Error("task failed", zap.Error(err), zap.Stack("stack"))
	}
	s.bus.Emit(bus.ErrorOther, bus.ErrorEvent{Task: task, Err: err.Error()})
}

// connect opens a mailbox session, retrying with backoff until it works or
// ctx ends.
func (s *Scheduler) connect(ctx context.Context, log *zap.Logger, task string, w *Waker, bo *backoff.ExponentialBackOff) (transport.Mailbox, error) {
	for {
		if s.machine.Current() == status.Error {
			s.enter(status.Connecting)
		}
		mb, err := s.transport.Mailbox(ctx)
		if err == nil {
			bo.Reset()
			return mb, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.reportError(log, task, err)
		if _, err := w.Wait(ctx, bo.NextBackOff()); err != nil {
			return nil, err
		}
	}
}

func closeMailbox(mb transport.Mailbox, log *zap.Logger) {
	if mb == nil {
		return
	}
	if err := mb.Close(); err != nil {
		log.Debug("closing mailbox", zap.Error(err))
	}
}

// folderLoop fetches new mail of one folder and then waits for the next
// change, with IDLE when the server supports it and by polling otherwise.
func (s *Scheduler) folderLoop(ctx context.Context, folder string, role transport.Role, w *Waker) error {
	task := "folder:" + folder
	log := s.logger.With(zap.String("task", task))
	bo := s.newBackoff()
	var mb transport.Mailbox
	defer func() { closeMailbox(mb, log) }()

	for ctx.Err() == nil {
		if mb == nil {
			var err error
			if mb, err = s.connect(ctx, log, task, w, bo); err != nil {
				return nil
			}
		}
		s.enter(status.Working)
		n, err := s.fetchFolder(ctx, mb, folder, role)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.reportError(log, task, err)
			closeMailbox(mb, log)
			mb = nil
			if _, err := w.Wait(ctx, bo.NextBackOff()); err != nil {
				return nil
			}
			continue
		}
		bo.Reset()
		if n > 0 {
			log.Debug("fetched", zap.Int("count", n))
			s.ExpiryChanged()
		}

		s.enter(status.Idle)
		err = mb.Idle(ctx, folder, s.cfg.IdleTimeout, w.C())
		if errors.Is(err, transport.ErrIdleUnsupported) {
			_, err = w.Wait(ctx, s.cfg.PollInterval)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.reportError(log, task, err)
			closeMailbox(mb, log)
			mb = nil
		}
	}
	return nil
}

// fetchFolder ingests every message above the folder's marker, in UID
// order, and advances the marker after each one.
func (s *Scheduler) fetchFolder(ctx context.Context, mb transport.Mailbox, folder string, role transport.Role) (int, error) {
	pos, err := s.markers.Get(ctx, folder)
	if err != nil {
		return 0, err
	}
	since := max(pos.UIDNext, 1)
	total := 0
	for {
		state, msgs, err := mb.Fetch(ctx, folder, since, s.cfg.FetchBatch)
		if err != nil {
			return total, err
		}
		if state.UIDValidity != pos.UIDValidity {
			if err := s.markers.Reset(context.WithoutCancel(ctx), folder, state.UIDValidity); err != nil {
				return total, err
			}
			pos.UIDValidity = state.UIDValidity
			if since != 1 {
				since = 1
				continue
			}
		}
		for _, m := range msgs {
			src := ingest.Source{Folder: folder, UID: m.UID, Role: role, Seen: m.Seen}
			if _, err := s.in.Ingest(ctx, m.Raw, src); err != nil {
				return total, err
			}
			since = m.UID + 1
			if err := s.markers.Advance(context.WithoutCancel(ctx), folder, since); err != nil {
				return total, err
			}
			total++
			if err := ctx.Err(); err != nil {
				return total, err
			}
		}
		if len(msgs) < s.cfg.FetchBatch {
			return total, nil
		}
	}
}

// sendLoop drains the SMTP job thread and sleeps until the next job is
// due or new work is queued.
func (s *Scheduler) sendLoop(ctx context.Context) error {
	log := s.logger.With(zap.String("task", "send"))
	for ctx.Err() == nil {
		due, err := s.queue.Drain(ctx, store.ThreadSMTP, nil)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.reportError(log, "send", err)
		}
		if _, err := s.smtp.Wait(ctx, untilDue(due)); err != nil {
			return nil
		}
	}
	return nil
}

// jobLoop drains the IMAP job thread over its own session.
func (s *Scheduler) jobLoop(ctx context.Context) error {
	log := s.logger.With(zap.String("task", "imap-jobs"))
	bo := s.newBackoff()
	var mb transport.Mailbox
	defer func() { closeMailbox(mb, log) }()

	for ctx.Err() == nil {
		if mb == nil {
			var err error
			if mb, err = s.connect(ctx, log, "imap-jobs", s.imap, bo); err != nil {
				return nil
			}
		}
		due, err := s.queue.Drain(ctx, store.ThreadIMAP, mb)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.reportError(log, "imap-jobs", err)
			closeMailbox(mb, log)
			mb = nil
		}
		if _, err := s.imap.Wait(ctx, untilDue(due)); err != nil {
			return nil
		}
	}
	return nil
}

func untilDue(due time.Time) time.Duration {
	if due.IsZero() {
		return 0
	}
	return max(time.Until(due), time.Millisecond)
}

// scanLoop lists the folders on every interval. It starts watch loops for
// the special folders configured to be watched, fetches the remaining ones
// once per round and forgets locations of messages expunged by other
// clients.
func (s *Scheduler) scanLoop(ctx context.Context) error {
	log := s.logger.With(zap.String("task", "scan"))
	bo := s.newBackoff()
	var mb transport.Mailbox
	defer func() { closeMailbox(mb, log) }()

	for ctx.Err() == nil {
		if mb == nil {
			var err error
			if mb, err = s.connect(ctx, log, "scan", s.scan, bo); err != nil {
				return nil
			}
		}
		if err := s.scanOnce(ctx, mb, log); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.reportError(log, "scan", err)
			closeMailbox(mb, log)
			mb = nil
		}
		if _, err := s.scan.Wait(ctx, s.cfg.ScanInterval); err != nil {
			return nil
		}
	}
	return nil
}

func (s *Scheduler) scanOnce(ctx context.Context, mb transport.Mailbox, log *zap.Logger) error {
	if s.cfg.WatchMvbox && s.cfg.Mvbox != "" {
		if err := mb.EnsureFolder(ctx, s.cfg.Mvbox); err != nil {
			return err
		}
	}
	folders, err := mb.ListFolders(ctx)
	if err != nil {
		return err
	}
	watched := s.watchedFolders()
	for _, f := range folders {
		if f.Role == transport.RoleSent && s.cfg.WatchSentbox {
			s.watch(f.Name, f.Role)
			continue
		}
		if slices.Contains(watched, f.Name) {
			continue
		}
		switch f.Role {
		case transport.RoleTrash, transport.RoleDrafts:
			continue
		}
		n, err := s.fetchFolder(ctx, mb, f.Name, f.Role)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("found mail outside watched folders", zap.String("folder", f.Name), zap.Int("count", n))
		}
	}
	for _, f := range s.watchedFolders() {
		uids, err := mb.UIDs(ctx, f)
		if err != nil {
			return err
		}
		n, err := s.markers.Reconcile(context.WithoutCancel(ctx), f, uids)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("messages expunged on server", zap.String("folder", f), zap.Int("count", n))
		}
	}
	return nil
}

// housekeepingLoop expires ephemeral messages when they are due and runs
// a full pass once per interval or on request.
func (s *Scheduler) housekeepingLoop(ctx context.Context) error {
	log := s.logger.With(zap.String("task", "housekeeping"))
	for ctx.Err() == nil {
		due, err := s.hk.Due(ctx, s.cfg.HousekeepingInterval)
		if err != nil && ctx.Err() == nil {
			s.reportError(log, "housekeeping", err)
		}
		if due || s.fullPass.Swap(false) {
			if _, err := s.hk.Run(ctx); err != nil && ctx.Err() == nil {
				s.reportError(log, "housekeeping", err)
			}
		} else if _, err := s.hk.ExpireEphemeral(ctx); err != nil && ctx.Err() == nil {
			s.reportError(log, "housekeeping", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := s.cfg.HousekeepingInterval
		next, err := s.hk.NextExpiry(ctx)
		if err == nil && !next.IsZero() {
			wait = min(wait, max(time.Until(next), time.Millisecond))
		}
		if _, err := s.housekeep.Wait(ctx, wait); err != nil {
			return nil
		}
	}
	return nil
}

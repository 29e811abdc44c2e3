// Package outbox is the durable delivery queue. Jobs live in the jobs table,
// are deduplicated per logical action and are drained by the scheduler, one
// thread (SMTP or IMAP) at a time.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/tracing"
	"github.com/matheus3301/postbox/internal/transport"
	"github.com/matheus3301/postbox/internal/trust"
)

// Config holds the delivery settings.
type Config struct {
	DisplayName        string
	MaxRecipients      int
	MaxTries           int
	BadAddressMaxTries int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BCCSelf            bool
}

// ConfigFrom extracts the delivery settings.
func ConfigFrom(s *config.Settings) Config {
	return Config{
		DisplayName:        s.DisplayName,
		MaxRecipients:      s.Delivery.MaxRecipients,
		MaxTries:           s.Delivery.MaxTries,
		BadAddressMaxTries: s.Delivery.BadAddressMaxTries,
		BackoffInitial:     s.Delivery.BackoffInitial,
		BackoffMax:         s.Delivery.BackoffMax,
		BCCSelf:            s.BCCSelf,
	}
}

// Queue executes jobs.
type Queue struct {
	db     *store.DB
	trust  *trust.Store
	smtp   transport.Submitter
	blobs  *blob.Dir
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	mu     sync.Mutex
	notify func(store.Thread)
}

// New creates a queue submitting through smtp.
func New(db *store.DB, ts *trust.Store, smtp transport.Submitter, blobs *blob.Dir, b *bus.Bus, logger *zap.Logger, cfg Config) *Queue {
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 50
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 1
	}
	if cfg.BadAddressMaxTries <= 0 {
		cfg.BadAddressMaxTries = 1
	}
	return &Queue{
		db:     db,
		trust:  ts,
		smtp:   smtp,
		blobs:  blobs,
		bus:    b,
		logger: logger.Named("outbox"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// OnNotify registers the function Notify forwards to, normally the
// scheduler's wake-up for the thread's loop.
func (q *Queue) OnNotify(fn func(store.Thread)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// Notify tells the loop of t that new work is queued. Call it after the
// transaction that enqueued the job has committed.
func (q *Queue) Notify(t store.Thread) {
	q.mu.Lock()
	fn := q.notify
	q.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// DedupKey names the logical action a job performs.
func DedupKey(a store.JobAction, foreignID int64) string {
	var prefix string
	switch a {
	case store.ActionSend:
		prefix = "send"
	case store.ActionSendMDN:
		prefix = "mdn"
	case store.ActionMarkSeen:
		prefix = "seen"
	case store.ActionRetract:
		prefix = "retract"
	default:
		prefix = strconv.Itoa(int(a))
	}
	return prefix + ":" + strconv.FormatInt(foreignID, 10)
}

// SendJob submits message m.
func SendJob(m *store.Message) *store.Job {
	return &store.Job{Action: store.ActionSend, ForeignID: m.ID, ChatID: m.ChatID}
}

// MDNJob sends a read receipt for the incoming message m.
func MDNJob(m *store.Message) *store.Job {
	return &store.Job{Action: store.ActionSendMDN, ForeignID: m.ID, ChatID: m.ChatID}
}

// SeenJob sets \Seen on the server copy of m.
func SeenJob(m *store.Message) *store.Job {
	return &store.Job{Action: store.ActionMarkSeen, ForeignID: m.ID}
}

// RetractJob deletes the server copy of message id.
func RetractJob(id int64) *store.Job {
	return &store.Job{Action: store.ActionRetract, ForeignID: id}
}

// Enqueue stores j inside the caller's transaction. A job repeating a
// logical action that is still queued is dropped; the result reports
// whether j was stored.
func Enqueue(ctx context.Context, tx *store.Queries, j *store.Job) (bool, error) {
	if j.DedupKey == "" {
		j.DedupKey = DedupKey(j.Action, j.ForeignID)
	}
	return tx.InsertJob(ctx, j)
}

// Drain runs every due job of thread t in submission order. mb is the IMAP
// session for IMAP-thread jobs and may be nil for the SMTP thread. A job
// of a chat that is not yet due holds back the later jobs of that chat.
// Drain returns the time the earliest remaining job becomes due, or the
// zero time when the thread has nothing queued.
func (q *Queue) Drain(ctx context.Context, t store.Thread, mb transport.Mailbox) (time.Time, error) {
	jobs, err := q.db.JobsForThread(ctx, t)
	if err != nil {
		return time.Time{}, fmt.Errorf("list jobs: %w", err)
	}

	held := map[int64]bool{}
	for i := range jobs {
		j := &jobs[i]
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		if j.ChatID != 0 && held[j.ChatID] {
			continue
		}
		if j.DesiredAt > q.now().UnixMilli() {
			if j.ChatID != 0 {
				held[j.ChatID] = true
			}
			continue
		}
		if !q.run(ctx, j, mb) && j.ChatID != 0 {
			held[j.ChatID] = true
		}
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	due, ok, err := q.db.NextJobDue(ctx, t)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.UnixMilli(due), nil
}

// run executes j and settles the outcome. It reports whether the job is
// finished, either done or terminally failed.
func (q *Queue) run(ctx context.Context, j *store.Job, mb transport.Mailbox) bool {
	ctx, span := tracing.Start(ctx, "outbox."+j.Action.String(),
		attribute.Int64("job.id", j.ID), attribute.Int("job.tries", j.Tries))

	var err error
	switch j.Action {
	case store.ActionSend:
		err = q.send(ctx, j)
	case store.ActionSendMDN:
		err = q.sendMDN(ctx, j)
	case store.ActionMarkSeen:
		err = q.markSeen(ctx, j, mb)
	case store.ActionRetract:
		err = q.retract(ctx, j, mb)
	default:
		err = errs.Wrap("run job", errs.Permanent, fmt.Errorf("unknown action %d", j.Action))
	}
	tracing.End(span, err)

	log := q.logger.With(zap.Int64("job", j.ID), zap.Stringer("action", j.Action), zap.Int64("foreign_id", j.ForeignID))
	if err == nil {
		if derr := q.db.DeleteJob(context.WithoutCancel(ctx), j.ID); derr != nil {
			log.Error("failed to delete finished job", zap.Error(derr))
		}
		log.Debug("job done")
		return true
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// interrupted: the attempt does not count
		return false
	}
	return q.settle(context.WithoutCancel(ctx), j, err, log)
}

// settle records a failed attempt. Permanent errors fail the job at once,
// bad-address errors after BadAddressMaxTries consecutive occurrences and
// anything else after MaxTries attempts. It reports whether the job failed
// terminally.
func (q *Queue) settle(ctx context.Context, j *store.Job, cause error, log *zap.Logger) bool {
	j.Tries++
	j.LastError = cause.Error()
	class := errs.ClassOf(cause)

	terminal := false
	switch class {
	case errs.Permanent:
		terminal = true
	case errs.BadAddress:
		j.BadAddrTries++
		terminal = j.BadAddrTries >= q.cfg.BadAddressMaxTries
	default:
		j.BadAddrTries = 0
	}
	if j.Tries >= q.cfg.MaxTries {
		terminal = true
	}
	if terminal {
		q.fail(ctx, j, cause, log)
		return true
	}

	delay := q.delay(j.Tries)
	j.DesiredAt = q.now().Add(delay).UnixMilli()
	if err := q.db.UpdateJob(ctx, j); err != nil {
		log.Error("failed to reschedule job", zap.Error(err))
	}
	log.Warn("job failed, retrying",
		zap.Error(cause),
		zap.Stringer("class", class),
		zap.Int("tries", j.Tries),
		zap.Duration("delay", delay))
	if class == errs.Transient {
		q.bus.Emit(bus.ErrorNetwork, bus.ErrorEvent{Task: j.Action.String(), Err: cause.Error()})
	}
	return false
}

// delay returns the backoff before attempt tries+1: exponential from
// BackoffInitial, capped at BackoffMax, with 25% jitter.
func (q *Queue) delay(tries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BackoffInitial
	b.MaxInterval = q.cfg.BackoffMax
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.Reset()
	var d time.Duration
	for range max(tries, 1) {
		d = b.NextBackOff()
	}
	return d
}

func (q *Queue) fail(ctx context.Context, j *store.Job, cause error, log *zap.Logger) {
	var failed *store.Message
	err := q.db.InTx(ctx, func(tx *store.Queries) error {
		failed = nil
		if err := tx.DeleteJob(ctx, j.ID); err != nil {
			return err
		}
		if j.Action != store.ActionSend {
			return nil
		}
		m, err := tx.MessageByID(ctx, j.ForeignID)
		if err != nil || m == nil {
			return err
		}
		if err := tx.SetMessageState(ctx, m.ID, store.StateOutFailed, cause.Error()); err != nil {
			return err
		}
		failed = m
		return nil
	})
	if err != nil {
		log.Error("failed to record job failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Error("job failed permanently", zap.Error(cause), zap.Int("tries", j.Tries))
	if failed != nil {
		q.bus.Emit(bus.MsgFailed, bus.MsgFailedEvent{ChatID: failed.ChatID, MsgID: failed.ID, Error: cause.Error()})
	}
	q.bus.Emit(bus.JobFailed, bus.JobEvent{JobID: j.ID, Action: j.Action.String(), Error: cause.Error()})
}

// Package housekeeping expires ephemeral messages and keeps the account
// tidy: retention, tombstones, orphaned blobs and stale-config reminders.
package housekeeping

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/outbox"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/tracing"
)

const (
	batchSize = 100
	// orphanAge keeps blobs of messages still being written.
	orphanAge    = time.Hour
	tombstoneAge = 7 * 24 * time.Hour
	// maxClampRounds bounds the thread depth one pass reconciles.
	maxClampRounds = 32
)

// Config holds the retention settings.
type Config struct {
	DeleteDeviceAfter time.Duration
	DeleteServerAfter time.Duration
	StaleConfigAfter  time.Duration
}

// ConfigFrom extracts the housekeeping settings.
func ConfigFrom(s *config.Settings) Config {
	return Config{
		DeleteDeviceAfter: s.Retention.DeleteDeviceAfter,
		DeleteServerAfter: s.Retention.DeleteServerAfter,
		StaleConfigAfter:  s.Housekeeping.StaleConfigAfter,
	}
}

// Notifier wakes the loop draining a job thread.
type Notifier interface {
	Notify(t store.Thread)
}

// Report summarizes one housekeeping run.
type Report struct {
	Started       int64
	Clamped       int
	Expired       int
	DeviceDeleted int
	ServerDeleted int
	Tombstones    int64
	Blobs         int
	Reminder      bool
}

// Manager runs housekeeping for one account.
type Manager struct {
	db     *store.DB
	blobs  *blob.Dir
	bus    *bus.Bus
	notify Notifier
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

// New creates a Manager.
func New(db *store.DB, blobs *blob.Dir, b *bus.Bus, notify Notifier, logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		db:     db,
		blobs:  blobs,
		bus:    b,
		notify: notify,
		logger: logger.Named("housekeeping"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// trash moves ids to the trash in one transaction and queues the deletion
// of their server copies when retract is set. It returns the number of
// server deletions queued.
func (m *Manager) trash(ctx context.Context, ids []int64, retract bool) (int, error) {
	queued := 0
	err := m.db.InTx(context.WithoutCancel(ctx), func(tx *store.Queries) error {
		refs, err := tx.TrashMessages(ctx, ids)
		if err != nil {
			return err
		}
		if !retract {
			return nil
		}
		for _, r := range refs {
			if r.UID == 0 {
				continue
			}
			if _, err := outbox.Enqueue(ctx, tx, outbox.RetractJob(r.ID)); err != nil {
				return err
			}
			queued++
		}
		return nil
	})
	return queued, err
}

// ExpireEphemeral trashes every message whose ephemeral expiry has passed
// and queues the deletion of its server copy. It works in batches and
// returns early with ctx's error once ctx is done; finished batches stay
// committed.
func (m *Manager) ExpireEphemeral(ctx context.Context) (int, error) {
	total, retracted := 0, 0
	defer func() {
		if total > 0 {
			m.bus.Emit(bus.MsgsChanged, bus.MsgEvent{})
		}
		if retracted > 0 && m.notify != nil {
			m.notify.Notify(store.ThreadIMAP)
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ids, err := m.db.ExpiredMessages(ctx, m.now().UnixMilli(), batchSize)
		if err != nil {
			return total, fmt.Errorf("list expired messages: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		n, err := m.trash(ctx, ids, true)
		if err != nil {
			return total, fmt.Errorf("expire messages: %w", err)
		}
		total += len(ids)
		retracted += n
		m.logger.Debug("expired ephemeral messages", zap.Int("count", len(ids)))
		if len(ids) < batchSize {
			return total, nil
		}
	}
}

// NextExpiry returns when the next ephemeral message expires, or the zero
// time when none is pending.
func (m *Manager) NextExpiry(ctx context.Context) (time.Time, error) {
	ts, err := m.db.NextEphemeralExpiry(ctx, m.now().UnixMilli())
	if err != nil || ts == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ts), nil
}

// Run performs a full housekeeping pass. A cancelled ctx stops the pass
// between steps and batches.
func (m *Manager) Run(ctx context.Context) (rep *Report, err error) {
	ctx, span := tracing.Start(ctx, "housekeeping.run")
	defer func() { tracing.End(span, err) }()

	now := m.now()
	rep = &Report{Started: now.UnixMilli()}

	if n, err := m.db.StartPendingEphemeral(ctx); err != nil {
		return rep, fmt.Errorf("start ephemeral timers: %w", err)
	} else if n > 0 {
		m.logger.Info("started pending ephemeral timers", zap.Int64("count", n))
	}
	if rep.Clamped, err = m.clampReplies(ctx, now); err != nil {
		return rep, err
	}
	if rep.Expired, err = m.ExpireEphemeral(ctx); err != nil {
		return rep, err
	}
	if rep.DeviceDeleted, err = m.deleteDevice(ctx, now); err != nil {
		return rep, err
	}
	if rep.ServerDeleted, err = m.deleteServer(ctx, now); err != nil {
		return rep, err
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if rep.Tombstones, err = m.db.PruneTombstones(ctx, now.Add(-tombstoneAge).UnixMilli()); err != nil {
		return rep, fmt.Errorf("prune tombstones: %w", err)
	}
	if rep.Blobs, err = m.removeOrphans(ctx, now); err != nil {
		return rep, err
	}
	if rep.Reminder, err = m.remindStale(ctx, now); err != nil {
		return rep, err
	}

	if err := m.db.SetConfigInt64(ctx, store.KeyLastHousekeep, now.UnixMilli()); err != nil {
		return rep, fmt.Errorf("record housekeeping: %w", err)
	}
	if err := m.db.Checkpoint(ctx); err != nil {
		m.logger.Warn("wal checkpoint failed", zap.Error(err))
	}
	span.SetAttributes(
		attribute.Int("expired", rep.Expired),
		attribute.Int("device_deleted", rep.DeviceDeleted),
		attribute.Int("server_deleted", rep.ServerDeleted),
		attribute.Int("blobs", rep.Blobs),
	)
	m.logger.Info("housekeeping done",
		zap.Int("expired", rep.Expired),
		zap.Int("device_deleted", rep.DeviceDeleted),
		zap.Int("server_deleted", rep.ServerDeleted),
		zap.Int64("tombstones", rep.Tombstones),
		zap.Int("blobs", rep.Blobs))
	m.bus.Emit(bus.HousekeepingDone, *rep)
	return rep, nil
}

// clampReplies gives replies that outlive their parent the parent's timer.
// Each round handles one level of a thread; clamped replies may in turn
// clamp their own replies in the next round.
func (m *Manager) clampReplies(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for range maxClampRounds {
		var n int
		err := m.db.InTx(ctx, func(tx *store.Queries) error {
			clamps, err := tx.OverlongReplies(ctx, batchSize)
			if err != nil {
				return err
			}
			for _, c := range clamps {
				if err := tx.ClampEphemeralTimer(ctx, c.ID, c.Timer, now.UnixMilli()); err != nil {
					return err
				}
			}
			n = len(clamps)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("clamp reply timers: %w", err)
		}
		total += n
		if n == 0 || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		m.logger.Info("clamped reply timers", zap.Int("count", total))
	}
	return total, ctx.Err()
}

// Due reports whether a full pass is owed after interval.
func (m *Manager) Due(ctx context.Context, interval time.Duration) (bool, error) {
	last, err := m.db.GetConfigInt64(ctx, store.KeyLastHousekeep)
	if err != nil {
		return false, err
	}
	return m.now().Sub(time.UnixMilli(last)) >= interval, nil
}

func (m *Manager) deleteDevice(ctx context.Context, now time.Time) (int, error) {
	if m.cfg.DeleteDeviceAfter <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-m.cfg.DeleteDeviceAfter).UnixMilli()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ids, err := m.db.MessagesOlderThan(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("list old messages: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		if _, err := m.trash(ctx, ids, false); err != nil {
			return total, fmt.Errorf("delete old messages: %w", err)
		}
		total += len(ids)
		if len(ids) < batchSize {
			break
		}
	}
	if total > 0 {
		m.bus.Emit(bus.MsgsChanged, bus.MsgEvent{})
	}
	return total, nil
}

// deleteServer queues the removal of server copies past the server
// retention age. The local messages stay.
func (m *Manager) deleteServer(ctx context.Context, now time.Time) (int, error) {
	if m.cfg.DeleteServerAfter <= 0 {
		return 0, nil
	}
	refs, err := m.db.ServerCopiesOlderThan(ctx, now.Add(-m.cfg.DeleteServerAfter).UnixMilli(), 10*batchSize)
	if err != nil {
		return 0, fmt.Errorf("list old server copies: %w", err)
	}
	queued := 0
	err = m.db.InTx(context.WithoutCancel(ctx), func(tx *store.Queries) error {
		for _, r := range refs {
			added, err := outbox.Enqueue(ctx, tx, outbox.RetractJob(r.ID))
			if err != nil {
				return err
			}
			if added {
				queued++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue server deletions: %w", err)
	}
	if queued > 0 && m.notify != nil {
		m.notify.Notify(store.ThreadIMAP)
	}
	return queued, nil
}

// removeOrphans deletes blob files no message refers to. Recent files are
// kept since their message may not be committed yet.
func (m *Manager) removeOrphans(ctx context.Context, now time.Time) (int, error) {
	entries, err := m.blobs.List()
	if err != nil {
		return 0, fmt.Errorf("list blobs: %w", err)
	}
	used, err := m.db.ReferencedFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list referenced blobs: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if used[e.Name] || now.Sub(e.ModTime) < orphanAge {
			continue
		}
		if err := m.blobs.Remove(e.Name); err != nil {
			m.logger.Warn("cannot remove orphaned blob", zap.String("file", e.Name), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// remindStale posts a device message when the account was configured long
// ago, at most once per StaleConfigAfter.
func (m *Manager) remindStale(ctx context.Context, now time.Time) (bool, error) {
	if m.cfg.StaleConfigAfter <= 0 {
		return false, nil
	}
	configured, err := m.db.GetConfigInt64(ctx, store.KeyConfiguredAt)
	if err != nil || configured == 0 {
		return false, err
	}
	last, err := m.db.GetConfigInt64(ctx, store.KeyStaleReminderAt)
	if err != nil {
		return false, err
	}
	age := m.cfg.StaleConfigAfter.Milliseconds()
	ts := now.UnixMilli()
	if ts-configured < age || ts-last < age {
		return false, nil
	}

	var msg *store.Message
	err = m.db.InTx(ctx, func(tx *store.Queries) error {
		mid := "stale-config-" + strconv.FormatInt(ts, 10) + "@localhost"
		text := fmt.Sprintf("This account was set up %d days ago. Check that the server settings are still current.",
			(ts-configured)/(24*time.Hour).Milliseconds())
		if msg, err = tx.AddDeviceMessage(ctx, mid, text, ts); err != nil {
			return err
		}
		return tx.SetConfigInt64(ctx, store.KeyStaleReminderAt, ts)
	})
	if err != nil {
		return false, fmt.Errorf("stale config reminder: %w", err)
	}
	m.logger.Info("configuration looks stale", zap.Time("configured_at", time.UnixMilli(configured)))
	if msg == nil {
		return false, nil
	}
	m.bus.Emit(bus.ConfigStale, bus.ChatEvent{ChatID: msg.ChatID})
	m.bus.Emit(bus.MsgIncoming, bus.MsgEvent{ChatID: msg.ChatID, MsgID: msg.ID})
	return true, nil
}

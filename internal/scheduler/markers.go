package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/transport"
)

// Markers keeps the per-folder fetch position: the UID validity seen last
// and the next UID to fetch.
type Markers struct {
	db     *store.DB
	logger *zap.Logger
}

// NewMarkers creates a marker store.
func NewMarkers(db *store.DB, logger *zap.Logger) *Markers {
	return &Markers{db: db, logger: logger}
}

func validityKey(folder string) string { return "imap." + folder + ".uidvalidity" }
func uidNextKey(folder string) string  { return "imap." + folder + ".uidnext" }

// Get returns the stored position of folder; zeros when never fetched.
func (m *Markers) Get(ctx context.Context, folder string) (transport.FolderState, error) {
	v, err := m.db.GetConfigInt64(ctx, validityKey(folder))
	if err != nil {
		return transport.FolderState{}, err
	}
	n, err := m.db.GetConfigInt64(ctx, uidNextKey(folder))
	if err != nil {
		return transport.FolderState{}, err
	}
	return transport.FolderState{UIDValidity: uint32(v), UIDNext: uint32(n)}, nil
}

// Advance records that everything below next was processed.
func (m *Markers) Advance(ctx context.Context, folder string, next uint32) error {
	return m.db.SetConfigInt64(ctx, uidNextKey(folder), int64(next))
}

// Reset starts folder over under a new UID validity. Stored server
// locations in folder no longer mean anything and are forgotten; refetched
// messages get them back through deduplication.
func (m *Markers) Reset(ctx context.Context, folder string, validity uint32) error {
	err := m.db.InTx(ctx, func(tx *store.Queries) error {
		refs, err := tx.ServerRefs(ctx, folder)
		if err != nil {
			return err
		}
		ids := make([]int64, len(refs))
		for i, r := range refs {
			ids[i] = r.ID
		}
		if err := tx.ClearServerLocation(ctx, ids); err != nil {
			return err
		}
		if err := tx.SetConfigInt64(ctx, validityKey(folder), int64(validity)); err != nil {
			return err
		}
		return tx.SetConfigInt64(ctx, uidNextKey(folder), 1)
	})
	if err != nil {
		return fmt.Errorf("reset markers for %s: %w", folder, err)
	}
	m.logger.Info("folder uid validity changed", zap.String("folder", folder), zap.Uint32("uidvalidity", validity))
	return nil
}

// Reconcile forgets server locations in folder whose UID is no longer on
// the server, i.e. messages another client expunged.
func (m *Markers) Reconcile(ctx context.Context, folder string, onServer []uint32) (int, error) {
	present := make(map[int64]bool, len(onServer))
	var highest int64
	for _, uid := range onServer {
		present[int64(uid)] = true
		highest = max(highest, int64(uid))
	}
	refs, err := m.db.ServerRefs(ctx, folder)
	if err != nil {
		return 0, err
	}
	var gone []int64
	for _, r := range refs {
		// newer rows may have arrived after the listing
		if !present[r.UID] && (len(onServer) == 0 || r.UID < highest) {
			gone = append(gone, r.ID)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	if err := m.db.ClearServerLocation(ctx, gone); err != nil {
		return 0, fmt.Errorf("forget expunged messages in %s: %w", folder, err)
	}
	return len(gone), nil
}

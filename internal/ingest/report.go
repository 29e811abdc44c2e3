package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/wire"
)

// report applies a read receipt or a delivery failure report and keeps
// the report itself as a tombstone.
func (r *run) report(ctx context.Context) (*Result, error) {
	rep := r.p.Report
	orig, err := r.tx.MessageByRFC724MID(ctx, rep.OriginalMessageID)
	if err != nil {
		return nil, err
	}
	if orig != nil && orig.ChatID > store.ChatIDLastSpecial {
		switch rep.Kind {
		case wire.ReportMDN:
			err = r.applyMDN(ctx, orig)
		case wire.ReportDSN:
			err = r.applyDSN(ctx, orig, rep)
		}
		if err != nil {
			return nil, err
		}
	}
	res, err := r.tombstone(ctx)
	if err != nil {
		return nil, err
	}
	res.Outcome = Report
	return res, nil
}

func (r *run) applyMDN(ctx context.Context, orig *store.Message) error {
	tx := r.tx
	if r.fromSelf {
		// read on another device
		if orig.FromID == store.ContactIDSelf {
			return nil
		}
		changed, err := tx.MarkSeen(ctx, []int64{orig.ID}, r.now)
		if err != nil {
			return err
		}
		for _, m := range changed {
			r.emit(bus.MsgsChanged, bus.MsgEvent{ChatID: m.ChatID, MsgID: m.ID})
		}
		return nil
	}
	if orig.FromID != store.ContactIDSelf {
		return nil
	}
	if err := tx.RecordMDN(ctx, orig.ID, r.fromID, r.sentAt); err != nil {
		return err
	}
	chat, err := tx.ChatByID(ctx, orig.ChatID)
	if err != nil || chat == nil {
		return err
	}
	if chat.Type == store.ChatTypeSingle && orig.State != store.StateOutMdnRcvd && orig.State != store.StateOutFailed {
		if err := tx.SetMessageState(ctx, orig.ID, store.StateOutMdnRcvd, ""); err != nil {
			return err
		}
	}
	r.emit(bus.MsgRead, bus.MsgEvent{ChatID: orig.ChatID, MsgID: orig.ID})
	return nil
}

// applyDSN fails every message sent in the same batch as the bounced one.
func (r *run) applyDSN(ctx context.Context, orig *store.Message, rep *wire.Report) error {
	if !rep.Failed || orig.FromID != store.ContactIDSelf {
		return nil
	}
	reason := rep.Diagnostic
	if reason == "" {
		reason = "delivery failed"
	}
	batch := orig.SendBatch
	if batch == "" {
		batch = orig.RFC724MID
	}
	failed, err := r.tx.FailSendBatch(ctx, batch, reason)
	if err != nil {
		return err
	}
	r.in.logger.Info("delivery failure reported",
		zap.String("message_id", orig.RFC724MID),
		zap.Strings("recipients", rep.FailedRecipients),
		zap.Int("failed", len(failed)))
	for _, m := range failed {
		r.emit(bus.MsgFailed, bus.MsgFailedEvent{ChatID: m.ChatID, MsgID: m.ID, Error: reason})
	}
	return nil
}

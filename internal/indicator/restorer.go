package indicator

import (
	"context"
	"log/slog"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
)

// Restorer checkpoints and restores engine state through a snapshot store.
// Restoration follows a priority chain: stored snapshot for today → cold
// start (the caller backfills from broker history).
type Restorer struct {
	store model.SnapshotStore
	log   *slog.Logger
}

// NewRestorer creates a Restorer. A nil store disables checkpointing.
func NewRestorer(store model.SnapshotStore) *Restorer {
	return &Restorer{store: store, log: logger.Component("indicator-restorer")}
}

// Restore loads today's snapshot into the engine. It reports whether a
// snapshot was applied; any failure leaves the engine cold for session.
func (r *Restorer) Restore(ctx context.Context, e *Engine, session string) bool {
	if r.store == nil {
		e.ResetSession(session)
		return false
	}
	data, err := r.store.LoadSnapshotJSON(ctx, session)
	if err != nil {
		r.log.Warn("snapshot load failed, cold starting", "session", session, "error", err)
		e.ResetSession(session)
		return false
	}
	if data == nil {
		r.log.Info("no snapshot found, cold starting", "session", session)
		e.ResetSession(session)
		return false
	}
	snap, err := UnmarshalSnapshot(data)
	if err == nil {
		err = RestoreEngine(e, snap, session)
	}
	if err != nil {
		r.log.Warn("snapshot restore failed, cold starting", "session", session, "error", err)
		e.ResetSession(session)
		return false
	}
	r.log.Info("restored indicator engine from snapshot", "session", session, "instruments", len(snap.Instruments))
	return true
}

// Checkpoint writes the engine state for its current session. Best-effort.
func (r *Restorer) Checkpoint(ctx context.Context, e *Engine) error {
	if r.store == nil || e.Session() == "" {
		return nil
	}
	data, err := SnapshotEngine(e).Marshal()
	if err != nil {
		return err
	}
	if err := r.store.SaveSnapshotJSON(ctx, e.Session(), data); err != nil {
		r.log.Warn("snapshot save failed", "session", e.Session(), "error", err)
		return err
	}
	return nil
}

package syncmanager

import (
	"context"
	"errors"
	"log/slog"

	"github.com/syncharbor/syncharbor/internal/change"
	"github.com/syncharbor/syncharbor/internal/index"
	"github.com/syncharbor/syncharbor/internal/localfs"
)

// drainLocalEvents reads every NormalizedEvent the local adapter's emit
// callback feeds onto localEvents and translates it into a Change. It runs
// for the Manager's whole lifetime, started before the initial sync pass so
// that a startup ScanNow's synthetic events are consumed immediately rather
// than blocking on an unread channel.
func (m *Manager) drainLocalEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-m.localEvents:
			if !ok {
				return nil
			}
			m.handleLocalEvent(ev)
		}
	}
}

func (m *Manager) handleLocalEvent(ev localfs.NormalizedEvent) {
	ctx := context.Background()

	switch ev.Type {
	case change.TypeNew:
		m.handleLocalNew(ctx, ev)
	case change.TypeUpdate:
		m.handleLocalUpdate(ctx, ev)
	case change.TypeMove:
		m.handleLocalMove(ctx, ev)
	case change.TypeDelete:
		m.handleLocalDelete(ctx, ev)
	}
}

// handleLocalNew assigns a fresh global_id and dispatches a LocalNew Change.
// The FileRecord itself is written by LocalUpload's completion callback
// (MaterializeNew), which runs on the dispatcher's single writer goroutine —
// not here, to keep every index mutation funneled through one writer.
func (m *Manager) handleLocalNew(ctx context.Context, ev localfs.NormalizedEvent) {
	globalID := newChangeID()
	ch := m.factory.NewLocalNew(newChangeID(), globalID, ev.RelPath, ev.IsDir, ev.Mtime, ev.Size, ev.LocalHash)
	m.dispatchSerialized(globalID, ch)
}

func (m *Manager) handleLocalUpdate(ctx context.Context, ev localfs.NormalizedEvent) {
	rec, err := m.store.GetFileRecordByRelPath(ctx, ev.RelPath)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			m.handleLocalNew(ctx, ev)
			return
		}
		m.logger.Error("local update: lookup failed", slog.String("path", ev.RelPath), slog.String("error", err.Error()))
		return
	}

	ch := m.factory.NewLocalUpdate(newChangeID(), rec.GlobalID, ev.RelPath, ev.IsDir, ev.Mtime, ev.Size, ev.LocalHash)
	m.dispatchSerialized(rec.GlobalID, ch)
}

func (m *Manager) handleLocalMove(ctx context.Context, ev localfs.NormalizedEvent) {
	rec, err := m.store.GetFileRecordByRelPath(ctx, ev.OldRelPath)
	if err != nil {
		m.logger.Warn("local move: no record for old path, treating as new", slog.String("old_path", ev.OldRelPath), slog.String("new_path", ev.RelPath))
		m.handleLocalNew(ctx, localfs.NormalizedEvent{Type: change.TypeNew, RelPath: ev.RelPath, IsDir: ev.IsDir, Mtime: ev.Mtime, Size: ev.Size, LocalHash: ev.LocalHash, HasHash: ev.HasHash})
		return
	}

	ch := m.factory.NewMove(newChangeID(), rec.GlobalID, ev.OldRelPath, ev.RelPath, ev.IsDir, ev.Mtime, change.LocalCloudID)
	m.dispatchSerialized(rec.GlobalID, ch)
}

func (m *Manager) handleLocalDelete(ctx context.Context, ev localfs.NormalizedEvent) {
	rec, err := m.store.GetFileRecordByRelPath(ctx, ev.RelPath)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return
		}
		m.logger.Error("local delete: lookup failed", slog.String("path", ev.RelPath), slog.String("error", err.Error()))
		return
	}

	ch := m.factory.NewDelete(newChangeID(), rec.GlobalID, ev.RelPath, ev.IsDir, ev.Mtime, change.LocalCloudID)
	m.dispatchSerialized(rec.GlobalID, ch)
}

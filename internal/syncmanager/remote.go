package syncmanager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/index"
)

// runCloudPollLoop drives one cloud's delta feed: a ticker provides the
// baseline cadence, h.Adapter.OnChange() lets a push-capable adapter wake
// the loop early instead of waiting out the rest of the interval.
func (m *Manager) runCloudPollLoop(ctx context.Context, h *CloudHandle) error {
	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			m.pollCloud(ctx, h)

		case <-h.Adapter.OnChange():
			m.pollCloud(ctx, h)
		}
	}
}

func (m *Manager) pollCloud(ctx context.Context, h *CloudHandle) {
	hasChanges, err := h.Adapter.GetChanges(ctx)
	if err != nil {
		m.logger.Error("polling for changes failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}
	if !hasChanges {
		return
	}

	changes, err := h.Adapter.ProcessChanges(ctx)
	if err != nil {
		m.logger.Error("processing changes failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}

	// Snapshot and clear the adapter's expected-events registry once for
	// this whole batch, so a concurrent Expect call racing with the next
	// poll can't land in an already-taken snapshot.
	snap := h.Adapter.ExpectedSnapshot()

	for _, c := range changes {
		m.handleCloudChange(ctx, h, snap, c)
	}
}

func (m *Manager) handleCloudChange(ctx context.Context, h *CloudHandle, snap *expected.Snapshot, c cloudapi.Change) {
	switch c.Kind {
	case cloudapi.KindNew:
		m.handleCloudNew(ctx, h, snap, c.Entry)
	case cloudapi.KindMoved:
		m.handleCloudMoved(ctx, h, snap, c.Entry)
	case cloudapi.KindUpdated:
		m.handleCloudUpdated(ctx, h, snap, c.Entry)
	case cloudapi.KindDelete:
		m.handleCloudDelete(ctx, h, snap, c.Entry)
	}

	if c.Dependent != nil {
		m.handleCloudChange(ctx, h, snap, *c.Dependent)
	}
}

// resolveEntryPath computes entry's relative path using whichever addressing
// scheme h's provider uses. Path-addressed providers carry it directly;
// parent-id-addressed providers require the parent to already be linked on
// this cloud, since a delta page carries no path of its own.
func (m *Manager) resolveEntryPath(ctx context.Context, h *CloudHandle, entry cloudapi.RemoteFile) (string, bool) {
	if h.Addressing == index.AddressingPath {
		if entry.Path == "" {
			return "", false
		}
		return trimLeadingSlash(entry.Path), true
	}

	if entry.ParentID == h.rootCloudID {
		return entry.Name, true
	}

	parentLink, err := m.store.GetFileLinkByCloudFileID(ctx, h.ID, entry.ParentID)
	if err != nil {
		return "", false
	}

	parentRec, err := m.store.GetFileRecordByGlobalID(ctx, parentLink.GlobalID)
	if err != nil {
		return "", false
	}

	return parentRec.RelPath + "/" + entry.Name, true
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

func (m *Manager) handleCloudNew(ctx context.Context, h *CloudHandle, snap *expected.Snapshot, entry cloudapi.RemoteFile) {
	relPath, ok := m.resolveEntryPath(ctx, h, entry)
	if !ok {
		m.logger.Warn("cloud new: could not resolve path, dropping",
			slog.String("cloud", h.ID), slog.String("name", entry.Name))
		return
	}

	if snap.Check(relPath, expected.New) {
		// Our own CloudUpload created this entry; the local store was
		// already updated by that command's completion callback.
		return
	}

	if rec, err := m.store.GetFileRecordByRelPath(ctx, relPath); err == nil {
		// Already present locally (likely via another cloud or a race with
		// the initial sync pass): adopt instead of re-downloading.
		link := &index.FileLink{
			GlobalID: rec.GlobalID, CloudID: h.ID, CloudFileID: entry.CloudFileID,
			CloudHash: entry.Hash, CloudMtime: entry.ModTime, Synced: true,
		}
		if err := m.dispatcher.SyncWrite(ctx, func(ctx context.Context, store *index.Store) error {
			return store.UpsertFileLink(ctx, link)
		}); err != nil {
			m.logger.Error("cloud new: adopting existing record failed", slog.String("path", relPath), slog.String("error", err.Error()))
		}
		return
	}

	globalID := newChangeID()
	ch := m.factory.NewCloudNew(newChangeID(), globalID, relPath, entry.IsDir, entry.ModTime, h.ID, entry.CloudFileID)
	m.dispatchSerialized(globalID, ch)
}

func (m *Manager) handleCloudUpdated(ctx context.Context, h *CloudHandle, snap *expected.Snapshot, entry cloudapi.RemoteFile) {
	if snap.Check(entry.CloudFileID, expected.Update) {
		return
	}

	link, err := m.store.GetFileLinkByCloudFileID(ctx, h.ID, entry.CloudFileID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			m.handleCloudNew(ctx, h, snap, entry)
			return
		}
		m.logger.Error("cloud update: link lookup failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}

	rec, err := m.store.GetFileRecordByGlobalID(ctx, link.GlobalID)
	if err != nil {
		m.logger.Error("cloud update: record lookup failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}

	ch := m.factory.NewCloudUpdate(newChangeID(), rec.GlobalID, rec.RelPath, entry.IsDir, entry.ModTime, h.ID, entry.CloudFileID)
	m.dispatchSerialized(rec.GlobalID, ch)
}

func (m *Manager) handleCloudMoved(ctx context.Context, h *CloudHandle, snap *expected.Snapshot, entry cloudapi.RemoteFile) {
	if snap.Check(entry.CloudFileID, expected.Move) {
		return
	}

	link, err := m.store.GetFileLinkByCloudFileID(ctx, h.ID, entry.CloudFileID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			m.handleCloudNew(ctx, h, snap, entry)
			return
		}
		m.logger.Error("cloud move: link lookup failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}

	rec, err := m.store.GetFileRecordByGlobalID(ctx, link.GlobalID)
	if err != nil {
		m.logger.Error("cloud move: record lookup failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}

	newRelPath, ok := m.resolveEntryPath(ctx, h, entry)
	if !ok {
		m.logger.Warn("cloud move: could not resolve new path, dropping",
			slog.String("cloud", h.ID), slog.String("name", entry.Name))
		return
	}

	ch := m.factory.NewMove(newChangeID(), rec.GlobalID, rec.RelPath, newRelPath, entry.IsDir, entry.ModTime, h.ID)
	m.dispatchSerialized(rec.GlobalID, ch)
}

func (m *Manager) handleCloudDelete(ctx context.Context, h *CloudHandle, snap *expected.Snapshot, entry cloudapi.RemoteFile) {
	if snap.Check(entry.CloudFileID, expected.Delete) {
		return
	}

	link, err := m.store.GetFileLinkByCloudFileID(ctx, h.ID, entry.CloudFileID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return
		}
		m.logger.Error("cloud delete: link lookup failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}

	rec, err := m.store.GetFileRecordByGlobalID(ctx, link.GlobalID)
	if err != nil {
		m.logger.Error("cloud delete: record lookup failed", slog.String("cloud", h.ID), slog.String("error", err.Error()))
		return
	}

	ch := m.factory.NewDelete(newChangeID(), rec.GlobalID, rec.RelPath, rec.IsDir, entry.ModTime, h.ID)
	m.dispatchSerialized(rec.GlobalID, ch)
}

package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/index"
)

// runInitialSync reconciles every enrolled cloud that has not yet completed
// its first pass, then triggers an immediate local enumeration so a fresh
// index sees every pre-existing local file without waiting for the first
// periodic safety scan. Each cloud's pass is a simple union merge: a remote
// entry whose path already has a local FileRecord is adopted (a FileLink is
// recorded, nothing is transferred); a remote entry with no local match is
// downloaded. The symmetric local-only case — a file that exists only on
// disk — is handled the same way the live watcher handles any local New:
// ScanNow's synthetic create events flow through the ordinary
// LocalUpload/CloudUpload chain and fan out to every enrolled cloud,
// including ones still mid-reconciliation, so no separate bookkeeping path
// is needed for it here.
func (m *Manager) runInitialSync(ctx context.Context) error {
	m.cloudMu.RLock()
	handles := make([]*CloudHandle, 0, len(m.clouds))
	for _, h := range m.clouds {
		handles = append(handles, h)
	}
	m.cloudMu.RUnlock()

	for _, h := range handles {
		if err := m.reconcileCloudInitial(ctx, h); err != nil {
			return fmt.Errorf("cloud %s: %w", h.ID, err)
		}
	}

	m.local.ScanNow(ctx)

	return nil
}

func (m *Manager) reconcileCloudInitial(ctx context.Context, h *CloudHandle) error {
	conf, err := m.store.GetCloudConfig(ctx, h.ID)
	if err != nil && !errors.Is(err, index.ErrNotFound) {
		return fmt.Errorf("loading cloud config: %w", err)
	}

	root, err := h.Adapter.EnsureRootExists(ctx)
	if err != nil {
		return fmt.Errorf("ensuring root exists: %w", err)
	}
	h.rootCloudID = root.CloudFileID

	if conf != nil && conf.InitialSyncDone {
		m.logger.Debug("initial sync already complete, skipping", slog.String("cloud", h.ID))
		return nil
	}

	entries, err := h.Adapter.InitialFiles(ctx)
	if err != nil {
		return fmt.Errorf("listing initial files: %w", err)
	}

	// paths accumulates CloudFileID -> relPath for parent-id-addressed
	// providers as entries are walked in the parent-before-child order
	// InitialFiles produces; path-addressed providers never consult it.
	paths := map[string]string{h.rootCloudID: ""}

	for _, entry := range entries {
		if entry.Trashed {
			continue
		}

		relPath, ok := resolveInitialPath(h, paths, entry)
		if !ok {
			m.logger.Warn("initial sync: could not resolve remote path, skipping",
				slog.String("cloud", h.ID), slog.String("name", entry.Name), slog.String("id", entry.CloudFileID))
			continue
		}

		if entry.IsDir {
			paths[entry.CloudFileID] = relPath
		}

		if err := m.reconcileInitialEntry(ctx, h, entry, relPath); err != nil {
			m.logger.Error("initial sync: reconciling entry failed",
				slog.String("cloud", h.ID), slog.String("path", relPath), slog.String("error", err.Error()))
		}
	}

	token, err := h.Adapter.GetDeltaToken(ctx)
	if err != nil {
		return fmt.Errorf("obtaining delta token: %w", err)
	}

	return m.dispatcher.SyncWrite(ctx, func(ctx context.Context, store *index.Store) error {
		if err := store.UpdateCloudDeltaToken(ctx, h.ID, token); err != nil {
			return err
		}
		return store.SetCloudInitialSyncDone(ctx, h.ID, true)
	})
}

// resolveInitialPath computes the relative path of one remote entry.
// Path-addressed providers carry the full path directly; parent-id-addressed
// providers require looking up the already-resolved parent from paths,
// which relies on InitialFiles enumerating parents before their children.
func resolveInitialPath(h *CloudHandle, paths map[string]string, entry cloudapi.RemoteFile) (string, bool) {
	if h.Addressing == index.AddressingPath {
		if entry.Path == "" {
			return "", false
		}
		return strings.TrimPrefix(entry.Path, "/"), true
	}

	parentPath, ok := paths[entry.ParentID]
	if !ok {
		return "", false
	}
	if parentPath == "" {
		return entry.Name, true
	}
	return parentPath + "/" + entry.Name, true
}

// reconcileInitialEntry adopts a remote entry that already matches a local
// FileRecord by relPath, or downloads one that does not.
func (m *Manager) reconcileInitialEntry(ctx context.Context, h *CloudHandle, entry cloudapi.RemoteFile, relPath string) error {
	rec, err := m.store.GetFileRecordByRelPath(ctx, relPath)
	if err != nil {
		if !errors.Is(err, index.ErrNotFound) {
			return err
		}

		globalID := newChangeID()
		ch := m.factory.NewCloudNew(newChangeID(), globalID, relPath, entry.IsDir, entry.ModTime, h.ID, entry.CloudFileID)
		m.dispatchSerialized(globalID, ch)
		return nil
	}

	existing, err := m.store.GetFileLink(ctx, rec.GlobalID, h.ID)
	if err == nil && existing.Synced {
		return nil
	}

	link := &index.FileLink{
		GlobalID:    rec.GlobalID,
		CloudID:     h.ID,
		CloudFileID: entry.CloudFileID,
		CloudHash:   entry.Hash,
		CloudMtime:  entry.ModTime,
		Synced:      true,
	}

	return m.dispatcher.SyncWrite(ctx, func(ctx context.Context, store *index.Store) error {
		return store.UpsertFileLink(ctx, link)
	})
}

package localfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/filter"
	"github.com/syncharbor/syncharbor/internal/index"
)

// Adapter is the local storage adapter: it
// watches syncRoot for native filesystem events, normalizes them into
// NormalizedEvents, and performs the filesystem side effects that
// LocalUpload/Update/Move/Delete commands drive. It satisfies
// command.LocalAdapter without importing internal/command; neither package
// imports the other.
type Adapter struct {
	syncRoot string
	store    *index.Store
	logger   *slog.Logger

	expected   *expected.Registry
	normalizer *Normalizer

	watcherFactory func() (FsWatcher, error)
}

// NewAdapter creates an Adapter rooted at syncRoot. emit receives every
// NormalizedEvent the watch loop and safety scan produce. filterEngine may
// be nil, in which case nothing is excluded.
func NewAdapter(syncRoot string, store *index.Store, filterEngine *filter.Engine, logger *slog.Logger, emit func(NormalizedEvent)) *Adapter {
	exp := expected.New()

	a := &Adapter{
		syncRoot: syncRoot,
		store:    store,
		logger:   logger,
		expected: exp,
	}

	a.normalizer = NewNormalizer(syncRoot, store, exp, filterEngine, logger, emit)
	a.watcherFactory = func() (FsWatcher, error) {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		return &fsnotifyWrapper{w: w}, nil
	}

	return a
}

// Close stops the normalizer's outstanding rename-correlation timers.
func (a *Adapter) Close() {
	a.normalizer.Close()
}

func (a *Adapter) absPath(relPath string) string {
	return filepath.Join(a.syncRoot, filepath.FromSlash(relPath))
}

// MaterializeNew implements command.LocalAdapter. If fromTmpPath is set the
// staged download is atomically renamed into place; otherwise the file or
// directory is already on disk (a local-originated create) and only the
// index row is written.
func (a *Adapter) MaterializeNew(ctx context.Context, f *index.FileRecord, fromTmpPath string) error {
	dest := a.absPath(f.RelPath)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("localfs: creating parent directory for %s: %w", f.RelPath, err)
	}

	if fromTmpPath != "" {
		if err := os.Rename(fromTmpPath, dest); err != nil {
			return fmt.Errorf("localfs: renaming staged download into place at %s: %w", f.RelPath, err)
		}
	} else if f.IsDir {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("localfs: creating directory %s: %w", f.RelPath, err)
		}
	}

	if id, err := FileID(dest); err == nil {
		f.FileID = id
	} else {
		a.logger.Warn("localfs: reading file_id", "path", f.RelPath, "error", err)
	}

	if err := a.store.UpsertFileRecord(ctx, f); err != nil {
		return fmt.Errorf("localfs: indexing %s: %w", f.RelPath, err)
	}

	return nil
}

// MaterializeUpdate implements command.LocalAdapter. A staged download
// replaces the existing file via rename, which is atomic on the same
// filesystem and requires no separate delete step.
func (a *Adapter) MaterializeUpdate(ctx context.Context, f *index.FileRecord, fromTmpPath string) error {
	dest := a.absPath(f.RelPath)

	if fromTmpPath != "" {
		if err := os.Rename(fromTmpPath, dest); err != nil {
			return fmt.Errorf("localfs: renaming staged download over %s: %w", f.RelPath, err)
		}
	}

	if id, err := FileID(dest); err == nil {
		f.FileID = id
	} else {
		a.logger.Warn("localfs: reading file_id", "path", f.RelPath, "error", err)
	}

	if err := a.store.UpsertFileRecord(ctx, f); err != nil {
		return fmt.Errorf("localfs: indexing %s: %w", f.RelPath, err)
	}

	return nil
}

// Move implements command.LocalAdapter: renames the path on disk, rewrites
// the FileRecord's rel_path, and for a directory recursively rewrites every
// descendant's rel_path in place. Returns every global_id whose rel_path
// changed, moved file included.
func (a *Adapter) Move(ctx context.Context, globalID, oldRelPath, newRelPath string, isDir bool) ([]string, error) {
	oldAbs := a.absPath(oldRelPath)
	newAbs := a.absPath(newRelPath)

	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return nil, fmt.Errorf("localfs: creating parent directory for move target %s: %w", newRelPath, err)
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return nil, fmt.Errorf("localfs: renaming %s to %s: %w", oldRelPath, newRelPath, err)
	}

	rec, err := a.store.GetFileRecordByGlobalID(ctx, globalID)
	if err != nil {
		return nil, fmt.Errorf("localfs: looking up moved record %s: %w", globalID, err)
	}

	rec.RelPath = newRelPath
	if err := a.store.UpsertFileRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("localfs: indexing moved record %s: %w", globalID, err)
	}

	affected := []string{globalID}

	if !isDir {
		return affected, nil
	}

	oldPrefix := oldRelPath + "/"

	descendants, err := a.store.ListActiveFileRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("localfs: listing records for directory move %s: %w", oldRelPath, err)
	}

	for _, d := range descendants {
		if d.GlobalID == globalID || !strings.HasPrefix(d.RelPath, oldPrefix) {
			continue
		}

		d.RelPath = newRelPath + "/" + strings.TrimPrefix(d.RelPath, oldPrefix)
		if err := a.store.UpsertFileRecord(ctx, d); err != nil {
			return nil, fmt.Errorf("localfs: indexing moved descendant %s: %w", d.GlobalID, err)
		}

		affected = append(affected, d.GlobalID)
	}

	return affected, nil
}

// Delete implements command.LocalAdapter: removes the path from disk
// (recursively for directories) and cascades the index, including any
// descendants of a deleted directory.
func (a *Adapter) Delete(ctx context.Context, globalID, relPath string) error {
	abs := a.absPath(relPath)

	info, statErr := os.Lstat(abs)
	isDir := statErr == nil && info.IsDir()

	if isDir {
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("localfs: removing directory %s: %w", relPath, err)
		}
	} else if statErr == nil {
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("localfs: removing %s: %w", relPath, err)
		}
	}

	if isDir {
		prefix := relPath + "/"

		descendants, err := a.store.ListActiveFileRecords(ctx)
		if err != nil {
			return fmt.Errorf("localfs: listing records for directory delete %s: %w", relPath, err)
		}

		for _, d := range descendants {
			if d.GlobalID == globalID || !strings.HasPrefix(d.RelPath, prefix) {
				continue
			}
			if err := a.store.DeleteFileRecord(ctx, d.GlobalID); err != nil {
				return fmt.Errorf("localfs: deindexing descendant %s: %w", d.GlobalID, err)
			}
		}
	}

	if err := a.store.DeleteFileRecord(ctx, globalID); err != nil {
		return fmt.Errorf("localfs: deindexing %s: %w", globalID, err)
	}

	return nil
}

// Expect implements command.LocalAdapter, delegating to the registry the
// normalizer's Create/rename handlers consult.
func (a *Adapter) Expect(relPath string, t expected.ChangeType) {
	a.expected.Add(relPath, t)
}

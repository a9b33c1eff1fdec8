package localfs

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	safetyScanInterval = 5 * time.Minute
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher abstracts native filesystem event monitoring. fsnotifyWrapper
// adapts *fsnotify.Watcher to it; the adapter's watcherFactory returns one.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Watch recursively subscribes to syncRoot and feeds every resulting raw
// event through n.Handle. It blocks until ctx is canceled. A periodic
// safety scan re-walks the tree so gaps in the native watcher (buffer
// overflows, brief unmount) are caught eventually rather than silently.
func (a *Adapter) Watch(ctx context.Context) error {
	watcher, err := a.watcherFactory()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := a.addWatchesRecursive(watcher, a.syncRoot); err != nil {
		return err
	}

	return a.watchLoop(ctx, watcher)
}

// ScanNow runs one safety scan immediately rather than waiting for the next
// periodic tick. The sync manager calls this once at startup so a fresh
// index sees every pre-existing local file right away instead of after the
// first safetyScanInterval elapses.
func (a *Adapter) ScanNow(ctx context.Context) {
	a.runSafetyScan(ctx)
}

func (a *Adapter) addWatchesRecursive(watcher FsWatcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			a.logger.Warn("walk error during watch setup", slog.String("path", path), slog.String("error", walkErr.Error()))
			return skipEntry(d)
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && IsTmpName(d.Name()) {
			return filepath.SkipDir
		}

		if path != root {
			relPath := nfcNormalize(filepath.ToSlash(mustRel(root, path)))
			if a.normalizer.ExcludedDir(relPath) {
				return filepath.SkipDir
			}
		}

		if addErr := watcher.Add(path); addErr != nil {
			a.logger.Warn("failed to add watch", slog.String("path", path), slog.String("error", addErr.Error()))
		}

		return nil
	})
}

func (a *Adapter) watchLoop(ctx context.Context, watcher FsWatcher) error {
	ticker := time.NewTicker(safetyScanInterval)
	defer ticker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			a.handleFsEvent(ctx, ev, watcher)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			a.logger.Warn("filesystem watcher error", slog.String("error", watchErr.Error()), slog.Duration("backoff", errBackoff))

			select {
			case <-time.After(errBackoff):
			case <-ctx.Done():
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-ticker.C:
			a.runSafetyScan(ctx)
		}
	}
}

// handleFsEvent translates one fsnotify.Event into a RawEvent and hands it
// to the normalizer.
func (a *Adapter) handleFsEvent(ctx context.Context, ev fsnotify.Event, watcher FsWatcher) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	relPath, err := filepath.Rel(a.syncRoot, ev.Name)
	if err != nil {
		a.logger.Warn("failed to compute relative path", slog.String("path", ev.Name), slog.String("error", err.Error()))
		return
	}

	relPath = nfcNormalize(filepath.ToSlash(relPath))

	switch {
	case ev.Has(fsnotify.Create):
		info, statErr := os.Stat(ev.Name)
		isDir := statErr == nil && info.IsDir()

		if isDir {
			if addErr := watcher.Add(ev.Name); addErr != nil {
				a.logger.Warn("failed to add watch on new directory", slog.String("path", relPath), slog.String("error", addErr.Error()))
			}
		}

		a.normalizer.Handle(ctx, RawEvent{Kind: RawCreate, RelPath: relPath, IsDir: isDir})

	case ev.Has(fsnotify.Write):
		a.normalizer.Handle(ctx, RawEvent{Kind: RawModify, RelPath: relPath})

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		a.normalizer.Handle(ctx, RawEvent{Kind: RawDestroy, RelPath: relPath})
	}
}

// runSafetyScan re-walks the tree and feeds a synthetic create/modify raw
// event for anything whose on-disk state disagrees with the index, plus a
// destroy event for any indexed entry no longer observed on disk.
func (a *Adapter) runSafetyScan(ctx context.Context) {
	a.logger.Debug("running local safety scan")

	observed := make(map[string]bool)

	walkErr := filepath.WalkDir(a.syncRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return skipEntry(d)
		}
		if path == a.syncRoot {
			return nil
		}

		relPath := nfcNormalize(filepath.ToSlash(mustRel(a.syncRoot, path)))
		if IsTmpName(d.Name()) {
			return skipEntry(d)
		}

		if d.IsDir() && a.normalizer.ExcludedDir(relPath) {
			return filepath.SkipDir
		}

		observed[relPath] = true

		if d.IsDir() {
			if _, err := a.store.GetFileRecordByRelPath(ctx, relPath); err != nil {
				a.normalizer.Handle(ctx, RawEvent{Kind: RawCreate, RelPath: relPath, IsDir: true})
			}
			// Existing folder: mtime-only changes are noise, matching files
			// generate their own safety-scan entries.
			return nil
		}

		a.normalizer.Handle(ctx, RawEvent{Kind: RawModify, RelPath: relPath})

		return nil
	})
	if walkErr != nil {
		a.logger.Warn("safety scan walk failed", slog.String("error", walkErr.Error()))
		return
	}

	recs, err := a.store.ListActiveFileRecords(ctx)
	if err != nil {
		a.logger.Warn("safety scan: listing active records failed", slog.String("error", err.Error()))
		return
	}

	for _, rec := range recs {
		if observed[rec.RelPath] {
			continue
		}
		// A path can go unobserved because a parent directory newly matches
		// an exclusion rule rather than because it was actually removed;
		// that case is a filter-configuration change, not a deletion.
		if a.normalizer.ExcludedDir(filepath.Dir(rec.RelPath)) {
			continue
		}
		a.normalizer.Handle(ctx, RawEvent{Kind: RawDestroy, RelPath: rec.RelPath, IsDir: rec.IsDir})
	}
}

func mustRel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}
	return nil
}

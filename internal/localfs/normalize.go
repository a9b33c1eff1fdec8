// Package localfs implements the local storage adapter: native filesystem
// watching, an incremental event normalization pipeline, content hashing,
// and the filesystem side effects LocalUpload/Update/Move/Delete perform.
//
// Paths are NFC-normalized and forward-slashed before they ever reach the
// index, and a periodic safety scan catches anything the watcher missed.
// Raw create/modify/destroy/rename notifications drive an incremental
// per-event state machine rather than a full baseline diff on every pass.
package localfs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/syncharbor/syncharbor/internal/change"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/filter"
	"github.com/syncharbor/syncharbor/internal/index"
)

// defaultRenameWindow is how long a destroy event waits for a correlated
// create (same OS file_id) before committing to a real Delete.
const defaultRenameWindow = 2 * time.Second

func nfcNormalize(s string) string {
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}

// Normalizer implements the event normalization pipeline. One Normalizer
// is owned by one Adapter; RelPath values passed in are expected to
// already be NFC-normalized, forward-slashed, and relative to the sync
// root.
type Normalizer struct {
	syncRoot string
	store    *index.Store
	expected *expected.Registry
	filter   *filter.Engine
	logger   *slog.Logger

	renameWindow time.Duration

	mu             sync.Mutex
	pendingDeletes map[string]*pendingDelete // keyed by OS file_id

	emit func(NormalizedEvent)
}

type pendingDelete struct {
	relPath string
	isDir   bool
	timer   *time.Timer
}

// NewNormalizer creates a Normalizer rooted at syncRoot. emit is called
// (possibly from a timer goroutine) with each classified event that
// survives the pipeline.
func NewNormalizer(syncRoot string, store *index.Store, expected *expected.Registry, filterEngine *filter.Engine, logger *slog.Logger, emit func(NormalizedEvent)) *Normalizer {
	return &Normalizer{
		syncRoot:       syncRoot,
		store:          store,
		expected:       expected,
		filter:         filterEngine,
		logger:         logger,
		renameWindow:   defaultRenameWindow,
		pendingDeletes: make(map[string]*pendingDelete),
		emit:           emit,
	}
}

// ExcludedDir reports whether relPath (a directory, relative to syncRoot)
// should be pruned from watching and scanning entirely.
func (n *Normalizer) ExcludedDir(relPath string) bool {
	return n.excluded(relPath, true, 0)
}

// excluded reports whether path is out of scope per the filter engine. A nil
// engine (no filtering configured) never excludes anything.
func (n *Normalizer) excluded(path string, isDir bool, size int64) bool {
	if n.filter == nil {
		return false
	}

	r := n.filter.ShouldSync(path, isDir, false, size)
	if !r.Included {
		n.logger.Debug("path excluded from sync", slog.String("path", path), slog.String("reason", r.Reason))
	}

	return !r.Included
}

// Close stops any outstanding rename-correlation timers without firing
// their deferred Delete — used on shutdown, when a watch is about to stop
// entirely and a dangling timer would race with process exit.
func (n *Normalizer) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, pd := range n.pendingDeletes {
		pd.timer.Stop()
	}
	n.pendingDeletes = make(map[string]*pendingDelete)
}

// Handle runs one raw event through the normalization pipeline. Some
// classifications (a destroy whose corresponding Delete is still pending
// correlation) do not emit synchronously — they land later, from a timer
// goroutine, via n.emit.
func (n *Normalizer) Handle(ctx context.Context, ev RawEvent) {
	// Step 2: drop events with an empty or "." rel_path.
	if ev.RelPath == "" || ev.RelPath == "." {
		return
	}

	name := filepath.Base(ev.RelPath)

	switch ev.Kind {
	case RawDestroy:
		n.handleDestroy(ctx, ev)
	case RawRename:
		n.handleRename(ctx, ev)
	case RawModify:
		n.handleModify(ctx, ev)
	case RawCreate:
		n.handleCreate(ctx, ev, name)
	}
}

// handleDestroy implements step 4: if the path exists again, or a
// same-stem tmp neighbor exists, this is part of an editor atomic-save —
// drop. Otherwise stage a deferred Delete pending rename correlation.
func (n *Normalizer) handleDestroy(ctx context.Context, ev RawEvent) {
	absPath := filepath.Join(n.syncRoot, filepath.FromSlash(ev.RelPath))

	if _, err := os.Stat(absPath); err == nil {
		n.logger.Debug("destroy: path exists again, treating as atomic save", slog.String("path", ev.RelPath))
		return
	}

	if n.hasTmpNeighbor(ev.RelPath) {
		n.logger.Debug("destroy: tmp neighbor present, treating as atomic save", slog.String("path", ev.RelPath))
		return
	}

	rec, err := n.store.GetFileRecordByRelPath(ctx, ev.RelPath)
	if err != nil || rec == nil {
		// Nothing in the index to correlate or delete; nothing to do.
		return
	}

	n.stageDeferredDelete(ctx, rec.FileID, ev.RelPath, rec.IsDir)
}

func (n *Normalizer) stageDeferredDelete(ctx context.Context, fileID, relPath string, isDir bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pd := &pendingDelete{relPath: relPath, isDir: isDir}
	pd.timer = time.AfterFunc(n.renameWindow, func() {
		n.mu.Lock()
		_, stillPending := n.pendingDeletes[fileID]
		delete(n.pendingDeletes, fileID)
		n.mu.Unlock()

		if stillPending {
			n.emit(NormalizedEvent{Type: change.TypeDelete, RelPath: relPath, IsDir: isDir})
		}
	})

	n.pendingDeletes[fileID] = pd
}

// handleRename implements steps 5/6 for the rare case the native watcher
// reports both sides directly.
func (n *Normalizer) handleRename(ctx context.Context, ev RawEvent) {
	if ev.DestRelPath == "" {
		n.handleRenameNoDest(ctx, ev)
		return
	}

	srcTmp := IsTmpName(filepath.Base(ev.RelPath))
	dstTmp := IsTmpName(filepath.Base(ev.DestRelPath))

	if srcTmp && dstTmp {
		return
	}

	if srcTmp && !dstTmp {
		n.emitUpdateFromDisk(ctx, ev.DestRelPath, ev.IsDir)
		return
	}

	n.resolveRenameDestination(ctx, ev.RelPath, ev.DestRelPath, ev.IsDir)
}

func (n *Normalizer) handleRenameNoDest(ctx context.Context, ev RawEvent) {
	absPath := filepath.Join(n.syncRoot, filepath.FromSlash(ev.RelPath))

	if _, err := os.Stat(absPath); err != nil {
		rec, lookupErr := n.store.GetFileRecordByRelPath(ctx, ev.RelPath)
		if lookupErr == nil && rec != nil {
			n.stageDeferredDelete(ctx, rec.FileID, ev.RelPath, rec.IsDir)
		}
		return
	}

	rec, err := n.store.GetFileRecordByRelPath(ctx, ev.RelPath)
	if err != nil || rec == nil {
		n.handleCreate(ctx, ev, filepath.Base(ev.RelPath))
		return
	}

	n.emitUpdateFromDisk(ctx, ev.RelPath, ev.IsDir)
}

// resolveRenameDestination implements step 6's "look up the destination's
// file_id" rule: if a FileRecord with that file_id already exists, this is
// a Move from its previously recorded path; otherwise it is a Create.
func (n *Normalizer) resolveRenameDestination(ctx context.Context, oldRelPath, newRelPath string, isDir bool) {
	n.correlateOrCreate(ctx, newRelPath, isDir)
	_ = oldRelPath // the pre-rename path is superseded by the file_id lookup
}

// correlateOrCreate implements step 6's "look up the destination's file_id"
// rule, shared by the two paths that ever land on a freshly-created name:
// a native watcher rename event carrying both sides directly
// (resolveRenameDestination), and the destroy-then-create pair the local
// watcher actually emits for an ordinary rename, since fsnotify on this
// platform never reports a single correlated rename (handleCreate). A
// match is resolved first against a deferred delete staged under the same
// OS file_id by a recent handleDestroy, then — if that timer already fired
// or no destroy was observed at all — against the index's own record for
// that file_id, per spec step 6.
func (n *Normalizer) correlateOrCreate(ctx context.Context, newRelPath string, isDir bool) {
	absPath := filepath.Join(n.syncRoot, filepath.FromSlash(newRelPath))

	info, statErr := os.Stat(absPath)
	if statErr != nil {
		n.logger.Debug("stat failed for created path", slog.String("path", newRelPath), slog.String("error", statErr.Error()))
		return
	}

	fileID, err := FileID(absPath)
	if err != nil {
		n.logger.Warn("computing file_id for possible move target", slog.String("path", newRelPath), slog.String("error", err.Error()))
		n.emitNewFromDisk(newRelPath, info)
		return
	}

	if oldRelPath, ok := n.resolveMoveSource(ctx, fileID); ok && oldRelPath != newRelPath {
		if n.excluded(newRelPath, isDir, info.Size()) {
			return
		}
		n.emit(NormalizedEvent{Type: change.TypeMove, RelPath: newRelPath, OldRelPath: oldRelPath, IsDir: isDir})
		return
	}

	n.emitNewFromDisk(newRelPath, info)
}

// resolveMoveSource returns the previously recorded path of the file now
// identified by fileID, if any: first a deferred delete handleDestroy
// staged for it (the common rename case), then — if the timer already
// expired, or no destroy was ever observed for it — the index's own
// file_id record.
func (n *Normalizer) resolveMoveSource(ctx context.Context, fileID string) (string, bool) {
	n.mu.Lock()
	pd, staged := n.pendingDeletes[fileID]
	if staged {
		delete(n.pendingDeletes, fileID)
		pd.timer.Stop()
	}
	n.mu.Unlock()

	if staged {
		return pd.relPath, true
	}

	rec, err := n.store.GetFileRecordByFileID(ctx, fileID)
	if err != nil || rec == nil {
		return "", false
	}

	return rec.RelPath, true
}

// handleModify implements steps 7/8.
func (n *Normalizer) handleModify(ctx context.Context, ev RawEvent) {
	if ev.IsDir {
		return
	}

	n.emitUpdateFromDisk(ctx, ev.RelPath, false)
}

func (n *Normalizer) emitUpdateFromDisk(ctx context.Context, relPath string, isDir bool) {
	absPath := filepath.Join(n.syncRoot, filepath.FromSlash(relPath))

	info, err := os.Stat(absPath)
	if err != nil {
		n.logger.Debug("stat failed for modified path", slog.String("path", relPath), slog.String("error", err.Error()))
		return
	}

	if info.IsDir() {
		return
	}

	hash, err := HashFile(absPath)
	if err != nil {
		n.logger.Warn("hash failed for modified file", slog.String("path", relPath), slog.String("error", err.Error()))
		return
	}

	mtime := info.ModTime().UnixNano()

	rec, lookupErr := n.store.GetFileRecordByRelPath(ctx, relPath)
	if lookupErr != nil || rec == nil {
		// No baseline entry: this "modify" (typically from the safety scan
		// re-walking a path the watcher never caught a create for) is really
		// a Create.
		if n.excluded(relPath, false, info.Size()) {
			return
		}
		n.emit(NormalizedEvent{Type: change.TypeNew, RelPath: relPath, IsDir: false, Mtime: mtime, Size: info.Size(), LocalHash: hash, HasHash: true})
		return
	}

	if rec.LocalHashOK && rec.LocalHash == hash && rec.LocalMtime >= mtime {
		n.logger.Debug("fake modify: hash unchanged and record not stale", slog.String("path", relPath))
		return
	}

	if n.excluded(relPath, false, info.Size()) {
		return
	}

	n.emit(NormalizedEvent{
		Type: change.TypeUpdate, RelPath: relPath, IsDir: false,
		Mtime: mtime, Size: info.Size(), LocalHash: hash, HasHash: true,
	})
}

// handleCreate implements step 9. fsnotify never reports a single
// correlated rename on this platform: a rename arrives as an untethered
// RawDestroy (handled by handleDestroy, which stages a deferred delete
// keyed by OS file_id) followed by an untethered RawCreate here. This is
// therefore the path that must redeem that staged delete as a Move per
// step 6 before falling back to an ordinary Create.
func (n *Normalizer) handleCreate(ctx context.Context, ev RawEvent, name string) {
	if IsTmpName(name) {
		return
	}

	if n.expected.Check(ev.RelPath, expected.New) {
		n.logger.Debug("create: swallowed by expected-events registry", slog.String("path", ev.RelPath))
		return
	}

	n.correlateOrCreate(ctx, ev.RelPath, ev.IsDir)
}

// emitNewFromDisk is correlateOrCreate's terminal case: no prior file_id
// record matched, so this is a genuine Create.
func (n *Normalizer) emitNewFromDisk(relPath string, info os.FileInfo) {
	if n.excluded(relPath, info.IsDir(), info.Size()) {
		return
	}

	absPath := filepath.Join(n.syncRoot, filepath.FromSlash(relPath))

	out := NormalizedEvent{Type: change.TypeNew, RelPath: relPath, IsDir: info.IsDir(), Mtime: info.ModTime().UnixNano(), Size: info.Size()}

	if !info.IsDir() {
		hash, hashErr := HashFile(absPath)
		if hashErr != nil {
			n.logger.Warn("hash failed for new file, emitting without hash", slog.String("path", relPath), slog.String("error", hashErr.Error()))
		} else {
			out.LocalHash = hash
			out.HasHash = true
		}
	}

	n.emit(out)
}

// hasTmpNeighbor reports whether a tmp-classified sibling of relPath
// (same directory, name starting with the same stem) currently exists —
// the signature of an editor's atomic-save-via-rename sequence.
func (n *Normalizer) hasTmpNeighbor(relPath string) bool {
	dir := filepath.Dir(relPath)
	stem := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))

	absDir := filepath.Join(n.syncRoot, filepath.FromSlash(dir))

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return false
	}

	for _, e := range entries {
		if IsTmpName(e.Name()) && strings.Contains(e.Name(), stem) {
			return true
		}
	}

	return false
}

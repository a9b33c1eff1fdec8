// Package command implements the Command sum type and chain construction,
// plus the ChangeFactory (the builder half of Change construction — kept
// here rather than in internal/change because building a chain means
// instantiating concrete Command variants, and internal/change must stay
// free of any dependency on this package to avoid an import cycle:
// Change.head is a change.Link, the minimal interface a Command exposes to
// its owner).
package command

import (
	"context"
	"log/slog"

	"github.com/syncharbor/syncharbor/internal/change"
	"github.com/syncharbor/syncharbor/internal/dispatch"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/httpmux"
	"github.com/syncharbor/syncharbor/internal/index"
)

// Kind says which executor a Command dispatches to: the HTTP multiplexer
// for cloud-side work, the callback dispatcher for local-side in-process
// work.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// TargetType mirrors FileRecord.Type.
type TargetType string

const (
	TargetFile      TargetType = "file"
	TargetDirectory TargetType = "directory"
	TargetDocument  TargetType = "document"
)

// Command is the common contract every variant satisfies: execute,
// completionCallback, continueChain, plus the accessors the sync manager
// and dispatcher need to route and log it.
type Command interface {
	change.Link // Dispatch()

	Kind() Kind
	Target() string
	TargetType() TargetType
	CloudID() string
	NeedRepeat() bool
}

// CloudResult carries the authoritative post-operation metadata a cloud
// adapter hands back after a request completes, so the completion
// callback can mutate the FileRecord/FileLink in place with the
// authoritative post-operation values rather than guessing them locally.
type CloudResult struct {
	CloudFileID   string
	CloudParentID string
	Hash          index.Hash
	ModTime       int64
	Size          int64
}

// LocalAdapter is the subset of the local storage adapter that local
// Command variants need: filesystem side effects plus self-echo
// suppression on the local registry.
type LocalAdapter interface {
	// MaterializeNew records a newly-seen file in the index. If
	// fromTmpPath is non-empty the file is first atomically renamed from
	// that staged download path into place, completing a
	// CloudDownloadNew→LocalUpload tmp-to-real rename.
	MaterializeNew(ctx context.Context, f *index.FileRecord, fromTmpPath string) error

	// MaterializeUpdate applies an updated FileRecord, optionally finishing
	// a staged download with an atomic delete+rename.
	MaterializeUpdate(ctx context.Context, f *index.FileRecord, fromTmpPath string) error

	// Move renames on disk and updates rel_path (recursively for
	// directories), returning the set of descendant global_ids whose
	// rel_path changed.
	Move(ctx context.Context, globalID, oldRelPath, newRelPath string, isDir bool) ([]string, error)

	// Delete removes the file from disk and cascades the FileRecord/
	// FileLink rows.
	Delete(ctx context.Context, globalID, relPath string) error

	// Expect registers a self-echo suppression entry on the local
	// registry before the corresponding mutation is issued.
	Expect(relPath string, t expected.ChangeType)
}

// CloudAdapter is the subset of one cloud storage adapter that cloud
// Command variants need: request preparation plus self-echo suppression on
// that cloud's registry. Each prepared RequestHandle's OnDone already
// carries its own retry-classified error from the HTTP multiplexer; adapters
// translate a successful response into a CloudResult for the command's
// completionCallback.
type CloudAdapter interface {
	CloudID() string

	PrepareUpload(ctx context.Context, f *index.FileRecord, localPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error)
	PrepareUpdate(ctx context.Context, f *index.FileRecord, link *index.FileLink, localPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error)
	PrepareMove(ctx context.Context, link *index.FileLink, newRelPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error)
	PrepareDelete(ctx context.Context, link *index.FileLink, onDone func(error)) (*httpmux.RequestHandle, error)
	PrepareDownload(ctx context.Context, link *index.FileLink, destTmpPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error)

	Expect(cloudFileID string, t expected.ChangeType)
}

// Env bundles every collaborator a Command needs to execute and continue
// its chain: the index, the single-writer dispatcher, the local adapter,
// and a lookup from cloud_id to that cloud's adapter and multiplexer.
type Env struct {
	Store      *index.Store
	Dispatcher *dispatch.Dispatcher
	Local      LocalAdapter
	Logger     *slog.Logger

	// Mux returns the HTTP multiplexer for a given cloud_id.
	Mux func(cloudID string) *httpmux.Multiplexer

	// Cloud returns the adapter for a given cloud_id.
	Cloud func(cloudID string) CloudAdapter

	// EnrolledClouds lists every configured cloud_id, used to fan a local
	// change out to every other enrolled cloud.
	EnrolledClouds func(ctx context.Context) ([]string, error)
}

// base holds the fields every concrete Command variant shares: its owning
// Change (for pending-counter bookkeeping), the shared environment, and
// the file identity the command acts on.
type base struct {
	env      *Env
	owner    *change.Change
	globalID string
	relPath  string
	isDir    bool
	cloudID  string

	needRepeat bool
}

func (b *base) Target() string   { return b.relPath }
func (b *base) CloudID() string  { return b.cloudID }
func (b *base) NeedRepeat() bool { return b.needRepeat }

func (b *base) targetType() TargetType {
	if b.isDir {
		return TargetDirectory
	}
	return TargetFile
}

// finish decrements the owning Change's pending counter. Every variant
// calls this exactly once, at the end of its completionCallback, whether
// it succeeded or failed — a failed command still finishes its turn in the
// chain; error classification governs whether the Change as a whole is
// retried, not whether this Command's slot stays open forever.
func (b *base) finish() {
	if b.owner != nil {
		b.owner.DecPending()
	}
}

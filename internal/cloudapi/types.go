// Package cloudapi implements the abstract cloud storage adapter contract:
// one Adapter per enrolled cloud account, covering auth refresh, root
// resolution, enumeration, delta polling and normalization, request/response
// handling for every Command variant, and remote path creation.
//
// Provider-specific nuances (parent-id vs path addressing, online-only
// document export) are parameters threaded through RemoteFile and the
// concrete adapters in cloudapi/graphlike and cloudapi/dropboxlike, never
// branches in this package.
package cloudapi

import (
	"context"
	"errors"

	"github.com/syncharbor/syncharbor/internal/command"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/index"
)

// ErrParentUnknown is returned by CreatePath when the deepest existing
// ancestor of the requested path is not in the adapter's path index, so
// there is no parent ID to create the missing folders under.
var ErrParentUnknown = errors.New("cloudapi: parent not yet seen in this batch")

// RemoteFile is the provider-agnostic DTO for one remote object, used for
// enumeration, delta pages, and CreatePath results.
type RemoteFile struct {
	CloudFileID string
	ParentID    string // set by parent-id-addressed providers (graphlike)
	Path        string // set by path-addressed providers (dropboxlike)
	Name        string
	IsDir       bool
	IsDocument  bool // online-only document type, fetched via export endpoint
	Trashed     bool
	Hash        index.Hash
	ModTime     int64
	Size        int64
}

// Kind classifies one delta entry during processChanges.
type Kind string

const (
	KindNew     Kind = "new"
	KindMoved   Kind = "moved"
	KindUpdated Kind = "updated"
	KindDelete  Kind = "delete"
)

// Change is one classified delta entry. Dependent is set when a single
// remote entry is both moved and updated, carrying the paired Update as
// a follow-on Change applied to the same entry.
type Change struct {
	Kind      Kind
	Entry     RemoteFile
	Dependent *Change
}

// Adapter is the full contract one enrolled cloud account satisfies: the
// synchronous enumeration/delta/path-creation surface the sync manager
// drives directly, plus command.CloudAdapter's asynchronous Prepare*/Expect
// surface that Command variants drive through the HTTP multiplexer.
type Adapter interface {
	command.CloudAdapter

	// EnsureRootExists resolves the remote root folder the adapter syncs
	// against. The cloud's configured root path is not consulted and no
	// folder is created: graphlike returns the drive's own root and
	// dropboxlike the namespace root.
	EnsureRootExists(ctx context.Context) (RemoteFile, error)

	// InitialFiles returns every non-trashed entry under the root.
	InitialFiles(ctx context.Context) ([]RemoteFile, error)

	// GetDeltaToken obtains a starting cursor for delta polling.
	GetDeltaToken(ctx context.Context) (string, error)

	// GetChanges polls the cursor forward, stashing any raw pages in an
	// internal buffer for a later ProcessChanges call. Returns whether any
	// non-empty page arrived.
	GetChanges(ctx context.Context) (bool, error)

	// ProcessChanges consumes the buffered pages accumulated by GetChanges
	// and returns the classified Changes, with no self-echo filtering of
	// its own: the caller takes an ExpectedSnapshot of this same adapter
	// for that, since a New entry's expectation is keyed by rel_path, a
	// path this package cannot resolve on its own for parent-id-addressed
	// providers.
	ProcessChanges(ctx context.Context) ([]Change, error)

	// ExpectedSnapshot takes and clears this adapter's expected-events
	// registry for one poll batch. Callers check every classified Change
	// from the same batch against it before acting on the change.
	ExpectedSnapshot() *expected.Snapshot

	// CreatePath creates each segment of missingSuffix under fullPath's
	// existing ancestor, in order. A segment that already exists remotely
	// is not adopted: both adapters have the provider fail on a name
	// conflict, and CreatePath returns that error together with the
	// folders created before it.
	CreatePath(ctx context.Context, fullPath string, missingSuffix []string) ([]RemoteFile, error)

	// OnChange fires whenever GetChanges buffers a non-empty page, letting
	// the polling thread wake early instead of waiting for the next timer
	// tick.
	OnChange() <-chan struct{}
}

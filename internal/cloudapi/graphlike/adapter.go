// Package graphlike implements a cloudapi.Adapter for parent-ID-addressed
// providers shaped like Microsoft Graph: objects are addressed by an opaque
// (parentID, name) pair rather than a full path, moves are reported by a
// delta feed as a parentReference change, and content hashes are returned
// as an opaque string digest.
package graphlike

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/httpmux"
)

// Config configures a graphlike Adapter. DriveID is the provider's own
// drive/container identifier (Microsoft Graph's drive id) — distinct from
// CloudID, which is this sync engine's own name for the configured account.
type Config struct {
	CloudID        string
	DriveID        string
	BaseURL        string // e.g. "https://graph.microsoft.com/v1.0"
	HTTPClient     *http.Client
	Token          cloudapi.TokenSource
	Logger         *slog.Logger
	MaxConcurrency int
}

// Adapter is a cloudapi.Adapter and command.CloudAdapter for a single
// graphlike cloud account.
type Adapter struct {
	cloudID string
	driveID string

	rest   *cloudapi.RestClient
	mux    *httpmux.Multiplexer
	cache  *cloudapi.StateCache
	expect *expected.Registry
	logger *slog.Logger

	mu         sync.Mutex
	deltaToken string
	pendingRaw []cloudapi.RemoteFile
	pathIndex  map[string]string // relPath -> CloudFileID, built by InitialFiles/CreatePath

	changeCh chan struct{}
}

// New constructs a graphlike Adapter and starts its multiplexer.
func New(ctx context.Context, cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 4
	}

	a := &Adapter{
		cloudID:  cfg.CloudID,
		driveID:  cfg.DriveID,
		rest:     cloudapi.NewRestClient("graph", cfg.BaseURL, cfg.HTTPClient, cfg.Token),
		mux:      httpmux.New(cfg.HTTPClient, logger, maxConcurrency),
		cache:    cloudapi.NewStateCache(),
		expect:   expected.New(),
		logger:   logger,
		changeCh: make(chan struct{}, 1),
		pathIndex: make(map[string]string),
	}

	a.mux.Start(ctx)

	return a
}

// Mux exposes the underlying multiplexer so the sync manager can route
// PrepareXxx-built handles to it.
func (a *Adapter) Mux() *httpmux.Multiplexer { return a.mux }

// Stop drains and stops the adapter's multiplexer.
func (a *Adapter) Stop() { a.mux.Stop() }

func (a *Adapter) CloudID() string { return a.cloudID }

// Expect registers a self-echo suppression entry. New entries are keyed by
// rel_path (no CloudFileID exists yet at registration time); Moved, Updated
// and Delete entries are keyed by the already-known CloudFileID.
func (a *Adapter) Expect(key string, t expected.ChangeType) {
	a.expect.Add(key, t)
}

// ExpectedSnapshot takes and clears this adapter's expected-events
// registry for one poll batch.
func (a *Adapter) ExpectedSnapshot() *expected.Snapshot {
	return a.expect.Snapshot()
}

// OnChange signals whenever a delta poll surfaces at least one change.
func (a *Adapter) OnChange() <-chan struct{} { return a.changeCh }

func (a *Adapter) notifyChange() {
	select {
	case a.changeCh <- struct{}{}:
	default:
	}
}

func (a *Adapter) itemPath(parentID, name string) string {
	return fmt.Sprintf("/drives/%s/items/%s:/%s:", a.driveID, parentID, pathEscape(name))
}

func (a *Adapter) childrenPath(parentID string) string {
	return fmt.Sprintf("/drives/%s/items/%s/children?$top=200", a.driveID, parentID)
}

func (a *Adapter) itemByIDPath(itemID string) string {
	return fmt.Sprintf("/drives/%s/items/%s", a.driveID, itemID)
}

func (a *Adapter) rootPath() string {
	return fmt.Sprintf("/drives/%s/root", a.driveID)
}

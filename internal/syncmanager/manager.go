// Package syncmanager ties the index, the callback dispatcher, the local
// storage adapter, and every enrolled cloud adapter together: it runs the
// initial reconciliation pass, drives the daemon-mode poll and watch loops,
// and translates every detected event — local or remote — into a Change via
// command.ChangeFactory. It is the only package under internal/ that
// imports both internal/localfs and internal/cloudapi.
package syncmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/syncharbor/syncharbor/internal/change"
	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/command"
	"github.com/syncharbor/syncharbor/internal/dispatch"
	"github.com/syncharbor/syncharbor/internal/httpmux"
	"github.com/syncharbor/syncharbor/internal/index"
	"github.com/syncharbor/syncharbor/internal/localfs"
)

const defaultPollInterval = 60 * time.Second

// CloudHandle binds one enrolled cloud's adapter to the index row that
// describes it, plus the poll cadence the sync manager uses in daemon mode.
type CloudHandle struct {
	ID           string
	Adapter      cloudapi.Adapter
	Addressing   index.Addressing
	PollInterval time.Duration

	// rootCloudID is the cloud-side ID of the sync root folder, resolved by
	// EnsureRootExists during initial sync and reused to recognize
	// root-parented entries when resolving a parent-id-addressed path.
	rootCloudID string
}

// stopper is satisfied by cloudapi adapters that own a multiplexer; Stop is
// not part of cloudapi.Adapter itself since not every conceivable adapter
// need own one, but both shipped adapters do.
type stopper interface{ Stop() }

// Manager owns one sync root's worth of state: the index, the dispatcher,
// the local adapter, and every enrolled cloud's handle.
type Manager struct {
	store       *index.Store
	dispatcher  *dispatch.Dispatcher
	local       *localfs.Adapter
	localEvents <-chan localfs.NormalizedEvent
	logger      *slog.Logger

	clouds  map[string]*CloudHandle
	cloudMu sync.RWMutex

	factory *command.ChangeFactory

	inflightMu sync.Mutex
	inflight   map[string]*change.Change // global_id -> most recently dispatched Change

	shutdownTimeout time.Duration
}

// New builds a Manager. local must already be constructed with an emit
// callback that forwards every NormalizedEvent onto localEvents — wiring
// them together this way (rather than Manager owning construction of the
// adapter) keeps localfs free of any dependency on this package. clouds is
// the set of enrolled cloud handles at startup.
func New(store *index.Store, dispatcher *dispatch.Dispatcher, local *localfs.Adapter, localEvents <-chan localfs.NormalizedEvent, clouds []*CloudHandle, logger *slog.Logger, shutdownTimeout time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	m := &Manager{
		store:           store,
		dispatcher:      dispatcher,
		local:           local,
		localEvents:     localEvents,
		logger:          logger,
		clouds:          make(map[string]*CloudHandle),
		inflight:        make(map[string]*change.Change),
		shutdownTimeout: shutdownTimeout,
	}

	for _, h := range clouds {
		if h.PollInterval <= 0 {
			h.PollInterval = defaultPollInterval
		}
		m.clouds[h.ID] = h
	}

	env := &command.Env{
		Store:      store,
		Dispatcher: dispatcher,
		Local:      local,
		Logger:     logger,
		Mux:        m.muxFor,
		Cloud:      m.cloudFor,
		EnrolledClouds: m.enrolledCloudIDs,
	}

	m.factory = command.NewChangeFactory(env, m.onChangeComplete)

	return m
}

// muxer is satisfied by cloud adapters that own a multiplexer. Both shipped
// adapters (graphlike, dropboxlike) start their multiplexer internally and
// expose it this way; command.Env.Mux needs it to enqueue RequestHandles.
type muxer interface {
	Mux() *httpmux.Multiplexer
}

func (m *Manager) muxFor(cloudID string) *httpmux.Multiplexer {
	m.cloudMu.RLock()
	h, ok := m.clouds[cloudID]
	m.cloudMu.RUnlock()

	if !ok {
		return nil
	}

	mx, ok := h.Adapter.(muxer)
	if !ok {
		return nil
	}

	return mx.Mux()
}

func (m *Manager) cloudFor(cloudID string) command.CloudAdapter {
	m.cloudMu.RLock()
	defer m.cloudMu.RUnlock()

	h, ok := m.clouds[cloudID]
	if !ok {
		return nil
	}

	return h.Adapter
}

func (m *Manager) enrolledCloudIDs(ctx context.Context) ([]string, error) {
	m.cloudMu.RLock()
	defer m.cloudMu.RUnlock()

	ids := make([]string, 0, len(m.clouds))
	for id := range m.clouds {
		ids = append(ids, id)
	}

	return ids, nil
}

// onChangeComplete dispatches every Change that was queued behind one that
// just finished. A Change is queued this way only by dispatchSerialized,
// when another Change already owned the same global_id.
func (m *Manager) onChangeComplete(dependents []*change.Change) {
	for _, dep := range dependents {
		dep.Dispatch()
	}
}

// dispatchSerialized ensures at most one Change per global_id is in flight
// at a time: if a prior Change for this key is still running, ch is
// attached as its dependent instead of being dispatched immediately, and
// onChangeComplete releases it once that prior Change finishes. A global_id
// with no history in flight dispatches immediately.
func (m *Manager) dispatchSerialized(globalID string, ch *change.Change) {
	m.inflightMu.Lock()
	prev, busy := m.inflight[globalID]
	m.inflight[globalID] = ch
	m.inflightMu.Unlock()

	if busy {
		prev.AddDependent(ch)
		return
	}

	ch.Dispatch()
}

func newChangeID() string { return uuid.New().String() }

// RunInitialSyncOnly performs just the initial reconciliation pass — every
// enrolled cloud's union merge against the local tree — then shuts down
// without entering the daemon's watch/poll loops. Used by a bootstrap
// command that seeds the index and exits rather than staying resident.
func (m *Manager) RunInitialSyncOnly(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.dispatcher.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return m.drainLocalEvents(gctx)
	})

	err := m.runInitialSync(gctx)

	cancel()
	group.Wait() //nolint:errcheck // shutdown proceeds regardless of drain's own (always-nil) result

	m.shutdown()

	if err != nil {
		return fmt.Errorf("syncmanager: initial sync: %w", err)
	}

	return nil
}

// Run performs the initial reconciliation pass for any cloud that hasn't
// completed one, then drives the local watcher and every cloud's poll loop
// until ctx is canceled, at which point it shuts everything down in order:
// stop accepting new local events, let in-flight HTTP work drain, then stop
// the dispatcher.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.dispatcher.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return m.drainLocalEvents(gctx)
	})

	if err := m.runInitialSync(gctx); err != nil {
		cancel()
		group.Wait() //nolint:errcheck // already returning the initial-sync error below
		m.shutdown()
		return fmt.Errorf("syncmanager: initial sync: %w", err)
	}

	group.Go(func() error {
		return m.local.Watch(gctx)
	})

	m.cloudMu.RLock()
	handles := make([]*CloudHandle, 0, len(m.clouds))
	for _, h := range m.clouds {
		handles = append(handles, h)
	}
	m.cloudMu.RUnlock()

	for _, h := range handles {
		h := h
		group.Go(func() error {
			return m.runCloudPollLoop(gctx, h)
		})
	}

	err := group.Wait()

	m.shutdown()

	if err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

func (m *Manager) shutdown() {
	m.logger.Info("shutting down sync manager")

	m.local.Close()

	m.cloudMu.RLock()
	handles := make([]*CloudHandle, 0, len(m.clouds))
	for _, h := range m.clouds {
		handles = append(handles, h)
	}
	m.cloudMu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		if s, ok := h.Adapter.(stopper); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Stop()
			}()
		}
	}
	wg.Wait()

	m.dispatcher.Stop()
}

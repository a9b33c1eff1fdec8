package command

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncharbor/syncharbor/internal/change"
	"github.com/syncharbor/syncharbor/internal/dispatch"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/httpmux"
	"github.com/syncharbor/syncharbor/internal/index"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, nil))
}

type testLogWriter struct{ t *testing.T }

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// fakeLocal is a LocalAdapter test double that records every call.
type fakeLocal struct {
	mu              sync.Mutex
	materializedNew []string
	materializedUpd []string
	moved           []string
	deleted         []string
	expectations    *expected.Registry
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{expectations: expected.New()}
}

func (f *fakeLocal) MaterializeNew(ctx context.Context, rec *index.FileRecord, fromTmpPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.materializedNew = append(f.materializedNew, rec.RelPath)
	return nil
}

func (f *fakeLocal) MaterializeUpdate(ctx context.Context, rec *index.FileRecord, fromTmpPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.materializedUpd = append(f.materializedUpd, rec.RelPath)
	return nil
}

func (f *fakeLocal) Move(ctx context.Context, globalID, oldRelPath, newRelPath string, isDir bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved = append(f.moved, oldRelPath+"->"+newRelPath)
	return nil, nil
}

func (f *fakeLocal) Delete(ctx context.Context, globalID, relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, relPath)
	return nil
}

func (f *fakeLocal) Expect(relPath string, t expected.ChangeType) {
	f.expectations.Add(relPath, t)
}

// fakeCloud is a CloudAdapter test double. Every Prepare* builds a
// RequestHandle targeting an httptest server that always replies 200 OK;
// the adapter's own OnDone wraps the caller's onDone, so completion flows
// through a real httpmux.Multiplexer exactly like production code.
type fakeCloud struct {
	id           string
	server       *httptest.Server
	expectations *expected.Registry

	mu        sync.Mutex
	uploaded  []string
	updated   []string
	moved     []string
	deleted   []string
	downloads []string
}

func newFakeCloud(t *testing.T, id string) *fakeCloud {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return &fakeCloud{id: id, server: server, expectations: expected.New()}
}

func (f *fakeCloud) CloudID() string { return f.id }

func (f *fakeCloud) PrepareUpload(ctx context.Context, rec *index.FileRecord, localPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error) {
	f.mu.Lock()
	f.uploaded = append(f.uploaded, rec.RelPath)
	f.mu.Unlock()

	return &httpmux.RequestHandle{
		Method: http.MethodPost, URL: f.server.URL,
		OnDone: func(ctx context.Context, resp *http.Response, err error) {
			onDone(CloudResult{CloudFileID: "cf-" + rec.RelPath}, err)
		},
	}, nil
}

func (f *fakeCloud) PrepareUpdate(ctx context.Context, rec *index.FileRecord, link *index.FileLink, localPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error) {
	f.mu.Lock()
	f.updated = append(f.updated, rec.RelPath)
	f.mu.Unlock()

	return &httpmux.RequestHandle{
		Method: http.MethodPut, URL: f.server.URL,
		OnDone: func(ctx context.Context, resp *http.Response, err error) {
			onDone(CloudResult{CloudFileID: link.CloudFileID}, err)
		},
	}, nil
}

func (f *fakeCloud) PrepareMove(ctx context.Context, link *index.FileLink, newRelPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error) {
	f.mu.Lock()
	f.moved = append(f.moved, newRelPath)
	f.mu.Unlock()

	return &httpmux.RequestHandle{
		Method: http.MethodPatch, URL: f.server.URL,
		OnDone: func(ctx context.Context, resp *http.Response, err error) {
			onDone(CloudResult{CloudFileID: link.CloudFileID}, err)
		},
	}, nil
}

func (f *fakeCloud) PrepareDelete(ctx context.Context, link *index.FileLink, onDone func(error)) (*httpmux.RequestHandle, error) {
	f.mu.Lock()
	f.deleted = append(f.deleted, link.CloudFileID)
	f.mu.Unlock()

	return &httpmux.RequestHandle{
		Method: http.MethodDelete, URL: f.server.URL,
		OnDone: func(ctx context.Context, resp *http.Response, err error) {
			onDone(err)
		},
	}, nil
}

func (f *fakeCloud) PrepareDownload(ctx context.Context, link *index.FileLink, destTmpPath string, onDone func(CloudResult, error)) (*httpmux.RequestHandle, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, destTmpPath)
	f.mu.Unlock()

	return &httpmux.RequestHandle{
		Method: http.MethodGet, URL: f.server.URL,
		OnDone: func(ctx context.Context, resp *http.Response, err error) {
			onDone(CloudResult{CloudFileID: link.CloudFileID, Size: 42}, err)
		},
	}, nil
}

func (f *fakeCloud) Expect(cloudFileID string, t expected.ChangeType) {
	f.expectations.Add(cloudFileID, t)
}

type testHarness struct {
	env    *Env
	local  *fakeLocal
	clouds map[string]*fakeCloud
	muxes  map[string]*httpmux.Multiplexer
	store  *index.Store
}

func newTestHarness(t *testing.T, cloudIDs ...string) *testHarness {
	t.Helper()

	ctx := context.Background()
	logger := testLogger(t)

	store, err := index.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	d := dispatch.New(store, logger, 0)
	d.Start(ctx)
	t.Cleanup(d.Stop)

	local := newFakeLocal()
	clouds := make(map[string]*fakeCloud)
	muxes := make(map[string]*httpmux.Multiplexer)

	for _, id := range cloudIDs {
		clouds[id] = newFakeCloud(t, id)
		m := httpmux.New(http.DefaultClient, logger, 4)
		m.Start(ctx)
		t.Cleanup(m.Stop)
		muxes[id] = m
	}

	env := &Env{
		Store:      store,
		Dispatcher: d,
		Local:      local,
		Logger:     logger,
		Mux: func(cloudID string) *httpmux.Multiplexer {
			return muxes[cloudID]
		},
		Cloud: func(cloudID string) CloudAdapter {
			return clouds[cloudID]
		},
		EnrolledClouds: func(ctx context.Context) ([]string, error) {
			return cloudIDs, nil
		},
	}

	return &testHarness{env: env, local: local, clouds: clouds, muxes: muxes, store: store}
}

func waitForPending(t *testing.T, c *change.Change) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Pending() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("change did not reach zero pending commands in time")
}

func TestLocalUploadFansOutToOtherClouds(t *testing.T) {
	h := newTestHarness(t, "cloud-a", "cloud-b")

	var released []*change.Change
	var mu sync.Mutex
	factory := NewChangeFactory(h.env, func(deps []*change.Change) {
		mu.Lock()
		released = append(released, deps...)
		mu.Unlock()
	})

	c := factory.NewLocalNew("chg-1", "g-1", "notes/a.txt", false, 1000, 10, 0xabc)
	c.Dispatch()

	waitForPending(t, c)

	assert.Contains(t, h.local.materializedNew, "notes/a.txt")
	assert.ElementsMatch(t, h.clouds["cloud-a"].uploaded, []string{"notes/a.txt"})
	assert.ElementsMatch(t, h.clouds["cloud-b"].uploaded, []string{"notes/a.txt"})

	link, err := h.store.GetFileLink(context.Background(), "g-1", "cloud-a")
	require.NoError(t, err)
	assert.Equal(t, "cf-notes/a.txt", link.CloudFileID)
}

func TestCloudNewChainRenamesAndFansOut(t *testing.T) {
	h := newTestHarness(t, "cloud-a", "cloud-b")

	factory := NewChangeFactory(h.env, func(deps []*change.Change) {})

	c := factory.NewCloudNew("chg-2", "g-2", "docs/b.txt", false, 2000, "cloud-a", "cf-remote-2")
	c.Dispatch()

	waitForPending(t, c)

	assert.Contains(t, h.clouds["cloud-a"].downloads, TmpPath("docs/b.txt"))
	assert.Contains(t, h.local.materializedNew, "docs/b.txt")
	// Only cloud-b should receive the fan-out upload; cloud-a originated it.
	assert.Empty(t, h.clouds["cloud-a"].uploaded)
	assert.ElementsMatch(t, h.clouds["cloud-b"].uploaded, []string{"docs/b.txt"})
}

func TestLocalDeleteFansOutOnlyToLinkedClouds(t *testing.T) {
	h := newTestHarness(t, "cloud-a", "cloud-b")
	ctx := context.Background()

	require.NoError(t, h.store.UpsertFileLink(ctx, &index.FileLink{
		GlobalID: "g-3", CloudID: "cloud-a", CloudFileID: "cf-3",
	}))

	factory := NewChangeFactory(h.env, func(deps []*change.Change) {})
	c := factory.NewDelete("chg-3", "g-3", "old/file.txt", false, 3000, change.LocalCloudID)
	c.Dispatch()

	waitForPending(t, c)

	assert.Contains(t, h.local.deleted, "old/file.txt")
	assert.ElementsMatch(t, h.clouds["cloud-a"].deleted, []string{"cf-3"})
	assert.Empty(t, h.clouds["cloud-b"].deleted)
}

func TestMoveFansOutToLinkedClouds(t *testing.T) {
	h := newTestHarness(t, "cloud-a")
	ctx := context.Background()

	require.NoError(t, h.store.UpsertFileLink(ctx, &index.FileLink{
		GlobalID: "g-4", CloudID: "cloud-a", CloudFileID: "cf-4",
	}))

	factory := NewChangeFactory(h.env, func(deps []*change.Change) {})
	c := factory.NewMove("chg-4", "g-4", "old/name.txt", "new/name.txt", false, 4000, change.LocalCloudID)
	c.Dispatch()

	waitForPending(t, c)

	assert.Contains(t, h.local.moved, "old/name.txt->new/name.txt")
	assert.ElementsMatch(t, h.clouds["cloud-a"].moved, []string{"new/name.txt"})
}

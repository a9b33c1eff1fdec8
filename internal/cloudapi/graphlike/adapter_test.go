package graphlike

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/command"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/index"
)

type testToken string

func (t testToken) Token() (string, error) { return string(t), nil }

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()

	a := New(context.Background(), Config{
		CloudID:        "test-cloud",
		DriveID:        "drive1",
		BaseURL:        srv.URL,
		HTTPClient:     http.DefaultClient,
		Token:          testToken("tok"),
		Logger:         slog.Default(),
		MaxConcurrency: 2,
	})
	t.Cleanup(a.Stop)

	return a
}

func TestAdapter_EnsureRootExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drives/drive1/root", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"root-id","name":"root","folder":{"childCount":1}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)

	root, err := a.EnsureRootExists(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "root-id", root.CloudFileID)
	assert.True(t, root.IsDir)
}

func TestAdapter_InitialFiles_WalksTreeAndPaginates(t *testing.T) {
	var callCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := callCount.Add(1)

		switch {
		case r.URL.Path == "/drives/drive1/root":
			_, _ = w.Write([]byte(`{"id":"root-id","name":"root","folder":{"childCount":2}}`))
		case r.URL.Path == "/drives/drive1/items/root-id/children" && n == 2:
			fmt.Fprintf(w, `{"value":[{"id":"f1","name":"sub","folder":{"childCount":1},"parentReference":{"id":"root-id"}}],"@odata.nextLink":"%s/drives/drive1/items/root-id/children?page=2"}`, srv.URL)
		case r.URL.Query().Get("page") == "2":
			_, _ = w.Write([]byte(`{"value":[{"id":"f2","name":"doc.txt","size":10,"file":{},"parentReference":{"id":"root-id"}}]}`))
		case r.URL.Path == "/drives/drive1/items/f1/children":
			_, _ = w.Write([]byte(`{"value":[{"id":"f3","name":"nested.txt","size":5,"file":{},"parentReference":{"id":"f1"}}]}`))
		default:
			t.Fatalf("unexpected request: %s", r.URL.String())
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)

	_, err := a.EnsureRootExists(context.Background())
	require.NoError(t, err)

	files, err := a.InitialFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)

	ids := map[string]bool{}
	for _, f := range files {
		ids[f.CloudFileID] = true
	}
	assert.True(t, ids["f1"])
	assert.True(t, ids["f2"])
	assert.True(t, ids["f3"])
}

func TestAdapter_CreatePath_UnknownParent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("should not make any request when parent is unknown")
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)

	_, err := a.CreatePath(context.Background(), "a/b/c", []string{"a", "b", "c"})
	assert.ErrorIs(t, err, cloudapi.ErrParentUnknown)
}

func TestAdapter_CreatePath_CreatesEachMissingSegment(t *testing.T) {
	var created []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createFolderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		created = append(created, body.Name)

		id := "id-" + body.Name
		fmt.Fprintf(w, `{"id":"%s","name":"%s","folder":{"childCount":0},"parentReference":{"id":"whatever"}}`, id, body.Name)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.EnsureRootExists(context.Background())
	require.NoError(t, err)

	rfs, err := a.CreatePath(context.Background(), "x/y", []string{"x", "y"})
	require.NoError(t, err)
	require.Len(t, rfs, 2)
	assert.Equal(t, []string{"x", "y"}, created)
}

func TestAdapter_PrepareUpload_BuildsRequest(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "upload.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("hello world"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"id":"new-item","name":"upload.txt","size":11,"parentReference":{"id":"root-id"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	a.mu.Lock()
	a.pathIndex[""] = "root-id"
	a.mu.Unlock()

	f := &index.FileRecord{RelPath: "upload.txt", Size: 11}

	h, err := a.PrepareUpload(context.Background(), f, tmpFile, func(res command.CloudResult, err error) {
		require.NoError(t, err)
		assert.Equal(t, "new-item", res.CloudFileID)
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, h.Method)
	assert.Contains(t, h.URL, "upload.txt")
	assert.Equal(t, []byte("hello world"), h.Body)
}

func TestAdapter_ExpectedSnapshot_ClearsLiveRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	a := newTestAdapter(t, srv)

	a.Expect("report.txt", expected.New)
	a.Expect("cf-1", expected.Delete)

	snap := a.ExpectedSnapshot()
	assert.True(t, snap.Check("report.txt", expected.New))
	assert.True(t, snap.Check("cf-1", expected.Delete))

	// A second snapshot taken right after must be empty: the first one
	// already consumed and cleared the live registry.
	assert.False(t, a.ExpectedSnapshot().Check("report.txt", expected.New))
}

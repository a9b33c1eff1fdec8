package httpmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

func newTestMultiplexer(t *testing.T, concurrency int) *Multiplexer {
	t.Helper()

	m := New(http.DefaultClient, nil, concurrency)
	m.sleepFunc = noopSleep

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	t.Cleanup(func() {
		cancel()
		m.Stop()
	})

	return m
}

func TestSendWithRetrySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMultiplexer(t, 2)

	done := make(chan struct{})
	var gotErr error
	var gotStatus int

	h := &RequestHandle{
		ID: "r1", Method: http.MethodGet, URL: srv.URL,
		OnDone: func(_ context.Context, resp *http.Response, err error) {
			gotErr = err
			if resp != nil {
				gotStatus = resp.StatusCode
				resp.Body.Close()
			}
			close(done)
		},
	}

	require.NoError(t, m.Enqueue(context.Background(), h))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	require.NoError(t, gotErr)
	assert.Equal(t, http.StatusOK, gotStatus)
}

func TestSendWithRetryRetriesOn503(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMultiplexer(t, 2)

	done := make(chan struct{})
	var gotErr error

	h := &RequestHandle{
		ID: "r2", Method: http.MethodGet, URL: srv.URL,
		OnDone: func(_ context.Context, resp *http.Response, err error) {
			gotErr = err
			if resp != nil {
				resp.Body.Close()
			}
			close(done)
		},
	}

	require.NoError(t, m.Enqueue(context.Background(), h))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	require.NoError(t, gotErr)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendWithRetryNonRetryable400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := newTestMultiplexer(t, 2)

	done := make(chan struct{})
	var gotErr error

	h := &RequestHandle{
		ID: "r3", Method: http.MethodGet, URL: srv.URL,
		OnDone: func(_ context.Context, resp *http.Response, err error) {
			gotErr = err
			if resp != nil {
				resp.Body.Close()
			}
			close(done)
		},
	}

	require.NoError(t, m.Enqueue(context.Background(), h))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	require.Error(t, gotErr)
}

func TestSyncRequestBlocksUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMultiplexer(t, 2)

	h := &RequestHandle{ID: "r4", Method: http.MethodGet, URL: srv.URL}

	resp, err := m.SyncRequest(context.Background(), h)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIsIdle(t *testing.T) {
	m := newTestMultiplexer(t, 2)
	assert.True(t, m.IsIdle())
}

package syncmanager

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncharbor/syncharbor/internal/change"
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

// fakeLink records whether Dispatch was called, standing in for a Command
// in tests that only exercise Change/dispatchSerialized bookkeeping.
type fakeLink struct {
	mu         sync.Mutex
	dispatched bool
}

func (f *fakeLink) Dispatch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = true
}

func (f *fakeLink) wasDispatched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatched
}

func newTestManager() *Manager {
	return &Manager{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clouds:   make(map[string]*CloudHandle),
		inflight: make(map[string]*change.Change),
	}
}

func TestDispatchSerialized_FirstChangeDispatchesImmediately(t *testing.T) {
	m := newTestManager()

	link := &fakeLink{}
	ch := change.New("c1", change.TypeNew, "a.txt", 0, change.LocalCloudID, link, m.onChangeComplete)

	m.dispatchSerialized("g1", ch)

	assert.True(t, link.wasDispatched())
}

func TestDispatchSerialized_SecondChangeForSameKeyWaits(t *testing.T) {
	m := newTestManager()

	link1 := &fakeLink{}
	ch1 := change.New("c1", change.TypeNew, "a.txt", 0, change.LocalCloudID, link1, m.onChangeComplete)

	link2 := &fakeLink{}
	ch2 := change.New("c2", change.TypeUpdate, "a.txt", 0, change.LocalCloudID, link2, m.onChangeComplete)

	m.dispatchSerialized("g1", ch1)
	m.dispatchSerialized("g1", ch2)

	require.True(t, link1.wasDispatched())
	assert.False(t, link2.wasDispatched(), "second change for the same global_id must not dispatch while the first is in flight")

	ch1.DecPending()

	assert.True(t, link2.wasDispatched(), "releasing the first change's only pending command must dispatch the queued dependent")
}

func TestDispatchSerialized_DifferentKeysDispatchIndependently(t *testing.T) {
	m := newTestManager()

	linkA := &fakeLink{}
	chA := change.New("c1", change.TypeNew, "a.txt", 0, change.LocalCloudID, linkA, m.onChangeComplete)

	linkB := &fakeLink{}
	chB := change.New("c2", change.TypeNew, "b.txt", 0, change.LocalCloudID, linkB, m.onChangeComplete)

	m.dispatchSerialized("g1", chA)
	m.dispatchSerialized("g2", chB)

	assert.True(t, linkA.wasDispatched())
	assert.True(t, linkB.wasDispatched())
}

func TestNewChangeID_Unique(t *testing.T) {
	a := newChangeID()
	b := newChangeID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

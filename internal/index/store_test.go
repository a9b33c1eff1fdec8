package index

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), ":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestOpen(t *testing.T) {
	store := newTestStore(t)
	assert.NotNil(t, store)
}

func TestFileRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := &FileRecord{
		GlobalID:    "g1",
		RelPath:     "docs/report.txt",
		FileID:      "dev1:inode1",
		IsDir:       false,
		Size:        1024,
		LocalMtime:  1000,
		LocalHash:   0xdeadbeef,
		LocalHashOK: true,
		UpdatedUnix: 1000,
	}

	require.NoError(t, store.UpsertFileRecord(ctx, f))

	got, err := store.GetFileRecordByGlobalID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, f.RelPath, got.RelPath)
	assert.Equal(t, f.FileID, got.FileID)
	assert.Equal(t, f.LocalHash, got.LocalHash)
	assert.True(t, got.LocalHashOK)

	byPath, err := store.GetFileRecordByRelPath(ctx, "docs/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "g1", byPath.GlobalID)

	byFileID, err := store.GetFileRecordByFileID(ctx, "dev1:inode1")
	require.NoError(t, err)
	assert.Equal(t, "g1", byFileID.GlobalID)
}

func TestFileRecordNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetFileRecordByGlobalID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFileRecordDeletedExcludesFromLookups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := &FileRecord{GlobalID: "g2", RelPath: "a.txt", UpdatedUnix: 1}
	require.NoError(t, store.UpsertFileRecord(ctx, f))

	require.NoError(t, store.MarkFileRecordDeleted(ctx, "g2", 2))

	_, err := store.GetFileRecordByRelPath(ctx, "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	// Soft-deleted rows remain visible by GlobalID.
	got, err := store.GetFileRecordByGlobalID(ctx, "g2")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestDeleteFileRecordCascadesFileLinks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCloudConfig(ctx, &CloudConfig{
		CloudID: "c1", Provider: "graphlike", DisplayName: "Test", RootPath: "/", Addressing: AddressingParentID,
	}))
	require.NoError(t, store.UpsertFileRecord(ctx, &FileRecord{GlobalID: "g3", RelPath: "b.txt"}))
	require.NoError(t, store.UpsertFileLink(ctx, &FileLink{
		GlobalID: "g3", CloudID: "c1", CloudFileID: "cloud-b", CloudHash: StrHash("abc"),
	}))

	require.NoError(t, store.DeleteFileRecord(ctx, "g3"))

	_, err := store.GetFileLink(ctx, "g3", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileLinkRoundTripNumericHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCloudConfig(ctx, &CloudConfig{
		CloudID: "c1", Provider: "graphlike", DisplayName: "Test", RootPath: "/", Addressing: AddressingParentID,
	}))
	require.NoError(t, store.UpsertFileRecord(ctx, &FileRecord{GlobalID: "g4", RelPath: "c.bin"}))

	link := &FileLink{
		GlobalID:    "g4",
		CloudID:     "c1",
		CloudFileID: "cloud-c",
		CloudHash:   NumHash(42),
		CloudMtime:  500,
		Synced:      true,
	}
	require.NoError(t, store.UpsertFileLink(ctx, link))

	got, err := store.GetFileLink(ctx, "g4", "c1")
	require.NoError(t, err)
	assert.True(t, got.CloudHash.Equal(NumHash(42)))
	assert.True(t, got.Synced)

	byCloudID, err := store.GetFileLinkByCloudFileID(ctx, "c1", "cloud-c")
	require.NoError(t, err)
	assert.Equal(t, "g4", byCloudID.GlobalID)
}

func TestCloudConfigLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &CloudConfig{
		CloudID: "cloud-a", Provider: "dropboxlike", DisplayName: "Personal",
		RootPath: "/", Addressing: AddressingPath, CreatedUnix: 10,
	}
	require.NoError(t, store.CreateCloudConfig(ctx, cfg))

	require.NoError(t, store.UpdateCloudToken(ctx, "cloud-a", `{"access_token":"x"}`))
	require.NoError(t, store.UpdateCloudDeltaToken(ctx, "cloud-a", "delta-1"))
	require.NoError(t, store.SetCloudQuarantined(ctx, "cloud-a", true))
	require.NoError(t, store.SetCloudInitialSyncDone(ctx, "cloud-a", true))

	got, err := store.GetCloudConfig(ctx, "cloud-a")
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"x"}`, got.TokenJSON)
	assert.Equal(t, "delta-1", got.DeltaToken)
	assert.True(t, got.Quarantined)
	assert.True(t, got.InitialSyncDone)

	all, err := store.ListCloudConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteCloudConfig(ctx, "cloud-a"))
	_, err = store.GetCloudConfig(ctx, "cloud-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetMetadata(ctx, "schema_note")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetMetadata(ctx, "schema_note", "v1"))
	got, err := store.GetMetadata(ctx, "schema_note")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	require.NoError(t, store.SetMetadata(ctx, "schema_note", "v2"))
	got, err = store.GetMetadata(ctx, "schema_note")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestGetMissingPathPart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Nothing exists yet: the shallowest missing ancestor of a/b/c.txt is "a".
	missing, err := store.GetMissingPathPart(ctx, "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", missing)

	require.NoError(t, store.UpsertFileRecord(ctx, &FileRecord{GlobalID: "da", RelPath: "a", IsDir: true}))

	missing, err = store.GetMissingPathPart(ctx, "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/b", missing)

	require.NoError(t, store.UpsertFileRecord(ctx, &FileRecord{GlobalID: "db", RelPath: "a/b", IsDir: true}))

	missing, err = store.GetMissingPathPart(ctx, "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "", missing)
}

func TestGetMissingPathPartTopLevel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetMissingPathPart(ctx, "top.txt")
	require.NoError(t, err)
	assert.Equal(t, "", missing)
}

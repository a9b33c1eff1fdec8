package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/oauth2/microsoft"

	"github.com/syncharbor/syncharbor/internal/config"
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

func TestOauthConfigFor_Graphlike(t *testing.T) {
	cb := config.CloudBootstrap{Name: "onedrive", Type: providerGraphlike, ClientID: "id", ClientSecret: "secret"}

	cfg, err := oauthConfigFor(cb)

	require.NoError(t, err)
	assert.Equal(t, "id", cfg.ClientID)
	assert.Equal(t, "secret", cfg.ClientSecret)
	assert.Equal(t, microsoft.AzureADEndpoint("common"), cfg.Endpoint)
	assert.Contains(t, cfg.Scopes, "offline_access")
}

func TestOauthConfigFor_Dropboxlike(t *testing.T) {
	cb := config.CloudBootstrap{Name: "dbx", Type: providerDropboxlike, ClientID: "id", ClientSecret: "secret"}

	cfg, err := oauthConfigFor(cb)

	require.NoError(t, err)
	assert.Equal(t, endpoints.Dropbox, cfg.Endpoint)
	assert.Contains(t, cfg.Scopes, "files.content.write")
}

func TestOauthConfigFor_UnknownProvider(t *testing.T) {
	cb := config.CloudBootstrap{Name: "mystery", Type: "unknown"}

	_, err := oauthConfigFor(cb)

	assert.Error(t, err)
}

func TestBootstrapCloudConfigs_SeedsEnabledCloudsOnly(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)

	store, err := index.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Clouds: []config.CloudBootstrap{
			{Name: "enabled-cloud", Type: providerGraphlike, Enabled: true, Addressing: "parent_id"},
			{Name: "disabled-cloud", Type: providerGraphlike, Enabled: false, Addressing: "parent_id"},
		},
	}

	require.NoError(t, bootstrapCloudConfigs(ctx, store, cfg, 1000))

	_, err = store.GetCloudConfig(ctx, "enabled-cloud")
	assert.NoError(t, err)

	_, err = store.GetCloudConfig(ctx, "disabled-cloud")
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestBootstrapCloudConfigs_IdempotentPreservesExistingRow(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)

	store, err := index.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Clouds: []config.CloudBootstrap{
			{Name: "onedrive", Type: providerGraphlike, Enabled: true, Addressing: "parent_id"},
		},
	}

	require.NoError(t, bootstrapCloudConfigs(ctx, store, cfg, 1000))

	require.NoError(t, store.UpdateCloudDeltaToken(ctx, "onedrive", "cursor-123"))
	require.NoError(t, store.SetCloudInitialSyncDone(ctx, "onedrive", true))

	require.NoError(t, bootstrapCloudConfigs(ctx, store, cfg, 2000))

	c, err := store.GetCloudConfig(ctx, "onedrive")
	require.NoError(t, err)
	assert.Equal(t, "cursor-123", c.DeltaToken)
	assert.True(t, c.InitialSyncDone, "a second bootstrap pass must not reset progress an earlier run recorded")
}

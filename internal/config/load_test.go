package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to stderr, ensuring all
// config debug output appears in test output for CI visibility.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
sync_root = "/home/toni/sync"

[[cloud]]
name = "work"
type = "graphlike"
root_path = "/Documents"
addressing = "parent_id"
client_id = "abc123"
token_file = "/home/toni/.local/share/syncharbor/work.token"
enabled = true

[filter]
skip_files = ["*.tmp", "*.swp"]
skip_dirs = ["node_modules", ".git"]
skip_dotfiles = true
skip_symlinks = true
max_file_size = "1GB"
ignore_marker = ".syncignore"

[transfers]
max_in_flight = 40
max_retry_attempts = 4
chunk_size = "20MiB"
bandwidth_limit = "5MB"
transfer_order = "size_asc"

[safety]
big_delete_threshold = 500
big_delete_percentage = 25
min_free_space = "2GB"
use_local_trash = false
sync_dir_permissions = "0755"
sync_file_permissions = "0644"

[sync]
poll_interval = "10m"
websocket = false
shutdown_timeout = "60s"

[logging]
log_level = "debug"
log_file = "/tmp/syncharbor.log"
log_format = "json"

[network]
connect_timeout = "30s"
data_timeout = "120s"
user_agent = "SyncHarbor/test"
`

	path := writeTestConfig(t, tomlContent)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "/home/toni/sync", cfg.SyncRoot)
	require.Len(t, cfg.Clouds, 1)
	assert.Equal(t, "work", cfg.Clouds[0].Name)
	assert.Equal(t, "graphlike", cfg.Clouds[0].Type)
	assert.True(t, cfg.Clouds[0].Enabled)

	assert.Equal(t, []string{"*.tmp", "*.swp"}, cfg.Filter.SkipFiles)
	assert.Equal(t, []string{"node_modules", ".git"}, cfg.Filter.SkipDirs)
	assert.True(t, cfg.Filter.SkipDotfiles)
	assert.True(t, cfg.Filter.SkipSymlinks)
	assert.Equal(t, "1GB", cfg.Filter.MaxFileSize)
	assert.Equal(t, ".syncignore", cfg.Filter.IgnoreMarker)

	assert.Equal(t, 40, cfg.Transfers.MaxInFlight)
	assert.Equal(t, 4, cfg.Transfers.MaxRetryAttempts)
	assert.Equal(t, "20MiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, "5MB", cfg.Transfers.BandwidthLimit)
	assert.Equal(t, "size_asc", cfg.Transfers.TransferOrder)

	assert.Equal(t, 500, cfg.Safety.BigDeleteThreshold)
	assert.Equal(t, 25, cfg.Safety.BigDeletePercentage)
	assert.Equal(t, "2GB", cfg.Safety.MinFreeSpace)
	assert.False(t, cfg.Safety.UseLocalTrash)
	assert.Equal(t, "0755", cfg.Safety.SyncDirPermissions)
	assert.Equal(t, "0644", cfg.Safety.SyncFilePermissions)

	assert.Equal(t, "10m", cfg.Sync.PollInterval)
	assert.False(t, cfg.Sync.Websocket)
	assert.Equal(t, "60s", cfg.Sync.ShutdownTimeout)

	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "/tmp/syncharbor.log", cfg.Logging.LogFile)
	assert.Equal(t, "json", cfg.Logging.LogFormat)

	assert.Equal(t, "30s", cfg.Network.ConnectTimeout)
	assert.Equal(t, "120s", cfg.Network.DataTimeout)
	assert.Equal(t, "SyncHarbor/test", cfg.Network.UserAgent)
}

func TestLoad_MinimalConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Transfers.MaxInFlight)
	assert.Equal(t, "10MiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "60s", cfg.Sync.PollInterval)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `[filter
not valid toml`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml", testLogger(t))
	require.Error(t, err)
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, "[transfers]\nmax_in_flight = 0\n")
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadOrDefault_FileExists(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_level = \"debug\"\n")
	cfg, err := LoadOrDefault(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoadOrDefault_FileNotFound(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.toml", testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, 120, cfg.Transfers.MaxInFlight)
}

func TestLoad_PartialConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_level = \"warn\"\n")
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Equal(t, 120, cfg.Transfers.MaxInFlight)
	assert.Equal(t, "60s", cfg.Sync.PollInterval)
	assert.Equal(t, ".syncharborignore", cfg.Filter.IgnoreMarker)
}

func TestLoad_BandwidthSchedule(t *testing.T) {
	path := writeTestConfig(t, `
[transfers]
bandwidth_schedule = [
    { time = "08:00", limit = "5MB" },
    { time = "18:00", limit = "50MB" },
    { time = "23:00", limit = "0" },
]
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	require.Len(t, cfg.Transfers.BandwidthSchedule, 3)
	assert.Equal(t, "08:00", cfg.Transfers.BandwidthSchedule[0].Time)
	assert.Equal(t, "5MB", cfg.Transfers.BandwidthSchedule[0].Limit)
	assert.Equal(t, "18:00", cfg.Transfers.BandwidthSchedule[1].Time)
	assert.Equal(t, "23:00", cfg.Transfers.BandwidthSchedule[2].Time)
}

func TestLoad_MultipleClouds(t *testing.T) {
	path := writeTestConfig(t, `
sync_root = "/home/toni/sync"

[[cloud]]
name = "personal"
type = "graphlike"
addressing = "parent_id"
enabled = true

[[cloud]]
name = "vault"
type = "dropboxlike"
addressing = "path"
enabled = false
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	require.Len(t, cfg.Clouds, 2)
	assert.Equal(t, "personal", cfg.Clouds[0].Name)
	assert.Equal(t, "vault", cfg.Clouds[1].Name)
	assert.False(t, cfg.Clouds[1].Enabled)
}

func TestLoad_DuplicateCloudNames_ValidationError(t *testing.T) {
	path := writeTestConfig(t, `
[[cloud]]
name = "work"
type = "graphlike"
addressing = "parent_id"

[[cloud]]
name = "work"
type = "dropboxlike"
addressing = "path"
`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestLoad_UnknownTopLevelKey(t *testing.T) {
	path := writeTestConfig(t, `parallel_downloads = 4`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
}

func TestLoad_UnknownSectionKey(t *testing.T) {
	path := writeTestConfig(t, "[transfers]\nparallel_downloads = 4\n")
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
}

package filter

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncharbor/syncharbor/internal/config"
)

func newTestEngine(t *testing.T, cfg config.FilterConfig, syncRoot string) *Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e, err := New(cfg, syncRoot, logger)
	require.NoError(t, err)

	return e
}

func TestEngine_SkipDotfiles(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, config.FilterConfig{SkipDotfiles: true}, "/tmp/sync")

	assert.False(t, e.ShouldSync(".bashrc", false, false, 10).Included)
	assert.True(t, e.ShouldSync("notes.txt", false, false, 10).Included)
}

func TestEngine_SkipFilesGlob(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, config.FilterConfig{SkipFiles: []string{"*.log", "*.tmp"}}, "/tmp/sync")

	assert.False(t, e.ShouldSync("app.log", false, false, 10).Included)
	assert.False(t, e.ShouldSync("nested/app.LOG", false, false, 10).Included)
	assert.True(t, e.ShouldSync("app.txt", false, false, 10).Included)
}

func TestEngine_SkipDirs(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, config.FilterConfig{SkipDirs: []string{"node_modules", ".git"}}, "/tmp/sync")

	assert.False(t, e.ShouldSync("node_modules", true, false, 0).Included)
	assert.True(t, e.ShouldSync("src", true, false, 0).Included)
}

func TestEngine_MaxFileSize(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, config.FilterConfig{MaxFileSize: "1KB"}, "/tmp/sync")

	assert.True(t, e.ShouldSync("small.bin", false, false, 500).Included)
	assert.False(t, e.ShouldSync("big.bin", false, false, 5000).Included)
}

func TestEngine_SkipSymlinks(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, config.FilterConfig{SkipSymlinks: true}, "/tmp/sync")

	assert.False(t, e.ShouldSync("link.txt", false, true, 0).Included)
	assert.True(t, e.ShouldSync("real.txt", false, false, 0).Included)
}

func TestEngine_AlwaysExcludesStagingArtifacts(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, config.FilterConfig{}, "/tmp/sync")

	assert.False(t, e.ShouldSync("download.partial", false, false, 0).Included)
	assert.False(t, e.ShouldSync("upload.tmp", false, false, 0).Included)
	assert.False(t, e.ShouldSync("~lockfile", false, false, 0).Included)
}

func TestEngine_IgnoreMarker(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".syncharborignore"), []byte("*.secret\nbuild/\n"), 0o644))

	e := newTestEngine(t, config.FilterConfig{IgnoreMarker: ".syncharborignore"}, root)

	assert.False(t, e.ShouldSync("keys.secret", false, false, 0).Included)
	assert.False(t, e.ShouldSync("build", true, false, 0).Included)
	assert.True(t, e.ShouldSync("main.go", false, false, 0).Included)
}

func TestEngine_InvalidMaxFileSize(t *testing.T) {
	t.Parallel()

	_, err := New(config.FilterConfig{MaxFileSize: "-5MB"}, "/tmp/sync", nil)
	require.Error(t, err)
}

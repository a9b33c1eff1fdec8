// Package filter decides whether a local-side path participates in sync:
// dotfiles, glob-pattern exclusions, a size ceiling, symlinks, and a
// per-directory ignore-marker file layered on top of config.FilterConfig.
// Both the local watcher/normalizer and the initial enumeration pass consult
// the same Engine so a path excluded during the initial scan stays excluded
// once the watcher takes over.
package filter

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/syncharbor/syncharbor/internal/config"
)

// alwaysExcludedSuffixes are staging/lock artifacts that must never be
// treated as sync candidates regardless of config, since they are how the
// rename-into-place protocol itself marks in-progress work.
var alwaysExcludedSuffixes = []string{".tmp", ".partial"}

const alwaysExcludedPrefix = "~"

// Result is the outcome of one ShouldSync evaluation.
type Result struct {
	Included bool
	Reason   string
}

// Engine evaluates FilterConfig's cascade against one sync root: config
// glob patterns first (cheap, no I/O), then a per-directory ignore-marker
// file loaded lazily and cached.
type Engine struct {
	cfg      config.FilterConfig
	syncRoot string
	logger   *slog.Logger

	maxSizeBytes int64

	mu          sync.RWMutex
	ignoreCache map[string]*ignore.GitIgnore
}

// New builds an Engine from cfg, parsing max_file_size up front so later
// calls to ShouldSync never return a parse error.
func New(cfg config.FilterConfig, syncRoot string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	maxBytes, err := config.ParseSize(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid max_file_size %q: %w", cfg.MaxFileSize, err)
	}

	return &Engine{
		cfg:          cfg,
		syncRoot:     syncRoot,
		logger:       logger,
		maxSizeBytes: maxBytes,
		ignoreCache:  make(map[string]*ignore.GitIgnore),
	}, nil
}

// ShouldSync evaluates path (relative to the sync root, forward-slash
// form) against every filter layer. isSymlink is only meaningful for
// non-directory entries.
func (e *Engine) ShouldSync(path string, isDir, isSymlink bool, size int64) Result {
	name := filepath.Base(path)

	if e.cfg.SkipSymlinks && isSymlink {
		return Result{Reason: "symlink excluded"}
	}

	if r := e.checkAlwaysExcluded(name); !r.Included {
		return r
	}

	if e.cfg.SkipDotfiles && strings.HasPrefix(name, ".") {
		return Result{Reason: "dotfile excluded"}
	}

	if isDir {
		if matchesAny(name, e.cfg.SkipDirs) {
			return Result{Reason: "matches skip_dirs pattern"}
		}
	} else {
		if matchesAny(name, e.cfg.SkipFiles) {
			return Result{Reason: "matches skip_files pattern"}
		}

		if e.maxSizeBytes > 0 && size > e.maxSizeBytes {
			return Result{Reason: "exceeds max_file_size"}
		}
	}

	return e.checkIgnoreMarker(path, isDir)
}

func (e *Engine) checkAlwaysExcluded(name string) Result {
	lower := strings.ToLower(name)

	for _, suffix := range alwaysExcludedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return Result{Reason: "matches " + suffix + " staging suffix"}
		}
	}

	if strings.HasPrefix(name, alwaysExcludedPrefix) {
		return Result{Reason: "matches ~ lock-file prefix"}
	}

	return Result{Included: true}
}

// checkIgnoreMarker consults the ignore-marker file in path's parent
// directory, if one is configured and present. Markers in directories
// further up the tree are not consulted.
func (e *Engine) checkIgnoreMarker(path string, isDir bool) Result {
	if e.cfg.IgnoreMarker == "" {
		return Result{Included: true}
	}

	dir := filepath.Dir(path)

	gi := e.loadMarker(dir)
	if gi == nil {
		return Result{Included: true}
	}

	matchPath := filepath.ToSlash(path)
	if isDir {
		matchPath += "/"
	}

	if gi.MatchesPath(matchPath) {
		return Result{Reason: "excluded by " + e.cfg.IgnoreMarker}
	}

	return Result{Included: true}
}

func (e *Engine) loadMarker(dir string) *ignore.GitIgnore {
	e.mu.RLock()
	gi, cached := e.ignoreCache[dir]
	e.mu.RUnlock()

	if cached {
		return gi
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if gi, cached = e.ignoreCache[dir]; cached {
		return gi
	}

	markerPath := filepath.Join(e.syncRoot, dir, e.cfg.IgnoreMarker)

	parsed, err := ignore.CompileIgnoreFile(markerPath)
	if err != nil {
		e.logger.Debug("no ignore marker found", "dir", dir, "path", markerPath)
		e.ignoreCache[dir] = nil

		return nil
	}

	e.logger.Debug("loaded ignore marker", "dir", dir, "path", markerPath)
	e.ignoreCache[dir] = parsed

	return parsed
}

// matchesAny reports whether name matches any of the glob patterns,
// case-insensitively. A malformed pattern is skipped rather than treated
// as a hard error — one bad entry in skip_files shouldn't break every scan.
func matchesAny(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)

	for _, pattern := range patterns {
		matched, err := filepath.Match(strings.ToLower(pattern), lowerName)
		if err != nil {
			continue
		}

		if matched {
			return true
		}
	}

	return false
}

package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the configuration as a human-readable annotated
// summary to w, one section per table of the bootstrap file, showing the
// values currently in effect.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderRootSection(ew, cfg)
	renderCloudsSection(ew, cfg.Clouds)
	renderFilterSection(ew, &cfg.Filter)
	renderTransfersSection(ew, &cfg.Transfers)
	renderSafetySection(ew, &cfg.Safety)
	renderSyncSection(ew, &cfg.Sync)
	renderLoggingSection(ew, &cfg.Logging)
	renderNetworkSection(ew, &cfg.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderRootSection(ew *errWriter, cfg *Config) {
	ew.printf("sync_root = %q\n\n", cfg.SyncRoot)
}

func renderCloudsSection(ew *errWriter, clouds []CloudBootstrap) {
	for _, c := range clouds {
		ew.printf("[[cloud]]\n")
		ew.printf("  name       = %q\n", c.Name)
		ew.printf("  type       = %q\n", c.Type)
		ew.printf("  root_path  = %q\n", c.RootPath)
		ew.printf("  addressing = %q\n", c.Addressing)
		ew.printf("  enabled    = %t\n", c.Enabled)

		if c.TokenFile != "" {
			ew.printf("  token_file = %q\n", c.TokenFile)
		}

		ew.printf("\n")
	}
}

func renderFilterSection(ew *errWriter, f *FilterConfig) {
	ew.printf("[filter]\n")
	ew.printf("  skip_dotfiles  = %t\n", f.SkipDotfiles)
	ew.printf("  skip_symlinks  = %t\n", f.SkipSymlinks)
	ew.printf("  max_file_size  = %q\n", f.MaxFileSize)
	ew.printf("  ignore_marker  = %q\n", f.IgnoreMarker)

	if len(f.SkipFiles) > 0 {
		ew.printf("  skip_files     = [%s]\n", joinQuoted(f.SkipFiles))
	}

	if len(f.SkipDirs) > 0 {
		ew.printf("  skip_dirs      = [%s]\n", joinQuoted(f.SkipDirs))
	}

	ew.printf("\n")
}

func renderTransfersSection(ew *errWriter, t *TransfersConfig) {
	ew.printf("[transfers]\n")
	ew.printf("  max_in_flight      = %d\n", t.MaxInFlight)
	ew.printf("  max_retry_attempts = %d\n", t.MaxRetryAttempts)
	ew.printf("  chunk_size         = %q\n", t.ChunkSize)
	ew.printf("  bandwidth_limit    = %q\n", t.BandwidthLimit)
	ew.printf("  transfer_order     = %q\n", t.TransferOrder)
	ew.printf("\n")
}

func renderSafetySection(ew *errWriter, s *SafetyConfig) {
	ew.printf("[safety]\n")
	ew.printf("  big_delete_threshold  = %d\n", s.BigDeleteThreshold)
	ew.printf("  big_delete_percentage = %d\n", s.BigDeletePercentage)
	ew.printf("  min_free_space        = %q\n", s.MinFreeSpace)
	ew.printf("  use_local_trash       = %t\n", s.UseLocalTrash)
	ew.printf("  sync_dir_permissions  = %q\n", s.SyncDirPermissions)
	ew.printf("  sync_file_permissions = %q\n", s.SyncFilePermissions)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  poll_interval    = %q\n", s.PollInterval)
	ew.printf("  websocket        = %t\n", s.Websocket)
	ew.printf("  shutdown_timeout = %q\n", s.ShutdownTimeout)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", n.DataTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", n.UserAgent)
	}
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}

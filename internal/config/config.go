// Package config implements TOML bootstrap configuration loading,
// validation, and platform-specific path resolution for SyncHarbor: a
// bootstrap file describing one sync root plus N enrolled clouds.
package config

// Config is the top-level bootstrap configuration structure. CloudBootstrap
// rows seed CloudConfig rows in the index on first run (cmd/syncharbor's
// init command).
type Config struct {
	SyncRoot string           `toml:"sync_root"`
	Clouds   []CloudBootstrap `toml:"cloud"`

	Filter    FilterConfig    `toml:"filter"`
	Transfers TransfersConfig `toml:"transfers"`
	Safety    SafetyConfig    `toml:"safety"`
	Sync      SyncConfig      `toml:"sync"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// CloudBootstrap describes one cloud account to enroll. Name must be
// unique among Clouds. TokenFile points at an on-disk tokenfile.File (internal/
// tokenfile) holding the OAuth2 refresh token; this package only carries
// the path. The loopback authorization-code flow that writes such a file
// is cloudapi.LoginWithBrowser, which no cmd/syncharbor subcommand calls.
type CloudBootstrap struct {
	Name         string `toml:"name"`
	Type         string `toml:"type"` // "graphlike" | "dropboxlike"
	RootPath     string `toml:"root_path"`
	Addressing   string `toml:"addressing"` // "parent_id" | "path"
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenFile    string `toml:"token_file"`
	Enabled      bool   `toml:"enabled"`
}

// FilterConfig controls which files and directories are included in sync.
type FilterConfig struct {
	SkipFiles    []string `toml:"skip_files"`
	SkipDirs     []string `toml:"skip_dirs"`
	SkipDotfiles bool     `toml:"skip_dotfiles"`
	SkipSymlinks bool     `toml:"skip_symlinks"`
	MaxFileSize  string   `toml:"max_file_size"`
	IgnoreMarker string   `toml:"ignore_marker"`
}

// TransfersConfig controls the HTTP multiplexer's concurrency cap and the
// request handle's retry policy, plus chunked-upload and bandwidth
// tunables.
type TransfersConfig struct {
	MaxInFlight       int                      `toml:"max_in_flight"`
	MaxRetryAttempts  int                      `toml:"max_retry_attempts"`
	ChunkSize         string                   `toml:"chunk_size"`
	BandwidthLimit    string                   `toml:"bandwidth_limit"`
	BandwidthSchedule []BandwidthScheduleEntry `toml:"bandwidth_schedule"`
	TransferOrder     string                   `toml:"transfer_order"`
}

// BandwidthScheduleEntry defines a time-of-day bandwidth limit.
type BandwidthScheduleEntry struct {
	Time  string `toml:"time"`
	Limit string `toml:"limit"`
}

// SafetyConfig controls protective defaults and thresholds.
type SafetyConfig struct {
	BigDeleteThreshold  int    `toml:"big_delete_threshold"`
	BigDeletePercentage int    `toml:"big_delete_percentage"`
	MinFreeSpace        string `toml:"min_free_space"`
	UseLocalTrash       bool   `toml:"use_local_trash"`
	SyncDirPermissions  string `toml:"sync_dir_permissions"`
	SyncFilePermissions string `toml:"sync_file_permissions"`
}

// SyncConfig controls sync engine daemon-mode tunables: poll interval
// default 60s per cloud, optional push-notification supplement, shutdown
// grace period.
type SyncConfig struct {
	PollInterval    string `toml:"poll_interval"`
	Websocket       bool   `toml:"websocket"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

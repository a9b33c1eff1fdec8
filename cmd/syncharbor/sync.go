package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncharbor/syncharbor/internal/config"
	"github.com/syncharbor/syncharbor/internal/dispatch"
	"github.com/syncharbor/syncharbor/internal/filter"
	"github.com/syncharbor/syncharbor/internal/index"
	"github.com/syncharbor/syncharbor/internal/localfs"
	"github.com/syncharbor/syncharbor/internal/syncmanager"
)

const defaultDispatchQueueDepth = 256

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run the sync daemon",
		Long:  "Watches the configured sync root and every enrolled cloud, converging them until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSyncDaemon(cmd.Context())
		},
	}
}

// runSyncDaemon builds every component the sync manager needs from the
// resolved config and runs the manager until a shutdown signal arrives.
func runSyncDaemon(ctx context.Context) error {
	cc := mustCLIContext(ctx)
	cfg, logger := cc.Cfg, cc.Logger

	if cfg.SyncRoot == "" {
		return fmt.Errorf("sync: no sync_root configured (see %s)", cc.ConfigPath)
	}

	dataDir := config.DefaultDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("sync: creating data directory: %w", err)
	}

	pidPath := filepath.Join(dataDir, "syncharbor.pid")
	cleanupPID, err := writePIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	defer cleanupPID()

	store, err := index.Open(ctx, filepath.Join(dataDir, "index.db"), logger)
	if err != nil {
		return fmt.Errorf("sync: opening index: %w", err)
	}
	defer store.Close()

	if err := bootstrapCloudConfigs(ctx, store, cfg, time.Now().Unix()); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	filterEngine, err := filter.New(cfg.Filter, cfg.SyncRoot, logger)
	if err != nil {
		return fmt.Errorf("sync: building filter engine: %w", err)
	}

	dispatcher := dispatch.New(store, logger, defaultDispatchQueueDepth)

	localEvents := make(chan localfs.NormalizedEvent, 256)
	local := localfs.NewAdapter(cfg.SyncRoot, store, filterEngine, logger, func(ev localfs.NormalizedEvent) {
		localEvents <- ev
	})

	var handles []*syncmanager.CloudHandle
	for _, cb := range cfg.Clouds {
		if !cb.Enabled {
			continue
		}

		h, err := buildCloudHandle(ctx, cb, logger)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}

		h.PollInterval = pollIntervalOrDefault(cfg.Sync.PollInterval, logger)
		handles = append(handles, h)
	}

	shutdownTimeout := parseDurationOrDefault(cfg.Sync.ShutdownTimeout, 30*time.Second, logger)

	manager := syncmanager.New(store, dispatcher, local, localEvents, handles, logger, shutdownTimeout)

	runCtx := shutdownContext(ctx, logger)

	logger.Info("starting sync daemon",
		slog.String("sync_root", cfg.SyncRoot),
		slog.Int("clouds", len(handles)),
	)

	return manager.Run(runCtx)
}

func pollIntervalOrDefault(raw string, logger *slog.Logger) time.Duration {
	return parseDurationOrDefault(raw, 60*time.Second, logger)
}

func parseDurationOrDefault(raw string, fallback time.Duration, logger *slog.Logger) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration, using default", slog.String("value", raw), slog.Duration("default", fallback))
		return fallback
	}

	return d
}

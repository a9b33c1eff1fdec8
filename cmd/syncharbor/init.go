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

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the index and run the initial sync pass",
		Long:  "Seeds the index from the bootstrap config and reconciles every enrolled cloud against the local tree once, then exits without entering the daemon loop.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.Context())
		},
	}
}

func runInit(ctx context.Context) error {
	cc := mustCLIContext(ctx)
	cfg, logger := cc.Cfg, cc.Logger

	if cfg.SyncRoot == "" {
		return fmt.Errorf("init: no sync_root configured (see %s)", cc.ConfigPath)
	}

	if err := os.MkdirAll(cfg.SyncRoot, 0o755); err != nil {
		return fmt.Errorf("init: creating sync root: %w", err)
	}

	dataDir := config.DefaultDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("init: creating data directory: %w", err)
	}

	store, err := index.Open(ctx, filepath.Join(dataDir, "index.db"), logger)
	if err != nil {
		return fmt.Errorf("init: opening index: %w", err)
	}
	defer store.Close()

	if err := bootstrapCloudConfigs(ctx, store, cfg, time.Now().Unix()); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	filterEngine, err := filter.New(cfg.Filter, cfg.SyncRoot, logger)
	if err != nil {
		return fmt.Errorf("init: building filter engine: %w", err)
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
			return fmt.Errorf("init: %w", err)
		}

		handles = append(handles, h)
	}

	manager := syncmanager.New(store, dispatcher, local, localEvents, handles, logger, 30*time.Second)

	logger.Info("running initial sync", slog.String("sync_root", cfg.SyncRoot), slog.Int("clouds", len(handles)))

	if err := manager.RunInitialSyncOnly(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	fmt.Fprintln(os.Stdout, "initial sync complete")

	return nil
}

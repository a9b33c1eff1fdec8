package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/syncharbor/syncharbor/internal/config"
	"github.com/syncharbor/syncharbor/internal/index"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a summary of the local index",
		Long:  "Reports how many files are tracked, how many are linked to each enrolled cloud, and which clouds are quarantined.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	cc := mustCLIContext(ctx)
	logger := cc.Logger

	dbPath := filepath.Join(config.DefaultDataDir(), "index.db")

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(os.Stdout, "no index found — run `syncharbor init` first")
		return nil
	}

	store, err := index.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("status: opening index: %w", err)
	}
	defer store.Close()

	records, err := store.ListActiveFileRecords(ctx)
	if err != nil {
		return fmt.Errorf("status: listing file records: %w", err)
	}

	clouds, err := store.ListCloudConfigs(ctx)
	if err != nil {
		return fmt.Errorf("status: listing cloud configs: %w", err)
	}

	var totalSize int64
	linkCounts := make(map[string]int)

	for _, rec := range records {
		totalSize += rec.Size

		links, err := store.ListFileLinksForGlobalID(ctx, rec.GlobalID)
		if err != nil {
			return fmt.Errorf("status: listing links for %s: %w", rec.RelPath, err)
		}

		for _, link := range links {
			if link.Synced {
				linkCounts[link.CloudID]++
			}
		}
	}

	fmt.Fprintf(os.Stdout, "tracked files: %d (%s)\n\n", len(records), config.FormatSize(totalSize))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLOUD\tPROVIDER\tLINKED FILES\tINITIAL SYNC\tQUARANTINED")

	for _, c := range clouds {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\n",
			c.CloudID, c.Provider, linkCounts[c.CloudID], c.InitialSyncDone, c.Quarantined)
	}

	return w.Flush()
}

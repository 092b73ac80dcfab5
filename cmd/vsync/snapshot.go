package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dskora/vaultsync/internal/vault/snapshot"
)

var (
	snapshotUser        string
	snapshotCollections []string
	snapshotTimeout     time.Duration
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshot chunks",
}

var snapshotRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the full snapshot trail for a user",
	Long: `Scans each collection's live records from the remote store and
rewrites its snapshot chunks in place. Expensive; run after large imports or
schema migrations, not on a schedule.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if snapshotUser == "" {
			fmt.Fprintln(os.Stderr, "Error: --user is required")
			os.Exit(1)
		}
		collections := snapshotCollections
		if len(collections) == 0 {
			collections = cfg.Collections
		}

		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()

		logger := log.New(os.Stderr, "[vsync] ", log.LstdFlags)
		cache := openCache(ctx, cfg)
		defer cache.Close()
		store := openRemote(ctx, cfg, logger)
		defer store.Close(context.Background())

		compactor := snapshot.New(store, cache, &snapshot.Config{
			ChunkSize: cfg.ChunkSize,
			Logger:    logger,
		})

		failed := 0
		for _, collection := range collections {
			written, err := compactor.BuildSnapshots(ctx, collection, snapshotUser)
			if err != nil {
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", collection, err)
				failed++
				continue
			}
			fmt.Printf("✓ %s: %d chunks\n", collection, written)
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	snapshotCmd.PersistentFlags().StringVarP(&snapshotUser, "user", "u", "", "user id (required)")
	snapshotCmd.PersistentFlags().StringSliceVarP(&snapshotCollections, "collection", "c", nil, "collections (default: all configured)")
	snapshotCmd.PersistentFlags().DurationVar(&snapshotTimeout, "timeout", 30*time.Minute, "overall timeout")
	snapshotCmd.AddCommand(snapshotRebuildCmd)
	rootCmd.AddCommand(snapshotCmd)
}

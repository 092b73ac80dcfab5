package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dskora/vaultsync/internal/vault/schema"
)

var (
	deleteUser       string
	deleteCollection string
)

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Soft-delete records remotely and remove them locally",
	Long: `Writes one atomic tombstone batch to the remote store, then removes
the records from the local cache. Other devices pick the deletions up on
their next delta sync or live notification.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if deleteUser == "" || deleteCollection == "" {
			fmt.Fprintln(os.Stderr, "Error: --user and --collection are required")
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		logger := log.New(os.Stderr, "[vsync] ", log.LstdFlags)
		cache := openCache(ctx, cfg)
		defer cache.Close()
		store := openRemote(ctx, cfg, logger)
		defer store.Close(context.Background())

		now := schema.NowMillis()
		if err := store.SoftDeleteBatch(ctx, deleteCollection, deleteUser, args, now); err != nil {
			fmt.Fprintf(os.Stderr, "Error: remote soft delete failed: %v\n", err)
			os.Exit(1)
		}
		if err := cache.DeleteBatch(ctx, deleteCollection, deleteUser, args); err != nil {
			// Remote tombstones are durable; the next sync repairs the cache.
			fmt.Fprintf(os.Stderr, "Warning: local removal failed: %v\n", err)
		}
		fmt.Printf("✓ deleted %d record(s) from %s\n", len(args), deleteCollection)
	},
}

func init() {
	deleteCmd.Flags().StringVarP(&deleteUser, "user", "u", "", "user id (required)")
	deleteCmd.Flags().StringVarP(&deleteCollection, "collection", "c", "", "collection (required)")
	rootCmd.AddCommand(deleteCmd)
}

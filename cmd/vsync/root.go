// Command vsync is the operator surface for the vault sync engine: one-shot
// syncs, the standing daemon, snapshot management, and status inspection.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/dskora/vaultsync/internal/vault/config"
	"github.com/dskora/vaultsync/internal/vault/localcache"
	"github.com/dskora/vaultsync/internal/vault/remote/mongostore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vsync",
	Short: "Offline-first sync engine for the personal-data vault",
	Long: `vsync keeps a local on-device cache consistent with the remote
vault store under unreliable connectivity.

It bootstraps and incrementally refreshes per-collection caches using a
per-user cursor, folds large histories into snapshot chunks to keep the
bootstrap path cheap, and merges live remote changes with last-writer-wins
semantics.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults + VAULTSYNC_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the effective configuration for a command invocation.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openCache opens and initializes the local cache for the configured
// collections.
func openCache(ctx context.Context, cfg *config.Config) *localcache.Cache {
	cache, err := localcache.Open(cfg.CachePath, cfg.Collections)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening local cache: %v\n", err)
		os.Exit(1)
	}
	if err := cache.InitSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing cache schema: %v\n", err)
		os.Exit(1)
	}
	return cache
}

// openRemote connects to the remote store and ensures its indexes.
func openRemote(ctx context.Context, cfg *config.Config, logger *log.Logger) *mongostore.Store {
	store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to remote store: %v\n", err)
		os.Exit(1)
	}
	if err := store.EnsureIndexes(ctx, cfg.Collections); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to ensure remote indexes: %v\n", err)
	}
	return store
}

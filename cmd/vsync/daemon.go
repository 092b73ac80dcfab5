package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dskora/vaultsync/internal/vault/config"
	"github.com/dskora/vaultsync/internal/vault/coordinator"
	"github.com/dskora/vaultsync/internal/vault/dashboard"
	"github.com/dskora/vaultsync/internal/vault/live"
	"github.com/dskora/vaultsync/internal/vault/snapshot"
	vsync "github.com/dskora/vaultsync/internal/vault/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the standing sync daemon",
	Long: `Brings every configured (user, collection) pair online and keeps it
fresh: snapshot hydration, one initial sync, then a live change subscription
per pair. Optionally serves a WebSocket dashboard feed of sync activity and
reloads tuning knobs when the config file changes on disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if len(cfg.Users) == 0 {
			fmt.Fprintln(os.Stderr, "Error: daemon requires at least one user in config (users:)")
			os.Exit(1)
		}
		runDaemon(cfg)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cfg *config.Config) {
	logger := log.New(os.Stderr, "[vsyncd] ", log.LstdFlags)
	if cfg.LogFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := openCache(ctx, cfg)
	defer cache.Close()
	store := openRemote(ctx, cfg, logger)
	defer store.Close(context.Background())

	bootstrapOnly := cfg.BootstrapOnlySet()
	engine := vsync.New(store, cache, &vsync.Config{
		PageSize:      cfg.PageSize,
		BootstrapOnly: bootstrapOnly,
		Logger:        logger,
	})
	compactor := snapshot.New(store, cache, &snapshot.Config{
		ChunkSize: cfg.ChunkSize,
		Logger:    logger,
	})
	reconciler := live.New(store, cache, compactor, &live.Config{
		BootstrapOnly: bootstrapOnly,
		AutoSnapshot:  cfg.AutoSnapshot,
		Logger:        logger,
	})
	coord := coordinator.New(engine, compactor, reconciler, cache, store, &coordinator.Config{
		BootstrapOnly: bootstrapOnly,
		Logger:        logger,
	})
	defer coord.Stop()

	var dash *dashboard.Server
	if cfg.DashboardPort > 0 {
		dash = dashboard.NewServer(&dashboard.Config{Port: cfg.DashboardPort, Logger: logger})
		if err := dash.Start(); err != nil {
			logger.Printf("Dashboard disabled: %v", err)
			dash = nil
		} else {
			handler := dashboard.NewHandler(dash, logger)
			detach := handler.Attach(coord, cache)
			defer detach()
			defer dash.Stop()
		}
	}

	// Tuning knobs follow the config file while the daemon runs; structural
	// settings (store URI, cache path, collection set) need a restart.
	if cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, func(next *config.Config) {
			engine.SetPageSize(next.PageSize)
			compactor.SetChunkSize(next.ChunkSize)
		}, logger)
		if err != nil {
			logger.Printf("Config watching disabled: %v", err)
		} else if err := watcher.Start(); err != nil {
			logger.Printf("Config watching disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	for _, user := range cfg.Users {
		for _, collection := range cfg.Collections {
			if err := coord.Collection(ctx, collection, user); err != nil {
				logger.Printf("Failed to bring %s/%s online: %v", user, collection, err)
			}
		}
	}
	logger.Printf("Daemon running: %d users, %d collections", len(cfg.Users), len(cfg.Collections))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("Received %v, shutting down", sig)
}

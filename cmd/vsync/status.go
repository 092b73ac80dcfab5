package main

import (
	"context"
	"fmt"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusRemote bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache state and sync cursors",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cache := openCache(ctx, cfg)
		defer cache.Close()

		fmt.Printf("Cache:    %s\n", cfg.CachePath)
		fmt.Printf("Database: %s (%s)\n", cfg.Database, cfg.MongoURI)

		if statusRemote {
			logger := log.New(cmd.ErrOrStderr(), "[vsync] ", log.LstdFlags)
			store := openRemote(ctx, cfg, logger)
			defer store.Close(context.Background())
			if err := store.Healthy(ctx); err != nil {
				fmt.Printf("Remote:   unreachable (%v)\n", err)
			} else {
				fmt.Println("Remote:   ok")
			}
		}

		cursors, err := cache.Cursors(ctx)
		if err != nil {
			fmt.Printf("Error reading cursors: %v\n", err)
			return
		}
		if len(cursors) == 0 {
			fmt.Println("\nNo collections synced yet.")
			return
		}

		fmt.Println()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tCOLLECTION\tRECORDS\tCURSOR\tLAST SYNC")
		for _, cur := range cursors {
			count, err := cache.Count(ctx, cur.Collection, cur.UserID)
			if err != nil {
				count = -1
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				cur.UserID, cur.Collection, count, cur.LastSyncTime,
				time.UnixMilli(cur.LastSyncTime).Format(time.RFC3339))
		}
		w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "also ping the remote store")
	rootCmd.AddCommand(statusCmd)
}

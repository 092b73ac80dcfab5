// Package snapshot folds a collection's history into immutable chunked
// bulk-export documents so a fresh device can hydrate its cache from a few
// large reads instead of paging through the whole remote collection.
//
// Chunks are keyed deterministically by (user, collection, index): a full
// rebuild overwrites in place, and the incremental trigger appends exactly
// one chunk once enough records accumulate past the last chunk boundary.
// Snapshotting is an optimization, never a correctness requirement.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/dskora/vaultsync/internal/vault/localcache"
	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/schema"
)

// DefaultChunkSize is the number of records per snapshot chunk.
const DefaultChunkSize = 2000

// Config tunes the compactor.
type Config struct {
	// ChunkSize is the fixed chunk length (default 2000).
	ChunkSize int

	// Logger for compactor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize: DefaultChunkSize,
		Logger:    log.New(os.Stderr, "[snapshot] ", log.LstdFlags),
	}
}

// Compactor builds and consumes snapshot chunks.
type Compactor struct {
	remote remote.Store
	cache  *localcache.Cache
	config *Config

	mu        sync.Mutex
	chunkSize int
}

// New creates a Compactor. If config is nil, DefaultConfig is used.
func New(store remote.Store, cache *localcache.Cache, config *Config) *Compactor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	return &Compactor{
		remote:    store,
		cache:     cache,
		config:    config,
		chunkSize: config.ChunkSize,
	}
}

// ChunkSize returns the current chunk length.
func (c *Compactor) ChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkSize
}

// SetChunkSize adjusts the chunk length for future builds and appends.
// Existing chunks are untouched; mixed sizes are fine since hydration only
// relies on index order and timestamps.
func (c *Compactor) SetChunkSize(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.chunkSize = n
	c.mu.Unlock()
}

// BuildSnapshots rebuilds the full snapshot trail for (user, collection):
// one full remote scan of the live records, partitioned into fixed-size
// chunks ordered by UpdatedAt ascending, each written under its
// deterministic key. Expensive by design; operator-triggered and meant to
// run rarely, e.g. after a large import.
//
// Returns the number of chunks written.
func (c *Compactor) BuildSnapshots(ctx context.Context, collection, userID string) (int, error) {
	records, err := c.remote.ListAll(ctx, collection, userID)
	if err != nil {
		return 0, fmt.Errorf("snapshot scan failed for %s/%s: %w", userID, collection, err)
	}

	size := c.ChunkSize()
	written := 0
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunk := schema.NewChunk(userID, collection, written, records[start:end])
		if err := c.remote.WriteChunk(ctx, chunk); err != nil {
			return written, fmt.Errorf("failed to write chunk %d for %s/%s: %w", written, userID, collection, err)
		}
		written++
	}

	// A trail that shrank leaves stale higher-index chunks behind the
	// deterministic keys; hydrating those would resurrect records deleted
	// since the last rebuild.
	if err := c.remote.DeleteChunksFrom(ctx, collection, userID, written); err != nil {
		return written, fmt.Errorf("failed to trim stale chunks for %s/%s: %w", userID, collection, err)
	}

	c.config.Logger.Printf("Snapshot rebuild for %s/%s: %d records in %d chunks", userID, collection, len(records), written)
	return written, nil
}

// HydrateFromSnapshots bulk-loads all snapshot chunks into the local cache
// and returns the maximum chunk timestamp covered (0 when no snapshot
// exists). Callers seed the sync cursor with max(existing, returned); the
// cache's cursor write clamps, so hydration can never regress a cursor.
func (c *Compactor) HydrateFromSnapshots(ctx context.Context, collection, userID string) (int64, error) {
	chunks, err := c.remote.ReadChunks(ctx, collection, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read chunks for %s/%s: %w", userID, collection, err)
	}

	var maxTS int64
	total := 0
	for _, chunk := range chunks {
		if err := c.cache.UpsertBatch(ctx, collection, chunk.Records); err != nil {
			return 0, fmt.Errorf("failed to hydrate chunk %d for %s/%s: %w", chunk.ChunkIndex, userID, collection, err)
		}
		if chunk.Timestamp > maxTS {
			maxTS = chunk.Timestamp
		}
		total += chunk.Count
	}

	if len(chunks) > 0 {
		c.config.Logger.Printf("Hydrated %s/%s from %d chunks (%d records, covered to %d)", userID, collection, len(chunks), total, maxTS)
	}
	return maxTS, nil
}

// AutoSnapshotIfNeeded appends exactly one chunk when at least ChunkSize
// local records have accumulated past the last chunk boundary. Called
// opportunistically after live-reconciliation bursts; keeps the snapshot
// trail current without rescanning the remote collection.
func (c *Compactor) AutoSnapshotIfNeeded(ctx context.Context, collection, userID string) error {
	latest, err := c.remote.LatestChunk(ctx, collection, userID)
	if err != nil {
		return fmt.Errorf("failed to find latest chunk for %s/%s: %w", userID, collection, err)
	}

	lastIndex := -1
	var lastTS int64
	if latest != nil {
		lastIndex = latest.ChunkIndex
		lastTS = latest.Timestamp
	}

	size := c.ChunkSize()
	count, err := c.cache.CountNewerThan(ctx, collection, userID, lastTS)
	if err != nil {
		return err
	}
	if count < size {
		return nil
	}

	// Oldest excess records first, so the new chunk extends the covered
	// prefix of the collection's history.
	records, err := c.cache.ListNewerThan(ctx, collection, userID, lastTS, size)
	if err != nil {
		return err
	}

	chunk := schema.NewChunk(userID, collection, lastIndex+1, records)
	if err := c.remote.WriteChunk(ctx, chunk); err != nil {
		return fmt.Errorf("failed to append chunk %d for %s/%s: %w", chunk.ChunkIndex, userID, collection, err)
	}

	c.config.Logger.Printf("Appended snapshot chunk %d for %s/%s (%d records, covered to %d)",
		chunk.ChunkIndex, userID, collection, chunk.Count, chunk.Timestamp)
	return nil
}

// Package live merges real-time remote change notifications into the local
// cache. It subscribes past the sync cursor, applies changes with the same
// last-writer-wins rules as the delta path, republishes cursor advances,
// and opportunistically triggers incremental snapshot appends after bursts.
package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"

	"github.com/dskora/vaultsync/internal/vault/localcache"
	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/schema"
	"github.com/dskora/vaultsync/internal/vault/snapshot"
)

// Config tunes the reconciler.
type Config struct {
	// BootstrapOnly collections subscribe unfiltered by time (no
	// composite index required remotely) and never advance the cursor
	// from the live path.
	BootstrapOnly map[string]bool

	// AutoSnapshot enables the best-effort incremental chunk append
	// after applied batches.
	AutoSnapshot bool

	// Logger for reconciler activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BootstrapOnly: map[string]bool{
			schema.CollectionCategories: true,
			schema.CollectionStatuses:   true,
		},
		AutoSnapshot: true,
		Logger:       log.New(os.Stderr, "[live] ", log.LstdFlags),
	}
}

// Reconciler owns the standing change subscriptions for a device profile.
// It communicates purely through local cache writes; reactive readers
// observe those via the cache's subscribe surface.
type Reconciler struct {
	remote    remote.Store
	cache     *localcache.Cache
	compactor *snapshot.Compactor
	config    *Config

	mu      gosync.Mutex
	active  map[string]context.CancelFunc
	denied  map[string]bool
	wg      gosync.WaitGroup
	stopped bool
}

// New creates a Reconciler. If config is nil, DefaultConfig is used.
func New(store remote.Store, cache *localcache.Cache, compactor *snapshot.Compactor, config *Config) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[live] ", log.LstdFlags)
	}
	return &Reconciler{
		remote:    store,
		cache:     cache,
		compactor: compactor,
		config:    config,
		active:    make(map[string]context.CancelFunc),
		denied:    make(map[string]bool),
	}
}

// Start opens a standing subscription for (user, collection), resuming from
// the persisted cursor (or unfiltered for bootstrap-only collections).
//
// Starting an already-subscribed pair is a no-op. A pair flagged as
// permission-denied stays inert until ClearDenied. Index-unready failures
// are suppressed (the one-time warning was already logged by the sync
// engine); permission failures set the sticky flag and are returned; other
// failures are returned for the caller to retry, e.g. on next app focus.
func (r *Reconciler) Start(ctx context.Context, collection, userID string) error {
	key := userID + "/" + collection

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("reconciler is stopped")
	}
	if r.denied[key] {
		r.mu.Unlock()
		r.config.Logger.Printf("Not subscribing %s: permission previously denied", key)
		return nil
	}
	if _, ok := r.active[key]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	timeFiltered := !r.config.BootstrapOnly[collection]
	since := int64(-1)
	if timeFiltered {
		cursor, err := r.cache.Cursor(ctx, userID, collection)
		if err != nil {
			return err
		}
		since = cursor
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := r.remote.Watch(subCtx, collection, userID, since)
	if err != nil {
		cancel()
		return r.classify(key, "subscribe", err)
	}

	r.mu.Lock()
	if r.stopped || r.active[key] != nil {
		r.mu.Unlock()
		cancel()
		_ = sub.Close()
		return nil
	}
	r.active[key] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go r.consume(subCtx, key, collection, userID, timeFiltered, sub)

	r.config.Logger.Printf("Subscribed %s from cursor %d", key, since)
	return nil
}

// Stop cancels every subscription and waits for their loops to drain.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	for key, cancel := range r.active {
		cancel()
		delete(r.active, key)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Denied reports whether the pair carries the sticky permission flag.
func (r *Reconciler) Denied(collection, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.denied[userID+"/"+collection]
}

// ClearDenied removes the sticky flag so an explicit retry can subscribe.
func (r *Reconciler) ClearDenied(collection, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.denied, userID+"/"+collection)
}

// consume drains one subscription, applying each notification batch.
func (r *Reconciler) consume(ctx context.Context, key, collection, userID string, timeFiltered bool, sub remote.Subscription) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.active[key]; ok {
			cancel()
			delete(r.active, key)
		}
		r.mu.Unlock()
	}()

	for batch := range sub.Changes() {
		if err := r.apply(ctx, collection, userID, timeFiltered, batch); err != nil {
			r.config.Logger.Printf("Error applying live batch for %s: %v", key, err)
		}
	}

	if err := sub.Err(); err != nil && ctx.Err() == nil {
		_ = r.classify(key, "subscription", err)
	}
}

// apply merges one notification batch into the cache.
//
// Per record: skip when the cached copy is already at least as new, unless
// the incoming record is a tombstone (tombstones always win). The skip
// guard absorbs duplicate and out-of-order delivery, making applied writes
// commutative and idempotent.
func (r *Reconciler) apply(ctx context.Context, collection, userID string, timeFiltered bool, batch []schema.Record) error {
	now := schema.NowMillis()

	var (
		upserts    []schema.Record
		tombstones []string
		maxSeen    int64
	)
	for _, rec := range batch {
		ts := rec.EffectiveUpdatedAt(now)
		if ts > maxSeen {
			maxSeen = ts
		}
		if rec.Deleted {
			tombstones = append(tombstones, rec.ID)
			continue
		}
		local, err := r.cache.Get(ctx, collection, rec.ID)
		if err != nil && !errors.Is(err, localcache.ErrNotFound) {
			return err
		}
		if local != nil && local.UpdatedAt >= ts {
			continue
		}
		rec.UpdatedAt = ts
		upserts = append(upserts, rec)
	}

	if err := r.cache.UpsertBatch(ctx, collection, upserts); err != nil {
		return err
	}
	if err := r.cache.DeleteBatch(ctx, collection, userID, tombstones); err != nil {
		return err
	}

	// Only the time-filtered variant advances the watermark; the
	// unfiltered feed redelivers old records whose timestamps say
	// nothing about sync freshness.
	if timeFiltered && maxSeen > 0 {
		if err := r.cache.SetCursor(ctx, userID, collection, maxSeen); err != nil {
			return err
		}
	}

	if r.config.AutoSnapshot && r.compactor != nil {
		// Best effort: a failed compaction never disturbs live sync.
		if err := r.compactor.AutoSnapshotIfNeeded(ctx, collection, userID); err != nil {
			r.config.Logger.Printf("Auto-snapshot failed for %s/%s: %v", userID, collection, err)
		}
	}
	return nil
}

// classify routes a subscription failure per the error taxonomy.
func (r *Reconciler) classify(key, op string, err error) error {
	switch {
	case remote.IsIndexUnready(err):
		// Already warned about once by the sync engine's fallback.
		return nil
	case remote.IsPermissionDenied(err):
		r.mu.Lock()
		r.denied[key] = true
		r.mu.Unlock()
		r.config.Logger.Printf("Permission denied for %s, sync disabled until explicit retry", key)
		return err
	default:
		r.config.Logger.Printf("Live %s failed for %s: %v", op, key, err)
		return err
	}
}

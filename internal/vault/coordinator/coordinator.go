// Package coordinator is the single entry point UI-adjacent code consumes:
// ask for a collection, get it hydrated and kept fresh, and observe when it
// is syncing, live, or disabled.
//
// A Coordinator is an explicitly constructed, owned instance with its own
// listener registry; nothing in this package is global mutable state.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	gosync "sync"

	"github.com/dskora/vaultsync/internal/vault/localcache"
	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/schema"
	"github.com/dskora/vaultsync/internal/vault/snapshot"
	vsync "github.com/dskora/vaultsync/internal/vault/sync"

	"github.com/dskora/vaultsync/internal/vault/live"
)

// State describes where a (user, collection) pair is in its sync lifecycle.
type State int

const (
	// StateIdle means the pair has not been requested yet.
	StateIdle State = iota
	// StateSyncing means a bootstrap or delta pull is in progress.
	StateSyncing
	// StateLive means initial sync finished and the live subscription is
	// armed; the cache tracks remote changes as they happen.
	StateLive
	// StateDisabled means permission was denied; no further attempts
	// until an explicit Retry.
	StateDisabled
	// StateError means the last attempt failed transiently; the next
	// Collection call retries from the last good watermark.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateDisabled:
		return "disabled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state listeners.
type StateChange struct {
	Collection string
	UserID     string
	State      State
	// Cursor is the watermark after the transition, when known.
	Cursor int64
	// Err carries the failure for StateDisabled and StateError.
	Err error
}

// Config tunes the coordinator.
type Config struct {
	// BootstrapOnly collections skip snapshot hydration and subscribe
	// unfiltered (forwarded to engine and reconciler configuration).
	BootstrapOnly map[string]bool

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BootstrapOnly: map[string]bool{
			schema.CollectionCategories: true,
			schema.CollectionStatuses:   true,
		},
		Logger: log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// Coordinator wires the engine, compactor, and reconciler behind one facade.
type Coordinator struct {
	engine     vsync.Syncer
	compactor  *snapshot.Compactor
	reconciler *live.Reconciler
	cache      *localcache.Cache
	remote     remote.Store
	config     *Config

	mu        gosync.Mutex
	states    map[string]State
	listeners map[int]func(StateChange)
	nextSub   int
}

// New creates a Coordinator. If config is nil, DefaultConfig is used.
func New(engine vsync.Syncer, compactor *snapshot.Compactor, reconciler *live.Reconciler,
	cache *localcache.Cache, store remote.Store, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	return &Coordinator{
		engine:     engine,
		compactor:  compactor,
		reconciler: reconciler,
		cache:      cache,
		remote:     store,
		config:     config,
		states:     make(map[string]State),
		listeners:  make(map[int]func(StateChange)),
	}
}

// Collection brings one (user, collection) pair online: hydrate a fresh
// cache from snapshots, run one sync, then arm the live subscription.
//
// Idempotent: once a pair is live, further calls no-op. After a transient
// failure the next call retries; after a permission denial the pair stays
// disabled until Retry. The UI never blocks on this call's outcome; it
// renders whatever is in the cache and observes state changes separately.
func (c *Coordinator) Collection(ctx context.Context, collection, userID string) error {
	key := userID + "/" + collection

	c.mu.Lock()
	switch c.states[key] {
	case StateSyncing, StateLive:
		c.mu.Unlock()
		return nil
	case StateDisabled:
		c.mu.Unlock()
		return fmt.Errorf("sync disabled for %s: %w", key, remote.ErrPermissionDenied)
	}
	c.states[key] = StateSyncing
	c.mu.Unlock()
	c.publish(StateChange{Collection: collection, UserID: userID, State: StateSyncing})

	if err := c.hydrateIfFresh(ctx, collection, userID); err != nil {
		// Hydration is an optimization; bootstrap covers for it.
		c.config.Logger.Printf("Snapshot hydration failed for %s: %v", key, err)
	}

	cursor, err := c.engine.Sync(ctx, collection, userID)
	if err != nil {
		if remote.IsPermissionDenied(err) {
			c.setState(key, collection, userID, StateChange{State: StateDisabled, Err: err})
			return err
		}
		c.setState(key, collection, userID, StateChange{State: StateError, Err: err})
		return err
	}

	if err := c.reconciler.Start(ctx, collection, userID); err != nil {
		if remote.IsPermissionDenied(err) {
			c.setState(key, collection, userID, StateChange{State: StateDisabled, Cursor: cursor, Err: err})
			return err
		}
		c.setState(key, collection, userID, StateChange{State: StateError, Cursor: cursor, Err: err})
		return err
	}

	c.setState(key, collection, userID, StateChange{State: StateLive, Cursor: cursor})
	return nil
}

// hydrateIfFresh seeds a never-synced pair from snapshot chunks so the
// first bootstrap is cheap or skipped entirely. The cursor is seeded with
// the covered timestamp; the cache clamps, so it can only move forward.
func (c *Coordinator) hydrateIfFresh(ctx context.Context, collection, userID string) error {
	if c.config.BootstrapOnly[collection] {
		return nil
	}
	cursor, err := c.cache.Cursor(ctx, userID, collection)
	if err != nil || cursor != 0 {
		return err
	}

	covered, err := c.compactor.HydrateFromSnapshots(ctx, collection, userID)
	if err != nil {
		return err
	}
	if covered > 0 {
		return c.cache.SetCursor(ctx, userID, collection, covered)
	}
	return nil
}

// Retry clears a disabled pair and attempts to bring it online again.
func (c *Coordinator) Retry(ctx context.Context, collection, userID string) error {
	key := userID + "/" + collection
	c.mu.Lock()
	delete(c.states, key)
	c.mu.Unlock()
	c.reconciler.ClearDenied(collection, userID)
	return c.Collection(ctx, collection, userID)
}

// DeleteRecords soft-deletes the given ids: one atomic remote tombstone
// batch, then local removal. Local removal proceeds independently and is
// not rolled back if it fails; the next sync repairs any divergence.
func (c *Coordinator) DeleteRecords(ctx context.Context, collection, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := schema.NowMillis()
	if err := c.remote.SoftDeleteBatch(ctx, collection, userID, ids, now); err != nil {
		return fmt.Errorf("remote soft delete failed: %w", err)
	}
	if err := c.cache.DeleteBatch(ctx, collection, userID, ids); err != nil {
		c.config.Logger.Printf("Local removal after soft delete failed for %s/%s: %v", userID, collection, err)
	}
	return nil
}

// StateOf returns the current lifecycle state of a pair.
func (c *Coordinator) StateOf(collection, userID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[userID+"/"+collection]
}

// OnStateChange registers a listener for lifecycle transitions. The
// returned function unsubscribes.
func (c *Coordinator) OnStateChange(fn func(StateChange)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Stop tears down all live subscriptions, e.g. on user switch or shutdown.
func (c *Coordinator) Stop() {
	c.reconciler.Stop()
	c.mu.Lock()
	for key := range c.states {
		if c.states[key] == StateLive || c.states[key] == StateSyncing {
			c.states[key] = StateIdle
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) setState(key, collection, userID string, change StateChange) {
	change.Collection = collection
	change.UserID = userID
	c.mu.Lock()
	c.states[key] = change.State
	c.mu.Unlock()
	c.publish(change)
}

func (c *Coordinator) publish(change StateChange) {
	c.mu.Lock()
	fns := make([]func(StateChange), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

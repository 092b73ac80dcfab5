package coordinator

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/dskora/vaultsync/internal/vault/live"
	"github.com/dskora/vaultsync/internal/vault/localcache"
	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/remote/memstore"
	"github.com/dskora/vaultsync/internal/vault/schema"
	"github.com/dskora/vaultsync/internal/vault/snapshot"
	vsync "github.com/dskora/vaultsync/internal/vault/sync"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memstore.Store, *localcache.Cache) {
	t.Helper()
	cache, err := localcache.Open(filepath.Join(t.TempDir(), "cache.db"), schema.DefaultCollections())
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	if err := cache.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	store := memstore.New()
	quiet := log.New(io.Discard, "", 0)

	engine := vsync.New(store, cache, &vsync.Config{Logger: quiet})
	compactor := snapshot.New(store, cache, &snapshot.Config{Logger: quiet})
	reconciler := live.New(store, cache, compactor, &live.Config{Logger: quiet})
	coord := New(engine, compactor, reconciler, cache, store, &Config{Logger: quiet})
	t.Cleanup(coord.Stop)
	return coord, store, cache
}

func TestCollectionGoesLive(t *testing.T) {
	coord, store, cache := newTestCoordinator(t)
	ctx := context.Background()

	rec := store.Insert("cards", "u1", map[string]any{"label": "work"})

	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	if state := coord.StateOf("cards", "u1"); state != StateLive {
		t.Errorf("expected live state, got %s", state)
	}
	if _, err := cache.Get(ctx, "cards", rec.ID); err != nil {
		t.Errorf("record missing after initial sync: %v", err)
	}

	// Idempotent: a second request does not resync.
	pages := store.ListCalls
	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("repeat collection failed: %v", err)
	}
	if store.ListCalls != pages {
		t.Error("repeat request on a live pair triggered another sync")
	}
}

func TestCollectionHydratesFreshCacheFromSnapshots(t *testing.T) {
	coord, store, cache := newTestCoordinator(t)
	ctx := context.Background()

	// Build a snapshot trail remotely, then simulate a fresh device.
	for i := 0; i < 5; i++ {
		store.Insert("cards", "u1", nil)
	}
	quiet := log.New(io.Discard, "", 0)
	builder := snapshot.New(store, cache, &snapshot.Config{ChunkSize: 2, Logger: quiet})
	if _, err := builder.BuildSnapshots(ctx, "cards", "u1"); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	if count, _ := cache.Count(ctx, "cards", "u1"); count != 5 {
		t.Errorf("expected 5 records after hydration, got %d", count)
	}
	// All records were covered by chunks, so the cursor comes from the
	// chunk timestamps and the sync finds nothing newer.
	if cursor, _ := cache.Cursor(ctx, "u1", "cards"); cursor != 5 {
		t.Errorf("expected cursor 5 from snapshot coverage, got %d", cursor)
	}
}

func TestPermissionDenialDisablesPair(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	store.FailList("cards", remote.ErrPermissionDenied)

	err := coord.Collection(ctx, "cards", "u1")
	if !remote.IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if state := coord.StateOf("cards", "u1"); state != StateDisabled {
		t.Errorf("expected disabled state, got %s", state)
	}

	// Disabled pairs stay inert on further requests, even once permission
	// would succeed.
	store.FailList("cards", nil)
	if err := coord.Collection(ctx, "cards", "u1"); !remote.IsPermissionDenied(err) {
		t.Errorf("expected disabled pair to refuse, got %v", err)
	}

	// An explicit retry clears the flag and brings the pair online.
	if err := coord.Retry(ctx, "cards", "u1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if state := coord.StateOf("cards", "u1"); state != StateLive {
		t.Errorf("expected live after retry, got %s", state)
	}
}

func TestTransientFailureRetriesOnNextRequest(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	store.FailList("cards", errors.New("connection reset"))
	if err := coord.Collection(ctx, "cards", "u1"); err == nil {
		t.Fatal("expected transient failure to propagate")
	}
	if state := coord.StateOf("cards", "u1"); state != StateError {
		t.Errorf("expected error state, got %s", state)
	}

	// No Retry needed for transient failures: the next request runs again.
	store.FailList("cards", nil)
	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("retry on next request failed: %v", err)
	}
	if state := coord.StateOf("cards", "u1"); state != StateLive {
		t.Errorf("expected live state, got %s", state)
	}
}

func TestStateChangeNotifications(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	var states []State
	unsub := coord.OnStateChange(func(change StateChange) {
		states = append(states, change.State)
	})
	defer unsub()

	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	if len(states) != 2 || states[0] != StateSyncing || states[1] != StateLive {
		t.Errorf("expected syncing then live, got %v", states)
	}

	unsub()
	_ = coord.Retry(ctx, "cards", "u1")
	if len(states) != 2 {
		t.Errorf("expected no notifications after unsubscribe, got %d", len(states))
	}
}

func TestDeleteRecords(t *testing.T) {
	coord, store, cache := newTestCoordinator(t)
	ctx := context.Background()

	rec := store.Insert("cards", "u1", nil)
	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}

	if err := coord.DeleteRecords(ctx, "cards", "u1", []string{rec.ID}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// Remote keeps a tombstone; local removes the row.
	remoteRec, ok := store.Get("cards", rec.ID)
	if !ok || !remoteRec.Deleted {
		t.Errorf("expected remote tombstone, got %+v", remoteRec)
	}
	if _, err := cache.Get(ctx, "cards", rec.ID); !errors.Is(err, localcache.ErrNotFound) {
		t.Errorf("expected local record removed, got %v", err)
	}
}

func TestDeleteRecordsRemoteFailureAborts(t *testing.T) {
	coord, store, cache := newTestCoordinator(t)
	ctx := context.Background()

	rec := store.Insert("cards", "u1", nil)
	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}

	store.FailWrites(errors.New("write unavailable"))
	if err := coord.DeleteRecords(ctx, "cards", "u1", []string{rec.ID}); err == nil {
		t.Fatal("expected remote failure to propagate")
	}
	// Local copy survives so the cache never runs ahead of the remote.
	if _, err := cache.Get(ctx, "cards", rec.ID); err != nil {
		t.Errorf("local record should survive failed remote delete: %v", err)
	}
}

func TestStopResetsLivePairs(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := coord.Collection(ctx, "cards", "u1"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	coord.Stop()
	if state := coord.StateOf("cards", "u1"); state != StateIdle {
		t.Errorf("expected idle after stop, got %s", state)
	}
}

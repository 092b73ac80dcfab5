package live

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/dskora/vaultsync/internal/vault/localcache"
	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/remote/memstore"
	"github.com/dskora/vaultsync/internal/vault/schema"
	"github.com/dskora/vaultsync/internal/vault/snapshot"
)

func newTestReconciler(t *testing.T) (*Reconciler, *memstore.Store, *localcache.Cache) {
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
	compactor := snapshot.New(store, cache, &snapshot.Config{Logger: quiet})
	cfg := DefaultConfig()
	cfg.Logger = quiet
	r := New(store, cache, compactor, cfg)
	t.Cleanup(r.Stop)
	return r, store, cache
}

// waitFor polls until cond returns true or the deadline passes. Live apply
// runs on the subscription goroutine, so assertions must wait for it.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func cachedTS(cache *localcache.Cache, collection, id string) int64 {
	rec, err := cache.Get(context.Background(), collection, id)
	if err != nil {
		return -1
	}
	return rec.UpdatedAt
}

func TestLiveInsertReachesCache(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rec := store.Insert("cards", "u1", map[string]any{"label": "work"})
	waitFor(t, func() bool { return cachedTS(cache, "cards", rec.ID) == rec.UpdatedAt })

	// The watermark follows applied live changes on time-filtered
	// collections, so a later delta sync does not refetch them.
	waitFor(t, func() bool {
		cursor, _ := cache.Cursor(ctx, "u1", "cards")
		return cursor == rec.UpdatedAt
	})
}

func TestLiveChangesAreScopedToUser(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	other := store.Insert("cards", "u2", nil)
	mine := store.Insert("cards", "u1", nil)
	waitFor(t, func() bool { return cachedTS(cache, "cards", mine.ID) > 0 })

	if ts := cachedTS(cache, "cards", other.ID); ts != -1 {
		t.Errorf("another user's record leaked into the cache: ts=%d", ts)
	}
}

func TestStaleDeliveryIsIgnored(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{
		{ID: "c1", UserID: "u1", UpdatedAt: 50},
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Redelivered old version; the fresher cached copy must survive.
	store.EmitRaw("cards", []schema.Record{{ID: "c1", UserID: "u1", UpdatedAt: 40}})
	// Follow with a newer marker record so we know the stale batch was
	// consumed before asserting.
	store.EmitRaw("cards", []schema.Record{{ID: "marker", UserID: "u1", UpdatedAt: 60}})
	waitFor(t, func() bool { return cachedTS(cache, "cards", "marker") == 60 })

	if ts := cachedTS(cache, "cards", "c1"); ts != 50 {
		t.Errorf("stale delivery overwrote fresher record: ts=%d", ts)
	}
}

func TestTombstoneAlwaysWins(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{
		{ID: "c1", UserID: "u1", UpdatedAt: 50},
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Even a tombstone older than the cached copy removes it.
	store.EmitRaw("cards", []schema.Record{{ID: "c1", UserID: "u1", UpdatedAt: 40, Deleted: true}})
	waitFor(t, func() bool { return cachedTS(cache, "cards", "c1") == -1 })
}

func TestDuplicateDeliveryConverges(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	batch := []schema.Record{{ID: "c1", UserID: "u1", UpdatedAt: 10}}
	store.EmitRaw("cards", batch)
	store.EmitRaw("cards", batch)
	store.EmitRaw("cards", batch)
	waitFor(t, func() bool { return cachedTS(cache, "cards", "c1") == 10 })

	count, _ := cache.Count(ctx, "cards", "u1")
	if count != 1 {
		t.Errorf("duplicate delivery produced %d records", count)
	}
}

func TestBootstrapOnlyCollectionKeepsCursor(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Start(ctx, "categories", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rec := store.Insert("categories", "u1", nil)
	waitFor(t, func() bool { return cachedTS(cache, "categories", rec.ID) > 0 })

	// The unfiltered feed redelivers old records, so its timestamps must
	// not be mistaken for sync freshness.
	cursor, _ := cache.Cursor(ctx, "u1", "categories")
	if cursor != 0 {
		t.Errorf("expected untouched cursor for exempt collection, got %d", cursor)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	rec := store.Insert("cards", "u1", nil)
	waitFor(t, func() bool { return cachedTS(cache, "cards", rec.ID) > 0 })
	if count, _ := cache.Count(ctx, "cards", "u1"); count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestWatchPermissionDeniedIsSticky(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	ctx := context.Background()

	store.FailWatch("cards", remote.ErrPermissionDenied)
	err := r.Start(ctx, "cards", "u1")
	if !remote.IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if !r.Denied("cards", "u1") {
		t.Error("expected sticky denied flag")
	}

	// While denied, Start is an inert no-op even though Watch would work.
	store.FailWatch("cards", nil)
	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("denied start should no-op, got %v", err)
	}
	if !r.Denied("cards", "u1") {
		t.Error("no-op start cleared the denied flag")
	}

	r.ClearDenied("cards", "u1")
	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start after clear failed: %v", err)
	}
}

func TestWatchIndexUnreadyIsSuppressed(t *testing.T) {
	r, store, _ := newTestReconciler(t)

	store.FailWatch("cards", remote.ErrIndexUnready)
	if err := r.Start(context.Background(), "cards", "u1"); err != nil {
		t.Errorf("index-unready subscribe should be suppressed, got %v", err)
	}
	if r.Denied("cards", "u1") {
		t.Error("index-unready must not set the denied flag")
	}
}

func TestSubscriptionPermissionFailureSetsDenied(t *testing.T) {
	r, store, _ := newTestReconciler(t)

	if err := r.Start(context.Background(), "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	store.FailSubscriptions(remote.ErrPermissionDenied)
	waitFor(t, func() bool { return r.Denied("cards", "u1") })
}

func TestStopPreventsFurtherStarts(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	if err := r.Start(context.Background(), "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	r.Stop()
	if err := r.Start(context.Background(), "cards", "u1"); err == nil {
		t.Error("expected start after stop to fail")
	}
}

func TestTransportFailureIsNotSticky(t *testing.T) {
	r, store, cache := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Start(ctx, "cards", "u1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	store.FailSubscriptions(errors.New("stream reset"))
	if r.Denied("cards", "u1") {
		t.Error("transport failure must not set the denied flag")
	}

	// A transport drop leaves the pair restartable from the watermark.
	// Restart and insert until a record makes it through the fresh
	// subscription; the dead one lingers briefly while its loop drains.
	waitFor(t, func() bool {
		if err := r.Start(ctx, "cards", "u1"); err != nil {
			return false
		}
		rec := store.Insert("cards", "u1", nil)
		deadline := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(deadline) {
			if cachedTS(cache, "cards", rec.ID) == rec.UpdatedAt {
				return true
			}
			time.Sleep(5 * time.Millisecond)
		}
		return false
	})
}

package localcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dskora/vaultsync/internal/vault/schema"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	cache, err := Open(path, []string{"cards", "emails"})
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	if err := cache.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return cache
}

func rec(id, userID string, ts int64) schema.Record {
	return schema.Record{ID: id, UserID: userID, UpdatedAt: ts, Fields: map[string]any{"n": id}}
}

func TestOpenRejectsBadCollectionNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	for _, name := range []string{"", "Cards", "a b", "x;drop"} {
		if _, err := Open(path, []string{name}); err == nil {
			t.Errorf("expected collection name %q to be rejected", name)
		}
	}
}

func TestUpsertAndGet(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c1", "u1", 10)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := cache.Get(ctx, "cards", "c1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.UpdatedAt != 10 || got.UserID != "u1" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Fields["n"] != "c1" {
		t.Errorf("payload did not round-trip: %v", got.Fields)
	}

	if _, err := cache.Get(ctx, "cards", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertIsLastWriterWins(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c1", "u1", 20)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// A stale version must not overwrite a newer cached one.
	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c1", "u1", 10)}); err != nil {
		t.Fatalf("stale upsert errored: %v", err)
	}
	got, _ := cache.Get(ctx, "cards", "c1")
	if got.UpdatedAt != 20 {
		t.Errorf("stale write overwrote newer record: got ts %d", got.UpdatedAt)
	}

	// Equal timestamps are also a no-op, so replaying a page converges.
	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c1", "u1", 20)}); err != nil {
		t.Fatalf("replay upsert errored: %v", err)
	}

	// A strictly newer version wins.
	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c1", "u1", 30)}); err != nil {
		t.Fatalf("newer upsert errored: %v", err)
	}
	got, _ = cache.Get(ctx, "cards", "c1")
	if got.UpdatedAt != 30 {
		t.Errorf("newer write lost: got ts %d", got.UpdatedAt)
	}
}

func TestUpsertRejectsTombstones(t *testing.T) {
	cache := openTestCache(t)
	tomb := rec("c1", "u1", 10)
	tomb.Deleted = true
	if err := cache.UpsertBatch(context.Background(), "cards", []schema.Record{tomb}); err == nil {
		t.Error("expected tombstone in upsert batch to be rejected")
	}
}

func TestDeleteBatchIdempotent(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c1", "u1", 10)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.DeleteBatch(ctx, "cards", "u1", []string{"c1", "never-cached"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := cache.Get(ctx, "cards", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected record gone, got %v", err)
	}
	// Replaying the same delete is a no-op.
	if err := cache.DeleteBatch(ctx, "cards", "u1", []string{"c1"}); err != nil {
		t.Fatalf("replayed delete errored: %v", err)
	}
}

func TestListOrderingAndScoping(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	batch := []schema.Record{
		rec("c2", "u1", 30),
		rec("c1", "u1", 10),
		rec("c3", "u2", 20),
	}
	if err := cache.UpsertBatch(ctx, "cards", batch); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	list, err := cache.List(ctx, "cards", "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records for u1, got %d", len(list))
	}
	if list[0].ID != "c1" || list[1].ID != "c2" {
		t.Errorf("expected ascending UpdatedAt order, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestListNewerThan(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{
		rec("c1", "u1", 10), rec("c2", "u1", 20), rec("c3", "u1", 30),
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Strictly greater: the boundary record itself is excluded.
	list, err := cache.ListNewerThan(ctx, "cards", "u1", 20, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "c3" {
		t.Errorf("expected only c3 newer than 20, got %+v", list)
	}

	count, err := cache.CountNewerThan(ctx, "cards", "u1", 10)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 records newer than 10, got %d", count)
	}

	limited, err := cache.ListNewerThan(ctx, "cards", "u1", 0, 2)
	if err != nil {
		t.Fatalf("limited list failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "c1" {
		t.Errorf("expected oldest-first limit of 2, got %+v", limited)
	}
}

func TestUnknownCollectionRejected(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	if err := cache.UpsertBatch(ctx, "alarms", []schema.Record{rec("a1", "u1", 10)}); err == nil {
		t.Error("expected unknown collection to be rejected")
	}
	if _, err := cache.List(ctx, "alarms", "u1"); err == nil {
		t.Error("expected unknown collection to be rejected")
	}
}

func TestCursorClamp(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	cursor, err := cache.Cursor(ctx, "u1", "cards")
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("expected zero cursor for fresh pair, got %d", cursor)
	}

	if err := cache.SetCursor(ctx, "u1", "cards", 100); err != nil {
		t.Fatalf("set cursor failed: %v", err)
	}
	// An older write must not move the watermark backwards.
	if err := cache.SetCursor(ctx, "u1", "cards", 50); err != nil {
		t.Fatalf("older set cursor errored: %v", err)
	}
	cursor, _ = cache.Cursor(ctx, "u1", "cards")
	if cursor != 100 {
		t.Errorf("cursor regressed: got %d, want 100", cursor)
	}

	if err := cache.SetCursor(ctx, "u1", "cards", 150); err != nil {
		t.Fatalf("set cursor failed: %v", err)
	}
	cursor, _ = cache.Cursor(ctx, "u1", "cards")
	if cursor != 150 {
		t.Errorf("cursor did not advance: got %d", cursor)
	}
}

func TestCursors(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	_ = cache.SetCursor(ctx, "u2", "emails", 20)
	_ = cache.SetCursor(ctx, "u1", "cards", 10)

	cursors, err := cache.Cursors(ctx)
	if err != nil {
		t.Fatalf("cursors failed: %v", err)
	}
	if len(cursors) != 2 {
		t.Fatalf("expected 2 cursors, got %d", len(cursors))
	}
	if cursors[0].UserID != "u1" || cursors[1].UserID != "u2" {
		t.Errorf("expected user-ordered cursors, got %+v", cursors)
	}
}

func TestSubscribe(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	var events []ChangeEvent
	unsub := cache.Subscribe("cards", func(ev ChangeEvent) {
		events = append(events, ev)
	})

	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c1", "u1", 10)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := cache.DeleteBatch(ctx, "cards", "u1", []string{"c1"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	// Other collections do not notify this subscriber.
	if err := cache.UpsertBatch(ctx, "emails", []schema.Record{rec("e1", "u1", 10)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if len(events[0].Upserted) != 1 || events[0].Upserted[0] != "c1" {
		t.Errorf("unexpected upsert event: %+v", events[0])
	}
	if len(events[1].Deleted) != 1 || events[1].Deleted[0] != "c1" {
		t.Errorf("unexpected delete event: %+v", events[1])
	}

	unsub()
	if err := cache.UpsertBatch(ctx, "cards", []schema.Record{rec("c2", "u1", 20)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected no events after unsubscribe, got %d", len(events))
	}
}

// Package memstore provides an in-memory remote.Store used by engine and
// reconciler tests. It is deterministic: ids are assigned with uuid, and
// "server" timestamps come from an internal strictly-increasing clock that
// tests can position explicitly.
//
// Failure modes of the real store (index still building, permission denied,
// transport faults) are injectable per collection.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/schema"
)

// Store is an in-memory implementation of remote.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]map[string]schema.Record // collection -> id -> record
	chunks  map[string]schema.SnapshotChunk     // deterministic chunk id -> chunk
	subs    []*subscription
	clock   int64

	failChanges map[string]error // collection -> injected ChangesSince error
	failList    map[string]error // collection -> injected ListPage/ListAll error
	failWatch   map[string]error // collection -> injected Watch error
	failWrite   error            // injected SoftDeleteBatch/WriteChunk error

	// ListCalls counts ListPage invocations, letting tests assert how
	// many bootstrap pages were fetched.
	ListCalls int
}

// New creates an empty store with the clock at zero.
func New() *Store {
	return &Store{
		records:     make(map[string]map[string]schema.Record),
		chunks:      make(map[string]schema.SnapshotChunk),
		failChanges: make(map[string]error),
		failList:    make(map[string]error),
		failWatch:   make(map[string]error),
	}
}

// SetClock positions the server clock. Subsequent server-assigned
// timestamps are strictly greater than t.
func (s *Store) SetClock(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.clock {
		s.clock = t
	}
}

// nextMillis returns a strictly increasing server timestamp.
// Caller must hold s.mu.
func (s *Store) nextMillis() int64 {
	s.clock++
	return s.clock
}

// Seed inserts a record exactly as given, preserving its id and UpdatedAt.
// The clock is advanced so later server writes stay strictly newer.
func (s *Store) Seed(collection string, rec schema.Record) {
	s.mu.Lock()
	if s.records[collection] == nil {
		s.records[collection] = make(map[string]schema.Record)
	}
	s.records[collection][rec.ID] = rec
	if rec.UpdatedAt > s.clock {
		s.clock = rec.UpdatedAt
	}
	s.mu.Unlock()
	s.emit(collection, []schema.Record{rec})
}

// Insert creates a record with a server-assigned id and timestamp.
func (s *Store) Insert(collection, userID string, fields map[string]any) schema.Record {
	s.mu.Lock()
	rec := schema.Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		UpdatedAt: s.nextMillis(),
		Fields:    fields,
	}
	if s.records[collection] == nil {
		s.records[collection] = make(map[string]schema.Record)
	}
	s.records[collection][rec.ID] = rec
	s.mu.Unlock()
	s.emit(collection, []schema.Record{rec})
	return rec
}

// Update rewrites a record's fields with a fresh server timestamp.
func (s *Store) Update(collection, id string, fields map[string]any) (schema.Record, error) {
	s.mu.Lock()
	rec, ok := s.records[collection][id]
	if !ok {
		s.mu.Unlock()
		return schema.Record{}, fmt.Errorf("memstore: record %s not found in %s", id, collection)
	}
	rec.Fields = fields
	rec.UpdatedAt = s.nextMillis()
	s.records[collection][id] = rec
	s.mu.Unlock()
	s.emit(collection, []schema.Record{rec})
	return rec, nil
}

// FailChanges makes ChangesSince for a collection return err (nil clears).
func (s *Store) FailChanges(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failChanges, collection)
		return
	}
	s.failChanges[collection] = err
}

// FailList makes ListPage and ListAll for a collection return err.
func (s *Store) FailList(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failList, collection)
		return
	}
	s.failList[collection] = err
}

// FailWatch makes Watch for a collection return err.
func (s *Store) FailWatch(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failWatch, collection)
		return
	}
	s.failWatch[collection] = err
}

// FailWrites makes SoftDeleteBatch and WriteChunk return err (nil clears).
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = err
}

// ListPage implements remote.Store using id-ordered pagination.
func (s *Store) ListPage(ctx context.Context, collection, userID, pageToken string, limit int) (remote.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListCalls++

	if err := s.failList[collection]; err != nil {
		return remote.Page{}, err
	}

	var all []schema.Record
	for _, rec := range s.records[collection] {
		if rec.UserID != userID {
			continue
		}
		if pageToken != "" && rec.ID <= pageToken {
			continue
		}
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	page := remote.Page{Records: all}
	if limit > 0 && len(all) == limit {
		page.NextToken = all[len(all)-1].ID
	}
	return page, nil
}

// ChangesSince implements remote.Store.
func (s *Store) ChangesSince(ctx context.Context, collection, userID string, since int64, limit int) ([]schema.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failChanges[collection]; err != nil {
		return nil, err
	}

	var out []schema.Record
	for _, rec := range s.records[collection] {
		if rec.UserID != userID || rec.UpdatedAt <= since {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAll implements remote.Store, returning live records only.
func (s *Store) ListAll(ctx context.Context, collection, userID string) ([]schema.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failList[collection]; err != nil {
		return nil, err
	}

	var out []schema.Record
	for _, rec := range s.records[collection] {
		if rec.UserID != userID || rec.Deleted {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SoftDeleteBatch implements remote.Store. All tombstones are applied with
// the same timestamp, atomically under the store lock.
func (s *Store) SoftDeleteBatch(ctx context.Context, collection, userID string, ids []string, now int64) error {
	s.mu.Lock()
	if s.failWrite != nil {
		err := s.failWrite
		s.mu.Unlock()
		return err
	}
	if now > s.clock {
		s.clock = now
	}
	var changed []schema.Record
	for _, id := range ids {
		rec, ok := s.records[collection][id]
		if !ok || rec.UserID != userID {
			continue
		}
		rec.Deleted = true
		rec.UpdatedAt = now
		s.records[collection][id] = rec
		changed = append(changed, rec)
	}
	s.mu.Unlock()
	s.emit(collection, changed)
	return nil
}

// ReadChunks implements remote.Store.
func (s *Store) ReadChunks(ctx context.Context, collection, userID string) ([]schema.SnapshotChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schema.SnapshotChunk
	for _, chunk := range s.chunks {
		if chunk.UserID == userID && chunk.Collection == collection {
			out = append(out, chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

// LatestChunk implements remote.Store.
func (s *Store) LatestChunk(ctx context.Context, collection, userID string) (*schema.SnapshotChunk, error) {
	chunks, err := s.ReadChunks(ctx, collection, userID)
	if err != nil || len(chunks) == 0 {
		return nil, err
	}
	latest := chunks[len(chunks)-1]
	return &latest, nil
}

// WriteChunk implements remote.Store.
func (s *Store) WriteChunk(ctx context.Context, chunk schema.SnapshotChunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.chunks[chunk.ID] = chunk
	return nil
}

// DeleteChunksFrom implements remote.Store.
func (s *Store) DeleteChunksFrom(ctx context.Context, collection, userID string, fromIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	for id, chunk := range s.chunks {
		if chunk.UserID == userID && chunk.Collection == collection && chunk.ChunkIndex >= fromIndex {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Get returns a record by id for test assertions.
func (s *Store) Get(collection, id string) (schema.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[collection][id]
	return rec, ok
}

// ChunkCount returns how many snapshot chunks exist for test assertions.
func (s *Store) ChunkCount(collection, userID string) int {
	chunks, _ := s.ReadChunks(context.Background(), collection, userID)
	return len(chunks)
}

// Package remote defines the interface the sync engine requires from the
// remote document store, together with the error taxonomy the engine's
// fallback logic keys on.
//
// The store is an external collaborator. The engine only needs a narrow
// set of query shapes: equality-filtered ordered pagination, a compound
// (userID, updatedAt > T) range query, an atomic multi-document tombstone
// write, a change subscription, and keyed reads/writes of snapshot chunk
// documents.
package remote

import (
	"context"

	"github.com/dskora/vaultsync/internal/vault/schema"
)

// Page is one bootstrap page plus the continuation token for the next one.
// An empty NextToken means the listing is exhausted.
type Page struct {
	Records   []schema.Record
	NextToken string
}

// Subscription is a standing change feed for one (user, collection) pair.
//
// Changes delivers batches of changed records (adds, updates, and
// tombstones). The channel is closed when the subscription ends; Err then
// reports why, or nil for a clean Close.
type Subscription interface {
	Changes() <-chan []schema.Record
	Err() error
	Close() error
}

// Store is the remote document store capability the engine depends on.
type Store interface {
	// ListPage returns one page of all records owned by userID, in a
	// stable remote ordering, resuming from pageToken ("" for the first
	// page). Used by the bootstrap path; includes tombstones.
	ListPage(ctx context.Context, collection, userID, pageToken string, limit int) (Page, error)

	// ChangesSince returns up to limit records with UpdatedAt strictly
	// greater than since, ordered by UpdatedAt ascending. Requires a
	// composite (userID, updatedAt) index remotely; while that index is
	// still building the call fails with ErrIndexUnready.
	ChangesSince(ctx context.Context, collection, userID string, since int64, limit int) ([]schema.Record, error)

	// ListAll returns every live (non-tombstoned) record owned by userID.
	// A full scan: expensive by design, used only by snapshot rebuilds.
	ListAll(ctx context.Context, collection, userID string) ([]schema.Record, error)

	// SoftDeleteBatch tombstones the given ids in one atomic batch,
	// setting deleted=true and updatedAt=now on each document. Partial
	// application is never observable remotely.
	SoftDeleteBatch(ctx context.Context, collection, userID string, ids []string, now int64) error

	// Watch opens a change subscription for records owned by userID.
	// A non-negative since restricts the feed to UpdatedAt > since;
	// pass since < 0 for the unfiltered variant used by collections
	// exempted from the time-delta filter.
	Watch(ctx context.Context, collection, userID string, since int64) (Subscription, error)

	// ReadChunks returns all snapshot chunks for (user, collection),
	// ordered by chunk index ascending.
	ReadChunks(ctx context.Context, collection, userID string) ([]schema.SnapshotChunk, error)

	// LatestChunk returns the chunk with the highest index, or nil when
	// no snapshot exists yet.
	LatestChunk(ctx context.Context, collection, userID string) (*schema.SnapshotChunk, error)

	// WriteChunk writes a snapshot chunk under its deterministic key,
	// replacing any previous chunk at the same index.
	WriteChunk(ctx context.Context, chunk schema.SnapshotChunk) error

	// DeleteChunksFrom removes every snapshot chunk for (user, collection)
	// with index >= fromIndex. A rebuild that produces fewer chunks than
	// the previous trail calls this so stale tails never survive.
	DeleteChunksFrom(ctx context.Context, collection, userID string, fromIndex int) error
}

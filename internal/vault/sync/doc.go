// Package sync implements the delta/bulk synchronization engine that keeps
// the local cache consistent with the remote document store.
//
// Each (user, collection) pair carries a cursor: the maximum server-assigned
// UpdatedAt applied so far. A pair with no cursor bootstraps by paging
// through every remote record; a pair with a cursor pulls only records with
// UpdatedAt strictly greater than it. Small low-cardinality collections
// (categories, statuses) always bootstrap so the remote store never needs a
// composite index for them.
//
// Sync is idempotent and reentrancy-guarded: overlapping calls for the same
// pair share one in-flight run and receive its result.
package sync

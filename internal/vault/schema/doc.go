// Package schema defines the record shapes shared by the local cache,
// the remote document store, and the sync engine.
//
// Every collection (cards, emails, alarms, ...) uses the same generic
// Record envelope: a remote-assigned ID, the owning user, a server-assigned
// millisecond timestamp, an optional tombstone flag, and a free-form field
// map for collection-specific data. Conflict resolution across writers is
// last-writer-wins on UpdatedAt, with tombstones always winning.
package schema

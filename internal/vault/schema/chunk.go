package schema

import "fmt"

// SnapshotChunk is an immutable bulk export of part of a collection's
// history, written by the compactor so a fresh device can hydrate its cache
// without paging through the whole remote collection.
//
// Chunks for a (user, collection) pair are strictly ordered by ChunkIndex.
// Chunk n contains only records with UpdatedAt <= Timestamp, and all chunks
// read in index order cover a prefix of the collection's history up to the
// newest chunk's Timestamp.
type SnapshotChunk struct {
	// ID is the deterministic document key {userID}_{collection}_{index},
	// so a full rebuild overwrites chunks in place instead of accumulating.
	ID string `json:"id" bson:"_id"`

	UserID     string `json:"user_id" bson:"userId"`
	Collection string `json:"collection" bson:"collection"`
	ChunkIndex int    `json:"chunk_index" bson:"chunkIndex"`

	// Records are ordered by UpdatedAt ascending.
	Records []Record `json:"records" bson:"records"`

	// Timestamp is the maximum UpdatedAt within the chunk.
	Timestamp int64 `json:"timestamp" bson:"timestamp"`

	// Count duplicates len(Records) for cheap remote-side inspection.
	Count int `json:"count" bson:"count"`
}

// ChunkID builds the deterministic document key for a snapshot chunk.
func ChunkID(userID, collection string, index int) string {
	return fmt.Sprintf("%s_%s_%d", userID, collection, index)
}

// Validate checks the chunk invariants.
func (c *SnapshotChunk) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("chunk user id is required")
	}
	if c.Collection == "" {
		return fmt.Errorf("chunk collection is required")
	}
	if c.ChunkIndex < 0 {
		return fmt.Errorf("chunk index must not be negative (got %d)", c.ChunkIndex)
	}
	if c.Count != len(c.Records) {
		return fmt.Errorf("chunk %s count mismatch: count=%d records=%d", c.ID, c.Count, len(c.Records))
	}
	if want := ChunkID(c.UserID, c.Collection, c.ChunkIndex); c.ID != want {
		return fmt.Errorf("chunk id %q does not match key %q", c.ID, want)
	}
	for i := range c.Records {
		if c.Records[i].UpdatedAt > c.Timestamp {
			return fmt.Errorf("chunk %s: record %s is newer than chunk timestamp", c.ID, c.Records[i].ID)
		}
	}
	return nil
}

// NewChunk builds a chunk from records already ordered by UpdatedAt
// ascending, computing the timestamp and deterministic key.
func NewChunk(userID, collection string, index int, records []Record) SnapshotChunk {
	var maxTS int64
	for i := range records {
		if records[i].UpdatedAt > maxTS {
			maxTS = records[i].UpdatedAt
		}
	}
	return SnapshotChunk{
		ID:         ChunkID(userID, collection, index),
		UserID:     userID,
		Collection: collection,
		ChunkIndex: index,
		Records:    records,
		Timestamp:  maxTS,
		Count:      len(records),
	}
}

package schema

import "fmt"

// SyncCursor records how fresh a (user, collection) pair's local copy is.
// There is exactly one row per pair. LastSyncTime is the maximum UpdatedAt
// observed across all applied pages; it never regresses.
type SyncCursor struct {
	UserID       string `json:"user_id"`
	Collection   string `json:"collection"`
	LastSyncTime int64  `json:"last_sync_time"`
}

// Validate checks the cursor invariants.
func (c *SyncCursor) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("cursor user id is required")
	}
	if c.Collection == "" {
		return fmt.Errorf("cursor collection is required")
	}
	if c.LastSyncTime < 0 {
		return fmt.Errorf("cursor last_sync_time must not be negative (got %d)", c.LastSyncTime)
	}
	return nil
}

package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names synchronized by the engine.
const (
	CollectionCards         = "cards"
	CollectionEmails        = "emails"
	CollectionAlarms        = "alarms"
	CollectionNotifications = "notifications"
	CollectionCategories    = "categories"
	CollectionStatuses      = "statuses"
)

// DefaultCollections returns the full set of collections a vault profile
// synchronizes, in bootstrap order.
func DefaultCollections() []string {
	return []string{
		CollectionCategories,
		CollectionStatuses,
		CollectionCards,
		CollectionEmails,
		CollectionAlarms,
		CollectionNotifications,
	}
}

// Record is the generic document envelope stored in every collection.
//
// UpdatedAt is a server-assigned millisecond timestamp and must strictly
// increase on every mutation of the same document. Deleted marks a soft
// delete (tombstone): the remote store keeps the document, the local cache
// removes the row.
type Record struct {
	// ID is assigned by the remote store on first write.
	ID string `json:"id" bson:"_id"`

	// UserID is the owning user. Every query is scoped to it.
	UserID string `json:"user_id" bson:"userId"`

	// UpdatedAt is the server-assigned mutation timestamp in Unix millis.
	// Zero means a legacy record written before timestamps were recorded.
	UpdatedAt int64 `json:"updated_at" bson:"updatedAt"`

	// Deleted marks a tombstone. Tombstones win over any cached version.
	Deleted bool `json:"deleted,omitempty" bson:"deleted,omitempty"`

	// Fields holds the collection-specific payload (card number, email
	// address, 2FA secret reference, ...). Opaque to the sync engine.
	Fields map[string]any `json:"fields,omitempty" bson:"fields,omitempty"`
}

// Validate checks the invariants the sync engine relies on.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("record %s: user id is required", r.ID)
	}
	if r.UpdatedAt < 0 {
		return fmt.Errorf("record %s: updated_at must not be negative (got %d)", r.ID, r.UpdatedAt)
	}
	return nil
}

// EffectiveUpdatedAt returns UpdatedAt, falling back to a createdAt field
// and finally to now for legacy records that predate server timestamps.
// The fallback keeps cursor advancement monotonic even for old data.
func (r *Record) EffectiveUpdatedAt(now int64) int64 {
	if r.UpdatedAt > 0 {
		return r.UpdatedAt
	}
	if created, ok := numericField(r.Fields, "createdAt"); ok && created > 0 {
		return created
	}
	return now
}

// MarshalPayload serializes the collection-specific fields for cache storage.
func (r *Record) MarshalPayload() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields for record %s: %w", r.ID, err)
	}
	return data, nil
}

// UnmarshalPayload restores collection-specific fields from cache storage.
func (r *Record) UnmarshalPayload(data []byte) error {
	if len(data) == 0 {
		r.Fields = nil
		return nil
	}
	if err := json.Unmarshal(data, &r.Fields); err != nil {
		return fmt.Errorf("failed to unmarshal fields for record %s: %w", r.ID, err)
	}
	return nil
}

// numericField extracts an integer timestamp from a free-form field map.
// JSON decoding yields float64, BSON decoding may yield int32/int64.
func numericField(fields map[string]any, key string) (int64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// NowMillis returns the current time as Unix milliseconds, the timestamp
// unit used throughout the sync engine.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

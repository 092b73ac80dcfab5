package localcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dskora/vaultsync/internal/vault/schema"
)

// Cursor returns the last synchronized timestamp for (user, collection),
// or 0 when the pair has never been synced.
func (c *Cache) Cursor(ctx context.Context, userID, collection string) (int64, error) {
	var ts int64
	err := c.conn.QueryRowContext(ctx,
		"SELECT last_sync_time FROM sync_cursors WHERE user_id = ? AND collection = ?",
		userID, collection,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s/%s: %w", userID, collection, err)
	}
	return ts, nil
}

// SetCursor advances the watermark for (user, collection). The stored value
// only ever grows: an attempt to write an older timestamp is a no-op, which
// lets snapshot hydration and sync paths race without a cursor regressing.
func (c *Cache) SetCursor(ctx context.Context, userID, collection string, ts int64) error {
	cursor := schema.SyncCursor{UserID: userID, Collection: collection, LastSyncTime: ts}
	if err := cursor.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO sync_cursors (user_id, collection, last_sync_time)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id, collection) DO UPDATE SET
		last_sync_time = excluded.last_sync_time
	WHERE excluded.last_sync_time > sync_cursors.last_sync_time
	`
	if _, err := c.conn.ExecContext(ctx, query, userID, collection, ts); err != nil {
		return fmt.Errorf("failed to set cursor for %s/%s: %w", userID, collection, err)
	}
	return nil
}

// Cursors returns all recorded cursors, for status reporting.
func (c *Cache) Cursors(ctx context.Context) ([]schema.SyncCursor, error) {
	rows, err := c.conn.QueryContext(ctx,
		"SELECT user_id, collection, last_sync_time FROM sync_cursors ORDER BY user_id, collection")
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []schema.SyncCursor
	for rows.Next() {
		var cur schema.SyncCursor
		if err := rows.Scan(&cur.UserID, &cur.Collection, &cur.LastSyncTime); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, cur)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return cursors, nil
}

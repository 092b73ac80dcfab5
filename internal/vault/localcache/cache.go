// Package localcache provides the embedded per-device record cache.
//
// The cache is a SQLite database (WAL mode) with one table per collection
// plus a sync_cursors table holding the per-(user, collection) freshness
// watermark. It is pure storage: no network awareness, exclusively owned
// by the device profile it lives in.
//
// Writes are applied in per-page transactions so a partially applied page
// is never observable, and subscribers are notified after each committed
// batch via an explicit publish/subscribe surface.
package localcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dskora/vaultsync/internal/vault/schema"
)

// ErrNotFound is returned when a record id is not cached.
var ErrNotFound = errors.New("localcache: record not found")

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ChangeEvent describes one committed mutation batch on a collection table.
type ChangeEvent struct {
	Collection string
	UserID     string
	Upserted   []string
	Deleted    []string
}

// Cache wraps the SQLite connection with the vault cache schema.
type Cache struct {
	conn        *sql.DB
	path        string
	collections []string

	mu        sync.Mutex
	listeners map[string]map[int]func(ChangeEvent)
	nextSub   int
}

// Open creates or opens the cache database at path for the given set of
// collection names. The caller must Close when done.
func Open(path string, collections []string) (*Cache, error) {
	if len(collections) == 0 {
		return nil, fmt.Errorf("at least one collection is required")
	}
	for _, name := range collections {
		if !collectionNameRe.MatchString(name) {
			return nil, fmt.Errorf("invalid collection name %q", name)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{
		conn:        conn,
		path:        path,
		collections: append([]string(nil), collections...),
		listeners:   make(map[string]map[int]func(ChangeEvent)),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := c.conn.Exec(pragma); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return c, nil
}

// Close checkpoints the WAL and closes the connection.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	c.conn = nil
	return nil
}

// InitSchema creates the per-collection tables and the cursor table.
// Idempotent; safe to call on every startup.
func (c *Cache) InitSchema(ctx context.Context) error {
	for _, name := range c.collections {
		table := tableName(name)
		stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user_updated ON %[1]s(user_id, updated_at);
		`, table)
		if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table for collection %s: %w", name, err)
		}
	}

	cursorStmt := `
	CREATE TABLE IF NOT EXISTS sync_cursors (
		user_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		last_sync_time INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, collection)
	);
	`
	if _, err := c.conn.ExecContext(ctx, cursorStmt); err != nil {
		return fmt.Errorf("failed to create sync_cursors table: %w", err)
	}
	return nil
}

// Collections returns the collection names this cache was opened with.
func (c *Cache) Collections() []string {
	return append([]string(nil), c.collections...)
}

// checkCollection guards dynamic table names against unknown input.
func (c *Cache) checkCollection(name string) error {
	for _, known := range c.collections {
		if known == name {
			return nil
		}
	}
	return fmt.Errorf("unknown collection %q", name)
}

func tableName(collection string) string {
	return "records_" + collection
}

// UpsertBatch writes one page of records into the collection table inside a
// single transaction. A row is only replaced when the incoming UpdatedAt is
// strictly greater than the cached one, which makes reapplying a page, or
// applying pages out of receipt order, converge to the same state.
//
// Tombstoned records must be routed to DeleteBatch by the caller; the cache
// never stores tombstones.
func (c *Cache) UpsertBatch(ctx context.Context, collection string, records []schema.Record) error {
	if err := c.checkCollection(collection); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	table := tableName(collection)
	query := fmt.Sprintf(`
	INSERT INTO %[1]s (id, user_id, updated_at, payload)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		updated_at = excluded.updated_at,
		payload = excluded.payload
	WHERE excluded.updated_at > %[1]s.updated_at
	`, table)

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	var userID string
	ids := make([]string, 0, len(records))
	for i := range records {
		rec := &records[i]
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid record in batch: %w", err)
		}
		if rec.Deleted {
			return fmt.Errorf("tombstone %s passed to UpsertBatch", rec.ID)
		}
		payload, err := rec.MarshalPayload()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.UserID, rec.UpdatedAt, string(payload)); err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
		}
		userID = rec.UserID
		ids = append(ids, rec.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert batch: %w", err)
	}

	c.notify(ChangeEvent{Collection: collection, UserID: userID, Upserted: ids})
	return nil
}

// DeleteBatch physically removes the given ids from the collection table.
// Deleting an id that was never cached is a no-op (idempotent).
func (c *Cache) DeleteBatch(ctx context.Context, collection, userID string, ids []string) error {
	if err := c.checkCollection(collection); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableName(collection))

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete batch: %w", err)
	}

	c.notify(ChangeEvent{Collection: collection, UserID: userID, Deleted: ids})
	return nil
}

// Get retrieves a single cached record. Returns ErrNotFound when absent.
func (c *Cache) Get(ctx context.Context, collection, id string) (*schema.Record, error) {
	if err := c.checkCollection(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, user_id, updated_at, payload FROM %s WHERE id = ?", tableName(collection))
	row := c.conn.QueryRowContext(ctx, query, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	return rec, nil
}

// List returns all cached records for a user, ordered by UpdatedAt ascending.
func (c *Cache) List(ctx context.Context, collection, userID string) ([]schema.Record, error) {
	if err := c.checkCollection(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT id, user_id, updated_at, payload FROM %s
	WHERE user_id = ?
	ORDER BY updated_at ASC, id ASC
	`, tableName(collection))

	rows, err := c.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListNewerThan returns up to limit records with UpdatedAt strictly greater
// than ts, oldest first. Used by the snapshot compactor to pick the excess
// records past the last chunk boundary.
func (c *Cache) ListNewerThan(ctx context.Context, collection, userID string, ts int64, limit int) ([]schema.Record, error) {
	if err := c.checkCollection(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT id, user_id, updated_at, payload FROM %s
	WHERE user_id = ? AND updated_at > ?
	ORDER BY updated_at ASC, id ASC
	`, tableName(collection))
	args := []interface{}{userID, ts}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list newer records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Count returns the number of cached records for a user.
func (c *Cache) Count(ctx context.Context, collection, userID string) (int, error) {
	if err := c.checkCollection(collection); err != nil {
		return 0, err
	}
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE user_id = ?", tableName(collection))
	if err := c.conn.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// CountNewerThan returns how many cached records have UpdatedAt strictly
// greater than ts.
func (c *Cache) CountNewerThan(ctx context.Context, collection, userID string, ts int64) (int, error) {
	if err := c.checkCollection(collection); err != nil {
		return 0, err
	}
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE user_id = ? AND updated_at > ?", tableName(collection))
	if err := c.conn.QueryRowContext(ctx, query, userID, ts).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count newer records: %w", err)
	}
	return count, nil
}

func scanRecord(row *sql.Row) (*schema.Record, error) {
	var rec schema.Record
	var payload string
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.UpdatedAt, &payload); err != nil {
		return nil, err
	}
	if err := rec.UnmarshalPayload([]byte(payload)); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]schema.Record, error) {
	var records []schema.Record
	for rows.Next() {
		var rec schema.Record
		var payload string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.UpdatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := rec.UnmarshalPayload([]byte(payload)); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

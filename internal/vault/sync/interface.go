package sync

import "context"

// Syncer pulls remote changes for one (user, collection) pair into the
// local cache and advances its cursor.
//
// Sync is safe to call repeatedly and concurrently. Only one sync per pair
// runs at a time; concurrent callers await the in-flight run and receive
// its cursor and error. The returned cursor is the persisted watermark
// after the call.
//
// Failure behavior:
//   - An index-unready delta failure falls back to a full bootstrap once
//     and is never surfaced to the caller beyond a log line.
//   - Permission failures are terminal and surfaced distinctly (check with
//     remote.IsPermissionDenied) so callers can stop attempting the pair.
//   - Any other failure returns without advancing past the last durably
//     applied page; the next attempt resumes from that watermark.
type Syncer interface {
	Sync(ctx context.Context, collection, userID string) (int64, error)
}

package remote

import "errors"

// ErrIndexUnready reports that the remote composite (userID, updatedAt)
// index is still building. Recoverable: the engine falls back to a full
// bootstrap instead of failing the caller.
var ErrIndexUnready = errors.New("remote: composite index not ready")

// ErrPermissionDenied reports that the user lacks rights to the collection
// or document. Terminal for the call and sticky for the subscription: no
// automatic retry.
var ErrPermissionDenied = errors.New("remote: permission denied")

// IsIndexUnready reports whether err is (or wraps) an index-unready failure.
func IsIndexUnready(err error) bool {
	return errors.Is(err, ErrIndexUnready)
}

// IsPermissionDenied reports whether err is (or wraps) a permission failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

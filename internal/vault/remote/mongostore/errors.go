package mongostore

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dskora/vaultsync/internal/vault/remote"
)

// Server error codes the engine's taxonomy cares about.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeIndexNotFound        = 27
)

// mapError translates driver errors into the remote error taxonomy so the
// engine's fallback logic works without importing the driver.
//
// A missing or still-building (userId, updatedAt) index surfaces as
// IndexNotFound when queries run hinted; that maps to ErrIndexUnready and
// triggers the one-shot bootstrap fallback.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		switch {
		case srvErr.HasErrorCode(codeUnauthorized), srvErr.HasErrorCode(codeAuthenticationFailed):
			return fmt.Errorf("%s: %w: %v", op, remote.ErrPermissionDenied, err)
		case srvErr.HasErrorCode(codeIndexNotFound):
			return fmt.Errorf("%s: %w: %v", op, remote.ErrIndexUnready, err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

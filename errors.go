package offlinecache

import (
	"github.com/jmgilman/go/errors"

	"github.com/always-cache/offline-cache/strategy"
)

const (
	// CodePrecacheFailure marks an install that could not fetch or store the
	// whole precache manifest. The previous version keeps serving.
	CodePrecacheFailure errors.ErrorCode = "PRECACHE_FAILURE"
	// CodeCacheDeletionFailure marks an orphaned cache that could not be
	// deleted during activation.
	CodeCacheDeletionFailure errors.ErrorCode = "CACHE_DELETION_FAILURE"
	// CodeInvalidState marks a lifecycle operation called in the wrong state.
	CodeInvalidState errors.ErrorCode = "INVALID_STATE"
)

// IsPrecacheFailure reports whether err is a failed install.
func IsPrecacheFailure(err error) bool {
	return errors.GetCode(err) == CodePrecacheFailure
}

// IsNoResponse reports whether err means that neither the cache nor the
// network could answer a request.
func IsNoResponse(err error) bool {
	return strategy.IsNoResponse(err)
}

func invalidState(op string, state State) error {
	return errors.WithContext(
		errors.Newf(CodeInvalidState, "cannot %s in state %s", op, state),
		"state", state.String())
}

package canvas

import (
	"errors"
)

// error taxonomy for store and session operations.
// `ErrPermissionDenied` is benign: the write is rejected and the local edit reverted.
// `ErrUnavailable` is transient and retried with backoff up to a bounded attempt count.
// `ErrMalformedRecord` drops the record from the visible set, never propagates as a crash.
// a stale write losing conflict resolution is not an error and is discarded silently.

var ErrPermissionDenied = errors.New("permission denied")

var ErrUnavailable = errors.New("unavailable")

var ErrMalformedRecord = errors.New("malformed record")

// the subscription or session was closed by the caller
var ErrClosed = errors.New("closed")

func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func IsMalformedRecord(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}

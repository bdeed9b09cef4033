package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound when the requested item (tuple or model) does not exist.
	// A missing tuple is a negative result on read paths, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrLatestAuthorizationModelNotFound when no model was ever written.
	ErrLatestAuthorizationModelNotFound = errors.New("no authorization models found")

	// ErrTransactionalWriteFailed if two writes attempt to modify the same tuple at the same time.
	ErrTransactionalWriteFailed = errors.New("transactional write failed due to conflict")

	// ErrExceededWriteBatchLimit if MaxTuplesPerWrite is exceeded.
	ErrExceededWriteBatchLimit = errors.New("number of operations exceeded write batch limit")

	// ErrStoreUnavailable wraps backing store I/O failures. Retryable by the
	// caller with backoff; the engine itself never retries.
	ErrStoreUnavailable = errors.New("backing datastore unavailable")

	ErrCancelled = errors.New("request has been cancelled")
)

func StoreUnavailableError(cause error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
}

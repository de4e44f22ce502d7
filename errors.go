package diskcache

import "errors"

var (
	// ErrInvalidKey is returned when a key does not match [a-z0-9_-]{1,64}.
	ErrInvalidKey = errors.New("diskcache: invalid key")

	// ErrWriteInFlight is returned by Loader.Get when a key cannot be
	// filled because another write handle is already open for it.
	ErrWriteInFlight = errors.New("diskcache: write already in flight")

	// ErrFillUnavailable is returned by Loader.Get when a fill completed
	// but the entry could not be reopened, e.g. because it was evicted
	// immediately after commit.
	ErrFillUnavailable = errors.New("diskcache: filled entry is not readable")
)

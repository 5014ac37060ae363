package history

import "errors"

var (
	// ErrNotFound is returned for unknown event or snapshot identifiers.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned when a snapshot name is empty or blank.
	ErrInvalidName = errors.New("snapshot name must not be empty")

	// ErrNameConflict is returned when the image already has a snapshot
	// with the requested name.
	ErrNameConflict = errors.New("snapshot name already exists for this image")

	// ErrMalformedState is returned when a stored parameter map cannot be decoded.
	ErrMalformedState = errors.New("malformed stored state")

	// ErrInvalidPayload is returned by ApplyEdit in strict mode when the
	// payload does not match the edit payload schema.
	ErrInvalidPayload = errors.New("invalid edit payload")

	// ErrLockPoisoned is returned by every call after an operation panicked
	// while holding the service lock.
	ErrLockPoisoned = errors.New("lock poisoned")
)

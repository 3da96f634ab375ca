package storage

import "errors"

// Sentinel errors shared by every backend. Callers branch on these with
// errors.Is; backends wrap their driver errors into them.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	ErrDuplicate = errors.New("storage: duplicate")

	// ErrVersionConflict is returned when an update carries a stale
	// session version. The caller re-reads and retries or surfaces a 409.
	ErrVersionConflict = errors.New("storage: version conflict")
)

package store

import "errors"

var (
	// ErrNotFound is returned when a target id does not exist.
	ErrNotFound = errors.New("store: target not found")

	// ErrLockTaken is returned by AcquireLock when another live owner
	// holds the region lock.
	ErrLockTaken = errors.New("store: lock held by another owner")

	// ErrLockStolen is returned by ExtendLock when the lock no longer
	// belongs to the caller.
	ErrLockStolen = errors.New("store: lock stolen")
)

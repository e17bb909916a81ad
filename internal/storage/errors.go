package storage

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	// For applications it means the application is not managed.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyManaged is returned when claiming an application that
	// already has a committed record.
	ErrAlreadyManaged = errors.New("storage: application already managed")

	// ErrNoPendingClaim is returned by FinishApplicationClaiming when no
	// reservation exists for the application.
	ErrNoPendingClaim = errors.New("storage: no claim in progress")

	// ErrStaleUpdate is returned by UpdatesCompleted for an UpdateID that
	// is no longer the outstanding token of the application.
	ErrStaleUpdate = errors.New("storage: stale update id")

	// ErrInvalidArgument is returned for malformed input such as an
	// identity issued by a foreign authority.
	ErrInvalidArgument = errors.New("storage: invalid argument")

	// ErrInUse is returned when removing a record still referenced by a
	// managed application.
	ErrInUse = errors.New("storage: record in use")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

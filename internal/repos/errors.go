package repos

import "errors"

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a create collides with an existing id or
	// unique column.
	ErrConflict = errors.New("record already exists")

	// ErrIllegalTransition is returned when a compare-and-set update finds the
	// job in a state the requested transition is not permitted from. The row
	// is left untouched.
	ErrIllegalTransition = errors.New("illegal job status transition")
)

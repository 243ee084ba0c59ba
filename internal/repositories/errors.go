package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	lab, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example importing two nodes with the same container name
// into one lab.
var ErrConflict = errors.New("record already exists")

// ErrInvalidTransition is returned by guarded status updates when the row is
// not in the expected source state — a job that is already terminal cannot
// be completed again, and a job that left "queued" cannot be started. This
// is what makes duplicate completion callbacks harmless.
var ErrInvalidTransition = errors.New("invalid status transition")

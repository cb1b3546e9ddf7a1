package domain

import "errors"

// Error kinds. Callers wrap them with fmt.Errorf("%w: ...") and the HTTP
// layer maps them to status codes with errors.Is.
var (
	// ErrValidation marks a rejected request: unknown data type, malformed
	// manifest, manifest/filename mismatch.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing manifest or path.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an existing destination on a non-overwrite copy or a
	// duplicate manifest.
	ErrConflict = errors.New("conflict")

	// ErrConsistency marks on-disk state that can only result from a bug or
	// an unguarded concurrent writer, such as two cached archives for one
	// client type. It is never repaired automatically.
	ErrConsistency = errors.New("consistency violation")

	// ErrRollback marks a failed restore after a failed deletion. The tenant
	// store may be left partially mutated.
	ErrRollback = errors.New("rollback failed")
)

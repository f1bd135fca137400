package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingIdentifier marks a record without its stable identifier.
	ErrMissingIdentifier = errors.New("reconcile: missing identifier")
	// ErrDanglingReference marks a record whose required parent row is absent.
	ErrDanglingReference = errors.New("reconcile: dangling reference")
	// ErrUnavailable marks a storage failure that no later record can get
	// past, such as a lost connection. It aborts the batch.
	ErrUnavailable = errors.New("reconcile: storage unavailable")
)

// Failure kinds counted in a BatchResult.
const (
	KindMissingIdentifier = "missing_identifier"
	KindDanglingReference = "dangling_reference"
	KindInvalidRecord     = "invalid_record"
	KindDatabase          = "database"
)

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrMissingIdentifier):
		return KindMissingIdentifier
	case errors.Is(err, ErrDanglingReference):
		return KindDanglingReference
	default:
		return KindDatabase
	}
}

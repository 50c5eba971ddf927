package database

import (
	"errors"
	"fmt"

	"github.com/sidquark/rehashkv/internal/storage"
)

// Common database errors. A missing key is not an error: Get and Delete
// report it through their boolean results.
var (
	ErrEmptyKey       = errors.New("key cannot be empty")
	ErrNilValue       = errors.New("value cannot be nil")
	ErrDatabaseClosed = errors.New("database is closed")

	ErrMaxCapacityTooSmall = errors.New("max_capacity is too small for the stored data")
)

// DatabaseError records the operation and key that failed
type DatabaseError struct {
	Operation string
	Key       string
	Err       error
}

func (e *DatabaseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %q: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError creates a new database error
func NewDatabaseError(operation, key string, err error) *DatabaseError {
	return &DatabaseError{
		Operation: operation,
		Key:       key,
		Err:       err,
	}
}

// IsFull reports whether err was caused by the table reaching its
// maximum capacity.
func IsFull(err error) bool {
	return errors.Is(err, storage.ErrAllocationFailure)
}

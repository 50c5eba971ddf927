package storage

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCapacity   = errors.New("invalid capacity")
	ErrAllocationFailure = errors.New("cannot grow bucket array")
)

// CapacityError reports the capacity involved in a failed construction or
// resize.
type CapacityError struct {
	Capacity int
	Err      error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity %d: %v", e.Capacity, e.Err)
}

func (e *CapacityError) Unwrap() error {
	return e.Err
}

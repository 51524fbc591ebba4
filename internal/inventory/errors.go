package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicate = errors.New("inventory: duplicate hostname")
	ErrNotFound  = errors.New("inventory: record not found")
	ErrHostname  = errors.New("inventory: hostname required")
)

// StoreError wraps a persistence failure for one record.
type StoreError struct {
	Op       string
	Hostname string
	Err      error
}

func (e *StoreError) Error() string {
	if e.Hostname == "" {
		return fmt.Sprintf("inventory: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("inventory: %s hostname=%q: %v", e.Op, e.Hostname, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, hostname string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Hostname: hostname, Err: err}
}

// WrapStoreError is used by backends outside this package.
func WrapStoreError(op, hostname string, err error) error {
	return storeErr(op, hostname, err)
}

package valuemanager

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrPersistence         = errors.New("local cache failure")
	ErrUnknownRegistration = errors.New("dataId is not registered")
	ErrSuperseded          = errors.New("value superseded by a newer update")
)

// ValidationError reports a pushed value that failed to parse. The previously cached
// value is kept.
type ValidationError struct {
	DataID string
	Raw    string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s=%q: %v", e.DataID, e.Raw, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// PersistenceError reports a local cache read or write failure. It is a warning: values
// stay available in memory.
type PersistenceError struct {
	DataID string // empty for whole-store operations
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.DataID == "" {
		return fmt.Sprintf("local cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("local cache %s %s: %v", e.Op, e.DataID, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

package regmanager

import (
	"errors"
	"fmt"
)

var (
	ErrRegistrationFailed = errors.New("registration failed")
	ErrInvalidDataID      = errors.New("dataId is required")
	ErrClosed             = errors.New("registration manager closed")
	errRejected           = errors.New("rejected by server")
)

// RegistrationError is reported once the register request for DataID has exhausted its
// retries. The registration stays tracked and is retried by later sweeps.
type RegistrationError struct {
	DataID   string
	Attempts int
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s after %d attempts: %v", e.DataID, e.Attempts, e.Err)
}

func (e *RegistrationError) Unwrap() []error {
	return []error{ErrRegistrationFailed, e.Err}
}

package vfscore

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrRateLimited       = errors.New("vfscore: rate limited by provider")
	ErrUnavailable       = errors.New("vfscore: scoring service unavailable")
	ErrAuthFailed        = errors.New("vfscore: authentication failed")
	ErrInvalidInput      = errors.New("vfscore: invalid scoring input")
	ErrUnsatisfiableTask = errors.New("vfscore: estimated tokens exceed the per-minute token cap of every credential")
	ErrCostCeiling       = errors.New("vfscore: cost ceiling reached")
	ErrRunCancelled      = errors.New("vfscore: run cancelled")
)

// DispatchError wraps an error with dispatch context.
type DispatchError struct {
	Err        error
	ItemID     string
	Repeat     int
	Credential string
	Attempts   int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("vfscore: item=%s repeat=%d credential=%s attempts=%d: %v",
		e.ItemID, e.Repeat, e.Credential, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsPermanent returns true if the error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidInput)
}

// IsTransient returns true if the error may succeed on a later attempt,
// possibly on a different credential. Unclassified errors are treated as
// transient so a flaky network never fails a task on its first hiccup.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

package network

import (
	"errors"
	"fmt"
)

// ErrUnexpectedSemaphoreClose indicates the demand semaphore returned a
// non-cancellation error from Acquire — a bug, since
// golang.org/x/sync/semaphore.Weighted has no "closed" state of its own
// under normal operation. SPEC_FULL.md §11.
var ErrUnexpectedSemaphoreClose = errors.New("network: demand semaphore closed unexpectedly")

// ReceiveError wraps a MessageReader failure: a read, frame, or decode
// error on an otherwise-healthy connection.
type ReceiveError struct {
	Cause error
}

func (e ReceiveError) Error() string { return fmt.Sprintf("network: receive error: %v", e.Cause) }
func (e ReceiveError) Unwrap() error { return e.Cause }

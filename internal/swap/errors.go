package swap

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest reports a request rejected before anything was
	// persisted.
	ErrInvalidRequest = errors.New("swap: invalid request")
	// ErrParked reports a run that gave up after exhausting its retries. The
	// record keeps its status and is resumed by the next recovery pass.
	ErrParked = errors.New("swap: parked")
	// ErrAlreadyRunning reports a second run for a txn_id that is still
	// executing in this process.
	ErrAlreadyRunning = errors.New("swap: already running")
	// ErrNotStarted reports a custodian used before Start.
	ErrNotStarted = errors.New("swap: custodian not started")
)

// RequestChannelError reports a swap request the custodian did not accept.
// No record exists and no ledger action was taken.
type RequestChannelError struct {
	Reason string
	Err    error
}

func (e *RequestChannelError) Error() string {
	if e.Err == nil {
		return "swap: request rejected: " + e.Reason
	}
	if e.Reason == "" {
		return fmt.Sprintf("swap: request rejected: %v", e.Err)
	}
	return fmt.Sprintf("swap: request rejected: %s: %v", e.Reason, e.Err)
}

func (e *RequestChannelError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

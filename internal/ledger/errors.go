package ledger

import (
	"errors"
	"fmt"
)

// SubmissionError reports a call that never became a transaction.
type SubmissionError struct {
	Ledger string
	Method Method
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("ledger %s: submit %s: %v", e.Ledger, e.Method, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfirmationError reports a ledger unreachable past the liveness bound
// while waiting for a receipt. The transaction may still be mined.
type ConfirmationError struct {
	Ledger string
	Hash   string
	Err    error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("ledger %s: confirm %s: %v", e.Ledger, e.Hash, e.Err)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// RevertedError reports a mined transaction rejected by contract logic.
type RevertedError struct {
	Ledger string
	Method Method
	Hash   string
	Reason string
}

func (e *RevertedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("ledger %s: %s reverted (%s)", e.Ledger, e.Method, e.Hash)
	}
	return fmt.Sprintf("ledger %s: %s reverted (%s): %s", e.Ledger, e.Method, e.Hash, e.Reason)
}

// Retryable reports whether err is a connectivity class failure that can be
// retried without side effects on the ledger.
func Retryable(err error) bool {
	var sub *SubmissionError
	var conf *ConfirmationError
	return errors.As(err, &sub) || errors.As(err, &conf)
}

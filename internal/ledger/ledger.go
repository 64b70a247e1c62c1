// Package ledger defines the gateway contract the swap engine drives: submit
// a hash-lock contract call, wait for its receipt, watch for a correlated
// event with a block deadline, and probe contract state for a txn_id.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// Method names a state-changing contract call.
type Method string

// Contract methods. Deposit exists on both legs; the remaining methods live on
// exactly one of them.
const (
	MethodDeposit                    Method = "deposit"
	MethodAcknowledge                Method = "acknowledge"
	MethodNoCustodianActionChallenge Method = "noCustodianActionChallenge"
	MethodNoUserActionChallenge      Method = "noUserActionChallenge"
	MethodIssue                      Method = "issue"
)

// Event names emitted by the two contracts.
const (
	EventUserDeposited      = "UserDeposited"
	EventAcknowledged       = "Acknowledged"
	EventUserRefunded       = "UserRefunded"
	EventCustodianDeposited = "CustodianDeposited"
	EventIssued             = "Issued"
	EventCustodianRefunded  = "CustodianRefunded"
)

// Call is one contract invocation. Unused fields are ignored by the method.
type Call struct {
	Method      Method
	TxnID       string
	Beneficiary string
	SecretHash  string
	Secret      string
	Timeout     uint64
	Amount      *big.Int
}

// Sender identifies who signs a call. PrivateKey is only used by gateways
// that sign locally.
type Sender struct {
	Address    string
	PrivateKey string
}

// TxHandle references a submitted transaction.
type TxHandle struct {
	Ledger string
	Hash   string
	Method Method
	TxnID  string
}

// Receipt is the definitive result of a mined transaction.
type Receipt struct {
	Handle   TxHandle
	Success  bool
	Height   uint64
	Reason   string
	Observed time.Time
}

// Err returns a *RevertedError when the transaction reverted.
func (r Receipt) Err() error {
	if r.Success {
		return nil
	}
	return &RevertedError{Ledger: r.Handle.Ledger, Method: r.Handle.Method, Hash: r.Handle.Hash, Reason: r.Reason}
}

// EventPayload carries the decoded event fields.
type EventPayload struct {
	Depositor   string
	Beneficiary string
	Amount      *big.Int
	SecretHash  string
	Secret      string
	Timeout     uint64
}

// Event is a mined contract event.
type Event struct {
	Name    string
	TxnID   string
	Height  uint64
	TxHash  string
	Payload EventPayload
}

// Filter selects events for WatchEvent.
type Filter struct {
	TxnID      string
	FromHeight uint64
}

// WatchResult is either a matched event or a timeout at Deadline.
type WatchResult struct {
	event    *Event
	deadline uint64
}

// Matched wraps ev.
func Matched(ev Event) WatchResult {
	return WatchResult{event: &ev}
}

// TimedOut reports a watch that reached deadline without a match.
func TimedOut(deadline uint64) WatchResult {
	return WatchResult{deadline: deadline}
}

// Matched returns the event when one matched.
func (w WatchResult) Matched() (Event, bool) {
	if w.event == nil {
		return Event{}, false
	}
	return *w.event, true
}

// TimedOut reports whether the watch hit its deadline.
func (w WatchResult) TimedOut() bool { return w.event == nil }

// Deadline is the block height at which a timed out watch gave up.
func (w WatchResult) Deadline() uint64 { return w.deadline }

// SwapStatus is the contract-side state of one txn_id.
type SwapStatus uint8

// Contract states.
const (
	SwapNone SwapStatus = iota
	SwapLocked
	SwapReleased
	SwapRefunded
)

func (s SwapStatus) String() string {
	switch s {
	case SwapNone:
		return "none"
	case SwapLocked:
		return "locked"
	case SwapReleased:
		return "released"
	case SwapRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// SwapState is the read-only contract view of a txn_id.
type SwapState struct {
	Exists        bool
	Status        SwapStatus
	Depositor     string
	Beneficiary   string
	Amount        *big.Int
	SecretHash    string
	Secret        string
	Timeout       uint64
	DepositHeight uint64
}

// Gateway is the only component that talks to a ledger.
type Gateway interface {
	// Name identifies the ledger in logs and handles.
	Name() string
	// Submit sends call as sender. It fails with *SubmissionError before a
	// transaction exists.
	Submit(ctx context.Context, call Call, sender Sender) (TxHandle, error)
	// AwaitConfirmation polls for the receipt of h every pollInterval until
	// ctx ends. It fails with *ConfirmationError once the ledger has been
	// unreachable longer than the gateway's liveness bound.
	AwaitConfirmation(ctx context.Context, h TxHandle, pollInterval time.Duration) (Receipt, error)
	// WatchEvent waits for the first event called name for filter.TxnID at
	// or after filter.FromHeight, giving up at FromHeight+timeoutBlocks.
	WatchEvent(ctx context.Context, name string, filter Filter, timeoutBlocks uint64) (WatchResult, error)
	// Height returns the latest mined block.
	Height(ctx context.Context) (uint64, error)
	// Lookup reads the contract state for txnID.
	Lookup(ctx context.Context, txnID string) (SwapState, error)
}

// Translate converts a block count on a ledger producing one block every
// fromInterval into the equivalent count on a ledger producing one every
// toInterval. The result is rounded up and never below one.
func Translate(blocks uint64, fromInterval, toInterval time.Duration) uint64 {
	if blocks == 0 {
		return 1
	}
	if fromInterval <= 0 || toInterval <= 0 || fromInterval == toInterval {
		return blocks
	}
	span := new(big.Int).Mul(new(big.Int).SetUint64(blocks), big.NewInt(int64(fromInterval)))
	to := big.NewInt(int64(toInterval))
	out, rem := new(big.Int).QuoRem(span, to, new(big.Int))
	if rem.Sign() > 0 {
		out.Add(out, big.NewInt(1))
	}
	if !out.IsUint64() {
		return ^uint64(0)
	}
	if n := out.Uint64(); n > 0 {
		return n
	}
	return 1
}

// Package record persists SwapRecords, one object per txn_id in a namespace
// per role. Records are never deleted and every status change is appended to
// the record's history.
package record

import (
	"math/big"
	"time"
)

// Role names the agent that owns a record. It doubles as the storage
// namespace.
type Role string

// Roles.
const (
	RoleCustodian Role = "custodian"
	RoleUser      Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustodian || r == RoleUser
}

// Status is a step in a role's state machine.
type Status string

// Custodian statuses.
const (
	StatusReceived      Status = "RECEIVED"
	StatusDestDeposited Status = "DEST_DEPOSITED"
	StatusSourceSeen    Status = "SOURCE_SEEN"
	StatusNoUserTimeout Status = "NO_USER_TIMEOUT"
	StatusAcked         Status = "ACKED"
)

// User statuses.
const (
	StatusRequested          Status = "REQUESTED"
	StatusWaitDestDeposit    Status = "WAIT_DEST_DEPOSIT"
	StatusAbortedNoCustodian Status = "ABORTED_NO_CUSTODIAN"
	StatusSourceDeposited    Status = "SOURCE_DEPOSITED"
	StatusWaitSecretReveal   Status = "WAIT_SECRET_REVEAL"
	StatusClaimed            Status = "CLAIMED"
	StatusChallenged         Status = "CHALLENGED"
)

// Shared terminal statuses.
const (
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
)

// Outcome distinguishes how a terminal swap ended.
type Outcome string

// Outcomes.
const (
	OutcomeClaimed  Outcome = "claimed"
	OutcomeRefunded Outcome = "refunded"
	OutcomeFailed   Outcome = "failed"
	OutcomeAborted  Outcome = "aborted"
)

// HistoryEntry is one status change.
type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// Record is the durable state of one swap as seen by one role.
type Record struct {
	TxnID             string   `json:"txn_id"`
	Role              Role     `json:"role"`
	SourceAmount      *big.Int `json:"source_amount"`
	DestinationAmount *big.Int `json:"destination_amount"`
	UserAddress       string   `json:"user_address"`
	CustodianAddress  string   `json:"custodian_address,omitempty"`
	// TimeoutInterval is measured in source ledger blocks.
	TimeoutInterval uint64  `json:"timeout_interval"`
	SecretHash      string  `json:"secret_hash"`
	Secret          string  `json:"secret,omitempty"`
	Status          Status  `json:"status"`
	Outcome         Outcome `json:"outcome,omitempty"`
	// Reason carries the note for the latest transition. It is copied into
	// the history entry when the status changes.
	Reason    string `json:"reason,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Parked    bool   `json:"parked,omitempty"`

	SourceDepositHeight uint64 `json:"source_deposit_height,omitempty"`
	DestDepositHeight   uint64 `json:"dest_deposit_height,omitempty"`
	SourceWatchFrom     uint64 `json:"source_watch_from,omitempty"`
	DestWatchFrom       uint64 `json:"dest_watch_from,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	History   []HistoryEntry `json:"history"`
}

// Terminal reports whether the swap reached a final outcome.
func (r *Record) Terminal() bool {
	return r.Status == StatusComplete || r.Status == StatusFailed || r.Status == StatusAbortedNoCustodian
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.SourceAmount != nil {
		out.SourceAmount = new(big.Int).Set(r.SourceAmount)
	}
	if r.DestinationAmount != nil {
		out.DestinationAmount = new(big.Int).Set(r.DestinationAmount)
	}
	out.History = append([]HistoryEntry(nil), r.History...)
	return &out
}

// Redacted returns a copy without the secret, for records that leave the
// process before the swap is complete.
func (r *Record) Redacted() *Record {
	out := r.Clone()
	if out != nil {
		out.Secret = ""
	}
	return out
}

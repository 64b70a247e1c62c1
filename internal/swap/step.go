package swap

import (
	"context"

	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/record"
)

type stepKind int

const (
	stepAdvance stepKind = iota
	stepSubmit
	stepWatch
)

func (k stepKind) String() string {
	switch k {
	case stepSubmit:
		return "submit"
	case stepWatch:
		return "watch"
	default:
		return "advance"
	}
}

type legID int

const (
	legSource legID = iota
	legDestination
)

func (l legID) String() string {
	if l == legDestination {
		return "destination"
	}
	return "source"
}

// Mutation moves a record to its next status. It runs inside a record
// transition and may set any field besides the identity.
type Mutation func(*record.Record)

// Step is what the engine does for a record sitting in one status.
//
// Submit steps probe the contract state first and skip the call when probe
// reports it already happened. guard runs next and may divert the record
// instead of submitting when the call is no longer safe. A revert with no
// matching reverted mapping parks the swap. Watch steps treat a payload that fails validation like a
// timeout.
type Step struct {
	kind stepKind
	leg  legID

	// submit
	call      func(e *Engine, rec *record.Record) ledger.Call
	notBefore func(e *Engine, rec *record.Record) uint64
	probe     func(e *Engine, rec *record.Record, state ledger.SwapState) Mutation
	guard     func(ctx context.Context, e *Engine, rec *record.Record, state ledger.SwapState) (Mutation, error)
	confirmed func(e *Engine, rec *record.Record, receipt ledger.Receipt) Mutation
	reverted  func(e *Engine, rec *record.Record, receipt ledger.Receipt, state ledger.SwapState) Mutation

	// watch
	event    string
	from     func(rec *record.Record) uint64
	window   func(e *Engine, rec *record.Record) uint64
	validate func(e *Engine, rec *record.Record, ev ledger.Event) error
	matched  func(rec *record.Record, ev ledger.Event) Mutation
	timedOut func(reason string) Mutation

	// advance
	next Mutation
}

// Role is a state machine: the step to run for every non-terminal status.
type Role struct {
	Name    record.Role
	Initial record.Status
	Steps   map[record.Status]Step
}

// safetyBlocks is the headroom kept before a lock expires: one block for
// inclusion plus one spare.
const safetyBlocks = 2

// sourceExpiry is the first source height at which a lock can no longer be
// released.
func sourceExpiry(s ledger.SwapState) uint64 { return s.DepositHeight + s.Timeout }

// destinationExpiry is the first destination height at which the custodian's
// lock can no longer be claimed. Destination locks stay claimable for twice
// their timeout.
func destinationExpiry(s ledger.SwapState) uint64 { return s.DepositHeight + 2*s.Timeout }

func to(status record.Status, note string) Mutation {
	return func(r *record.Record) {
		r.Status = status
		r.Reason = note
	}
}

func finish(outcome record.Outcome, note string) Mutation {
	return func(r *record.Record) {
		r.Status = record.StatusComplete
		r.Outcome = outcome
		r.Reason = note
	}
}

func fail(note string) Mutation {
	return func(r *record.Record) {
		r.Status = record.StatusFailed
		r.Outcome = record.OutcomeFailed
		r.Reason = note
	}
}

// ownDeposit reports whether state is a deposit by depositor under hash.
func ownDeposit(state ledger.SwapState, depositor, hash string) bool {
	return state.Exists &&
		ledger.SameAddress(state.Depositor, depositor) &&
		ledger.NormalizeHex(state.SecretHash) == ledger.NormalizeHex(hash)
}

package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/svcfields"
)

// User requests swaps from a custodian and runs the user side of each swap.
type User struct {
	cfg     Config
	engine  *Engine
	channel Channel
}

// NewUser validates cfg and returns a user that sends requests over channel.
func NewUser(cfg Config, channel Channel) (*User, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, fmt.Errorf("swap: request channel required")
	}
	if !ValidAddress(cfg.Source.Sender.Address) || !ValidAddress(cfg.Destination.Sender.Address) {
		return nil, fmt.Errorf("swap: user source and destination addresses required")
	}
	return &User{cfg: cfg, engine: newEngine(cfg, UserRole()), channel: channel}, nil
}

// Engine exposes the user's run engine.
func (u *User) Engine() *Engine { return u.engine }

// Start sends req to the custodian and persists the REQUESTED record. An
// empty UserAddress defaults to the user's destination address. A rejected
// request returns *RequestChannelError and leaves no record behind.
func (u *User) Start(ctx context.Context, req Request) (*record.Record, error) {
	destAmount, err := ConvertAmount(req.SourceAmount, u.cfg.Rate)
	if err != nil {
		return nil, err
	}
	if req.UserAddress == "" {
		req.UserAddress = u.cfg.Destination.Sender.Address
	}
	if !ValidAddress(req.UserAddress) {
		return nil, invalidf("user_address %q is not a 20 byte hex address", req.UserAddress)
	}
	req = Request{SourceAmount: new(big.Int).Set(req.SourceAmount), UserAddress: ledger.NormalizeHex(req.UserAddress)}
	// Read the destination height before asking so the custodian deposit
	// cannot land below the watch window.
	destHeight, err := u.cfg.Destination.Gateway.Height(ctx)
	if err != nil {
		return nil, fmt.Errorf("swap: destination height: %w", err)
	}
	accepted, err := u.channel.Accept(ctx, req)
	if err != nil {
		var rce *RequestChannelError
		if errors.As(err, &rce) {
			return nil, err
		}
		return nil, &RequestChannelError{Reason: "init_swap failed", Err: err}
	}
	if err := u.checkAccepted(accepted, destAmount); err != nil {
		return nil, &RequestChannelError{Reason: "unusable response", Err: err}
	}
	rec := &record.Record{
		TxnID:             accepted.TxnID,
		Role:              record.RoleUser,
		SourceAmount:      req.SourceAmount,
		DestinationAmount: destAmount,
		UserAddress:       req.UserAddress,
		TimeoutInterval:   u.cfg.TimeoutBlocks,
		SecretHash:        ledger.NormalizeHex(accepted.SecretHash),
		Status:            record.StatusRequested,
		Reason:            "request accepted by custodian",
		DestWatchFrom:     destHeight,
	}
	if err := u.cfg.Store.Create(ctx, rec); err != nil {
		if errors.Is(err, record.ErrDuplicate) {
			return nil, &RequestChannelError{Reason: "duplicate txn_id " + rec.TxnID, Err: err}
		}
		return nil, err
	}
	u.engine.metrics.recordTransition(ctx, rec)
	u.engine.logger.Info("swap.requested", svcfields.TxnKey, rec.TxnID, "source_amount", rec.SourceAmount, "destination_amount", rec.DestinationAmount)
	return rec, nil
}

func (u *User) checkAccepted(a Accepted, destAmount *big.Int) error {
	if a.TxnID == "" {
		return fmt.Errorf("missing txn_id")
	}
	if _, err := ledger.DecodeBytes32(a.SecretHash); err != nil {
		return fmt.Errorf("secret hash: %w", err)
	}
	if a.TimeoutInterval != 0 && a.TimeoutInterval != u.cfg.TimeoutBlocks {
		return fmt.Errorf("custodian timeout %d blocks, want %d", a.TimeoutInterval, u.cfg.TimeoutBlocks)
	}
	if a.DestinationAmount != nil && a.DestinationAmount.Cmp(destAmount) != 0 {
		return fmt.Errorf("custodian destination amount %s, want %s", a.DestinationAmount, destAmount)
	}
	return nil
}

// Run drives txnID until it is terminal, parked, or ctx ends.
func (u *User) Run(ctx context.Context, txnID string) error {
	return u.engine.Run(ctx, txnID)
}

// Swap starts a swap and runs it to its final record.
func (u *User) Swap(ctx context.Context, req Request) (*record.Record, error) {
	rec, err := u.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	runErr := u.Run(ctx, rec.TxnID)
	final, err := u.cfg.Store.Get(context.WithoutCancel(ctx), record.RoleUser, rec.TxnID)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	return final, runErr
}

// Recover resumes the user's unfinished swaps in the background.
func (u *User) Recover(ctx context.Context) (int, error) {
	return u.engine.Recover(ctx)
}

// Wait blocks until every background run returned.
func (u *User) Wait() { u.engine.Wait() }

// UserRole is the user state machine.
func UserRole() *Role {
	return &Role{
		Name:    record.RoleUser,
		Initial: record.StatusRequested,
		Steps: map[record.Status]Step{
			record.StatusRequested: {
				kind: stepAdvance,
				next: to(record.StatusWaitDestDeposit, "waiting for custodian deposit"),
			},
			record.StatusWaitDestDeposit: {
				kind:  stepWatch,
				leg:   legDestination,
				event: ledger.EventCustodianDeposited,
				from:  func(rec *record.Record) uint64 { return rec.DestWatchFrom },
				window: func(e *Engine, _ *record.Record) uint64 {
					return e.cfg.DestinationTimeout()
				},
				validate: validateCustodianDeposit,
				matched: func(_ *record.Record, ev ledger.Event) Mutation {
					return func(r *record.Record) {
						r.DestDepositHeight = ev.Height
						to(record.StatusSourceDeposited, "custodian deposit seen in "+ev.TxHash)(r)
					}
				},
				timedOut: abortNoCustodian,
			},
			record.StatusSourceDeposited: {
				kind: stepSubmit,
				leg:  legSource,
				call: func(_ *Engine, rec *record.Record) ledger.Call {
					return ledger.Call{
						Method:      ledger.MethodDeposit,
						TxnID:       rec.TxnID,
						Beneficiary: rec.CustodianAddress,
						SecretHash:  rec.SecretHash,
						Timeout:     rec.TimeoutInterval,
						Amount:      rec.SourceAmount,
					}
				},
				probe: func(e *Engine, rec *record.Record, s ledger.SwapState) Mutation {
					if ownDeposit(s, e.cfg.Source.Sender.Address, rec.SecretHash) {
						return waitReveal(s.DepositHeight, "source deposit already on ledger")
					}
					return nil
				},
				guard: guardDeposit,
				confirmed: func(_ *Engine, _ *record.Record, r ledger.Receipt) Mutation {
					return waitReveal(r.Height, "source deposit confirmed")
				},
				reverted: func(e *Engine, rec *record.Record, r ledger.Receipt, s ledger.SwapState) Mutation {
					if ownDeposit(s, e.cfg.Source.Sender.Address, rec.SecretHash) {
						return waitReveal(s.DepositHeight, "source deposit already on ledger")
					}
					return fail("source deposit reverted: " + r.Reason)
				},
			},
			record.StatusWaitSecretReveal: {
				kind:  stepWatch,
				leg:   legSource,
				event: ledger.EventAcknowledged,
				from:  func(rec *record.Record) uint64 { return rec.SourceDepositHeight },
				window: func(_ *Engine, rec *record.Record) uint64 {
					return rec.TimeoutInterval
				},
				validate: func(_ *Engine, rec *record.Record, ev ledger.Event) error {
					if !ledger.SecretMatches(ev.Payload.Secret, rec.SecretHash) {
						return fmt.Errorf("revealed secret does not match the hash")
					}
					return nil
				},
				matched: func(_ *record.Record, ev ledger.Event) Mutation {
					return claimWith(ev.Payload.Secret, "secret revealed in "+ev.TxHash)
				},
				timedOut: func(reason string) Mutation {
					return to(record.StatusChallenged, reason)
				},
			},
			record.StatusClaimed: {
				kind: stepSubmit,
				leg:  legDestination,
				call: func(_ *Engine, rec *record.Record) ledger.Call {
					return ledger.Call{Method: ledger.MethodIssue, TxnID: rec.TxnID, Secret: rec.Secret}
				},
				probe: func(_ *Engine, _ *record.Record, s ledger.SwapState) Mutation {
					if s.Status == ledger.SwapReleased {
						return finish(record.OutcomeClaimed, "destination already claimed")
					}
					return nil
				},
				confirmed: func(*Engine, *record.Record, ledger.Receipt) Mutation {
					return finish(record.OutcomeClaimed, "destination funds claimed")
				},
				reverted: func(_ *Engine, _ *record.Record, r ledger.Receipt, s ledger.SwapState) Mutation {
					switch s.Status {
					case ledger.SwapReleased:
						return finish(record.OutcomeClaimed, "destination already claimed")
					case ledger.SwapRefunded:
						return fail("destination refunded before claim: " + r.Reason)
					}
					return nil
				},
			},
			record.StatusChallenged: {
				kind: stepSubmit,
				leg:  legSource,
				notBefore: func(_ *Engine, rec *record.Record) uint64 {
					return rec.SourceDepositHeight + rec.TimeoutInterval
				},
				call: func(_ *Engine, rec *record.Record) ledger.Call {
					return ledger.Call{Method: ledger.MethodNoCustodianActionChallenge, TxnID: rec.TxnID}
				},
				probe: settledSource,
				confirmed: func(*Engine, *record.Record, ledger.Receipt) Mutation {
					return finish(record.OutcomeRefunded, "source deposit reclaimed")
				},
				reverted: func(e *Engine, rec *record.Record, _ ledger.Receipt, s ledger.SwapState) Mutation {
					return settledSource(e, rec, s)
				},
			},
		},
	}
}

// guardDeposit aborts before the source deposit unless the custodian's
// destination lock is still in place and stays claimable for a full source
// timeout after now. Without it the custodian could take the source funds
// after reclaiming its own deposit.
func guardDeposit(ctx context.Context, e *Engine, rec *record.Record, _ ledger.SwapState) (Mutation, error) {
	dst, err := e.lookup(ctx, rec, legDestination)
	if err != nil {
		return nil, err
	}
	if dst.Status != ledger.SwapLocked {
		return abortNoCustodian(fmt.Sprintf("destination lock %s, source deposit withheld", dst.Status)), nil
	}
	if !ledger.SameAddress(dst.Beneficiary, rec.UserAddress) ||
		ledger.NormalizeHex(dst.SecretHash) != ledger.NormalizeHex(rec.SecretHash) ||
		dst.Amount == nil || dst.Amount.Cmp(rec.DestinationAmount) != 0 {
		return abortNoCustodian("destination lock does not match the swap, source deposit withheld"), nil
	}
	height, err := e.height(ctx, rec, legDestination)
	if err != nil {
		return nil, err
	}
	if expiry := destinationExpiry(dst); height+e.cfg.DestinationTimeout()+safetyBlocks >= expiry {
		return abortNoCustodian(fmt.Sprintf("destination lock expires at %d (height %d), source deposit withheld", expiry, height)), nil
	}
	return nil, nil
}

func abortNoCustodian(reason string) Mutation {
	return func(r *record.Record) {
		r.Status = record.StatusAbortedNoCustodian
		r.Outcome = record.OutcomeAborted
		r.Reason = reason
	}
}

func waitReveal(height uint64, note string) Mutation {
	return func(r *record.Record) {
		r.SourceDepositHeight = height
		to(record.StatusWaitSecretReveal, note)(r)
	}
}

func claimWith(secret, note string) Mutation {
	return func(r *record.Record) {
		r.Secret = ledger.NormalizeHex(secret)
		to(record.StatusClaimed, note)(r)
	}
}

// settledSource maps a source lock that is no longer locked to the user's
// next status. A late acknowledge still lets the user claim.
func settledSource(_ *Engine, _ *record.Record, s ledger.SwapState) Mutation {
	switch s.Status {
	case ledger.SwapRefunded:
		return finish(record.OutcomeRefunded, "source deposit reclaimed")
	case ledger.SwapReleased:
		if s.Secret != "" {
			return claimWith(s.Secret, "secret found on source ledger")
		}
	}
	return nil
}

func validateCustodianDeposit(e *Engine, rec *record.Record, ev ledger.Event) error {
	p := ev.Payload
	switch {
	case !ledger.SameAddress(p.Beneficiary, rec.UserAddress):
		return fmt.Errorf("beneficiary %s is not the user", p.Beneficiary)
	case ledger.NormalizeHex(p.SecretHash) != ledger.NormalizeHex(rec.SecretHash):
		return fmt.Errorf("secret hash %s does not match", p.SecretHash)
	case p.Amount == nil || p.Amount.Cmp(rec.DestinationAmount) != 0:
		return fmt.Errorf("amount %v, want %s", p.Amount, rec.DestinationAmount)
	case p.Timeout != e.cfg.DestinationTimeout():
		return fmt.Errorf("timeout %d, want %d", p.Timeout, e.cfg.DestinationTimeout())
	}
	return nil
}

package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/svcfields"
	"pkt.systems/stride/internal/uuidv7"
)

// Request is a user's ask to swap SourceAmount for destination funds paid to
// UserAddress.
type Request struct {
	SourceAmount *big.Int
	UserAddress  string
}

// Accepted is the custodian's answer to a Request.
type Accepted struct {
	TxnID             string
	SecretHash        string
	DestinationAmount *big.Int
	TimeoutInterval   uint64
}

// Channel carries requests from a user to a custodian.
type Channel interface {
	Accept(ctx context.Context, req Request) (Accepted, error)
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, req Request) (Accepted, error)

// Accept calls f.
func (f ChannelFunc) Accept(ctx context.Context, req Request) (Accepted, error) {
	return f(ctx, req)
}

// Custodian accepts swap requests and runs the custodian side of each swap.
type Custodian struct {
	cfg    Config
	engine *Engine
	newID  func() string

	mu     sync.Mutex
	runCtx context.Context
}

// CustodianOption customises a Custodian.
type CustodianOption func(*Custodian)

// WithIDGenerator replaces the uuidv7 txn_id generator.
func WithIDGenerator(fn func() string) CustodianOption {
	return func(c *Custodian) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// NewCustodian validates cfg and returns an idle custodian.
func NewCustodian(cfg Config, opts ...CustodianOption) (*Custodian, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if !ValidAddress(cfg.Source.Sender.Address) || !ValidAddress(cfg.Destination.Sender.Address) {
		return nil, fmt.Errorf("swap: custodian source and destination addresses required")
	}
	c := &Custodian{
		cfg:    cfg,
		engine: newEngine(cfg, CustodianRole()),
		newID:  uuidv7.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Engine exposes the custodian's run engine.
func (c *Custodian) Engine() *Engine { return c.engine }

// Store returns the record store.
func (c *Custodian) Store() *record.Store { return c.cfg.Store }

// Start binds runs to ctx, resumes unfinished swaps and, when a recover
// interval is configured, rescans for parked swaps until ctx ends.
func (c *Custodian) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	n, err := c.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.engine.logger.Info("swap.recover", "resumed", n)
	}
	if c.cfg.RecoverInterval > 0 {
		c.engine.wg.Add(1)
		go func() {
			defer c.engine.wg.Done()
			c.recoverLoop(ctx)
		}()
	}
	return nil
}

func (c *Custodian) recoverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(c.cfg.RecoverInterval):
		}
		if _, err := c.engine.Recover(ctx); err != nil && ctx.Err() == nil {
			c.engine.logger.Warn("swap.recover.error", "error", err)
		}
	}
}

// Wait blocks until every run and the recovery loop returned. Cancel the
// context passed to Start first.
func (c *Custodian) Wait() { c.engine.Wait() }

// Accept validates req, persists a RECEIVED record and starts its run.
func (c *Custodian) Accept(ctx context.Context, req Request) (Accepted, error) {
	c.mu.Lock()
	runCtx := c.runCtx
	c.mu.Unlock()
	if runCtx == nil {
		return Accepted{}, ErrNotStarted
	}
	if !ValidAddress(req.UserAddress) {
		return Accepted{}, invalidf("user_address %q is not a 20 byte hex address", req.UserAddress)
	}
	destAmount, err := ConvertAmount(req.SourceAmount, c.cfg.Rate)
	if err != nil {
		return Accepted{}, err
	}
	secret, hash, err := ledger.NewSecret()
	if err != nil {
		return Accepted{}, err
	}
	height, err := c.cfg.Source.Gateway.Height(ctx)
	if err != nil {
		return Accepted{}, &RequestChannelError{Reason: "source ledger unavailable", Err: err}
	}
	rec := &record.Record{
		TxnID:             c.newID(),
		Role:              record.RoleCustodian,
		SourceAmount:      new(big.Int).Set(req.SourceAmount),
		DestinationAmount: destAmount,
		UserAddress:       ledger.NormalizeHex(req.UserAddress),
		CustodianAddress:  ledger.NormalizeHex(c.cfg.Source.Sender.Address),
		TimeoutInterval:   c.cfg.TimeoutBlocks,
		SecretHash:        hash,
		Secret:            secret,
		Status:            record.StatusReceived,
		Reason:            "request accepted",
		SourceWatchFrom:   height,
	}
	if err := c.cfg.Store.Create(ctx, rec); err != nil {
		if errors.Is(err, record.ErrDuplicate) {
			return Accepted{}, &RequestChannelError{Reason: "duplicate txn_id " + rec.TxnID, Err: err}
		}
		return Accepted{}, &RequestChannelError{Reason: "record not persisted", Err: err}
	}
	c.engine.metrics.recordTransition(ctx, rec)
	c.engine.logger.Info("swap.accept",
		svcfields.TxnKey, rec.TxnID,
		"user", rec.UserAddress,
		"source_amount", rec.SourceAmount,
		"destination_amount", rec.DestinationAmount,
		"timeout_blocks", rec.TimeoutInterval,
	)
	c.engine.Spawn(runCtx, rec.TxnID)
	return Accepted{
		TxnID:             rec.TxnID,
		SecretHash:        hash,
		DestinationAmount: new(big.Int).Set(destAmount),
		TimeoutInterval:   rec.TimeoutInterval,
	}, nil
}

// Get returns the custodian's record for txnID without its secret.
func (c *Custodian) Get(ctx context.Context, txnID string) (*record.Record, error) {
	rec, err := c.cfg.Store.Get(ctx, record.RoleCustodian, txnID)
	if err != nil {
		return nil, err
	}
	return rec.Redacted(), nil
}

// List returns custodian records without their secrets.
func (c *Custodian) List(ctx context.Context, filter record.Filter) ([]*record.Record, error) {
	recs, err := c.cfg.Store.List(ctx, record.RoleCustodian, filter)
	if err != nil {
		return nil, err
	}
	for i, rec := range recs {
		recs[i] = rec.Redacted()
	}
	return recs, nil
}

// CustodianRole is the custodian state machine.
func CustodianRole() *Role {
	return &Role{
		Name:    record.RoleCustodian,
		Initial: record.StatusReceived,
		Steps: map[record.Status]Step{
			record.StatusReceived: {
				kind: stepSubmit,
				leg:  legDestination,
				call: func(e *Engine, rec *record.Record) ledger.Call {
					return ledger.Call{
						Method:      ledger.MethodDeposit,
						TxnID:       rec.TxnID,
						Beneficiary: rec.UserAddress,
						SecretHash:  rec.SecretHash,
						Timeout:     e.cfg.DestinationTimeout(),
						Amount:      rec.DestinationAmount,
					}
				},
				probe: func(e *Engine, rec *record.Record, s ledger.SwapState) Mutation {
					if ownDeposit(s, e.cfg.Destination.Sender.Address, rec.SecretHash) {
						return destDeposited(s.DepositHeight, "destination deposit already on ledger")
					}
					return nil
				},
				confirmed: func(_ *Engine, _ *record.Record, r ledger.Receipt) Mutation {
					return destDeposited(r.Height, "destination deposit confirmed")
				},
				reverted: func(e *Engine, rec *record.Record, r ledger.Receipt, s ledger.SwapState) Mutation {
					if ownDeposit(s, e.cfg.Destination.Sender.Address, rec.SecretHash) {
						return destDeposited(s.DepositHeight, "destination deposit already on ledger")
					}
					return fail("destination deposit reverted: " + r.Reason)
				},
			},
			record.StatusDestDeposited: {
				kind:  stepWatch,
				leg:   legSource,
				event: ledger.EventUserDeposited,
				from:  func(rec *record.Record) uint64 { return rec.SourceWatchFrom },
				window: func(_ *Engine, rec *record.Record) uint64 {
					return rec.TimeoutInterval
				},
				validate: validateUserDeposit,
				matched: func(_ *record.Record, ev ledger.Event) Mutation {
					return func(r *record.Record) {
						r.SourceDepositHeight = ev.Height
						to(record.StatusSourceSeen, "user deposit seen in "+ev.TxHash)(r)
					}
				},
				timedOut: func(reason string) Mutation {
					return to(record.StatusNoUserTimeout, reason)
				},
			},
			record.StatusSourceSeen: {
				kind: stepSubmit,
				leg:  legSource,
				call: func(_ *Engine, rec *record.Record) ledger.Call {
					return ledger.Call{Method: ledger.MethodAcknowledge, TxnID: rec.TxnID, Secret: rec.Secret}
				},
				probe: func(_ *Engine, _ *record.Record, s ledger.SwapState) Mutation {
					if s.Status == ledger.SwapReleased {
						return to(record.StatusAcked, "acknowledge already on ledger")
					}
					return nil
				},
				guard: guardReveal,
				confirmed: func(_ *Engine, _ *record.Record, _ ledger.Receipt) Mutation {
					return to(record.StatusAcked, "secret revealed on source")
				},
				reverted: func(_ *Engine, _ *record.Record, r ledger.Receipt, s ledger.SwapState) Mutation {
					switch s.Status {
					case ledger.SwapReleased:
						return to(record.StatusAcked, "acknowledge already on ledger")
					case ledger.SwapLocked:
						// Park; the next pass re-runs guardReveal.
						return nil
					}
					return to(record.StatusNoUserTimeout, fmt.Sprintf("acknowledge reverted: %s (source %s)", r.Reason, s.Status))
				},
			},
			record.StatusAcked: {
				kind: stepAdvance,
				next: finish(record.OutcomeClaimed, "source funds released to custodian"),
			},
			record.StatusNoUserTimeout: {
				kind: stepSubmit,
				leg:  legDestination,
				notBefore: func(e *Engine, rec *record.Record) uint64 {
					return rec.DestDepositHeight + 2*e.cfg.DestinationTimeout()
				},
				call: func(_ *Engine, rec *record.Record) ledger.Call {
					return ledger.Call{Method: ledger.MethodNoUserActionChallenge, TxnID: rec.TxnID}
				},
				probe:     settledDestination,
				confirmed: func(*Engine, *record.Record, ledger.Receipt) Mutation { return finish(record.OutcomeRefunded, "destination deposit reclaimed") },
				reverted: func(e *Engine, rec *record.Record, _ ledger.Receipt, s ledger.SwapState) Mutation {
					return settledDestination(e, rec, s)
				},
			},
		},
	}
}

// guardReveal withholds the secret unless the user's source lock is still
// releasable with headroom. An acknowledge that cannot succeed would publish
// the secret while the destination lock is still claimable.
func guardReveal(ctx context.Context, e *Engine, rec *record.Record, s ledger.SwapState) (Mutation, error) {
	if s.Status != ledger.SwapLocked {
		return to(record.StatusNoUserTimeout, fmt.Sprintf("source lock %s, secret withheld", s.Status)), nil
	}
	height, err := e.height(ctx, rec, legSource)
	if err != nil {
		return nil, err
	}
	if expiry := sourceExpiry(s); height+safetyBlocks >= expiry {
		return to(record.StatusNoUserTimeout, fmt.Sprintf("source lock expires at %d (height %d), secret withheld", expiry, height)), nil
	}
	return nil, nil
}

func destDeposited(height uint64, note string) Mutation {
	return func(r *record.Record) {
		r.DestDepositHeight = height
		to(record.StatusDestDeposited, note)(r)
	}
}

func settledDestination(_ *Engine, _ *record.Record, s ledger.SwapState) Mutation {
	switch s.Status {
	case ledger.SwapRefunded:
		return finish(record.OutcomeRefunded, "destination deposit reclaimed")
	case ledger.SwapReleased:
		return finish(record.OutcomeClaimed, "destination deposit claimed by user")
	}
	return nil
}

func validateUserDeposit(e *Engine, rec *record.Record, ev ledger.Event) error {
	p := ev.Payload
	switch {
	case p.Amount == nil || p.Amount.Cmp(rec.SourceAmount) != 0:
		return fmt.Errorf("amount %v, want %s", p.Amount, rec.SourceAmount)
	case ledger.NormalizeHex(p.SecretHash) != ledger.NormalizeHex(rec.SecretHash):
		return fmt.Errorf("secret hash %s does not match", p.SecretHash)
	case !ledger.SameAddress(p.Beneficiary, e.cfg.Source.Sender.Address):
		return fmt.Errorf("beneficiary %s is not the custodian", p.Beneficiary)
	case p.Timeout != rec.TimeoutInterval:
		return fmt.Errorf("timeout %d, want %d", p.Timeout, rec.TimeoutInterval)
	}
	return nil
}


package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/svcfields"
)

// Engine drives records of one role through the role's steps. Every
// transition is persisted before the next ledger submission, so a restarted
// engine resumes from the last durable status.
type Engine struct {
	cfg     Config
	role    *Role
	store   *record.Store
	clock   clock.Clock
	logger  pslog.Logger
	metrics *swapMetrics

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func newEngine(cfg Config, role *Role) *Engine {
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Subsystem("swap", string(role.Name)))
	return &Engine{
		cfg:     cfg,
		role:    role,
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  logger,
		metrics: newSwapMetrics(logger),
		running: make(map[string]struct{}),
	}
}

// Role returns the state machine the engine runs.
func (e *Engine) Role() *Role { return e.role }

// Running reports whether txnID has a run in progress.
func (e *Engine) Running(txnID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[txnID]
	return ok
}

// Spawn starts a background run of txnID. It returns false when a run is
// already in progress.
func (e *Engine) Spawn(ctx context.Context, txnID string) bool {
	if !e.claim(txnID) {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(txnID)
		if err := e.run(ctx, txnID); err != nil && !errors.Is(err, ErrParked) && ctx.Err() == nil {
			e.logger.Error("swap.run.error", svcfields.TxnKey, txnID, "error", err)
		}
	}()
	return true
}

// Run drives txnID until it is terminal, parked, or ctx ends.
func (e *Engine) Run(ctx context.Context, txnID string) error {
	if !e.claim(txnID) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, txnID)
	}
	defer e.release(txnID)
	return e.run(ctx, txnID)
}

// Wait blocks until every spawned run returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Recover resumes every non-terminal record of the engine's role that is
// not already running and returns how many runs it started.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recs, err := e.store.List(ctx, e.role.Name, record.Filter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("swap: recover: %w", err)
	}
	started := 0
	for _, rec := range recs {
		if e.Spawn(ctx, rec.TxnID) {
			started++
			e.logger.Info("swap.recover.resume", svcfields.TxnKey, rec.TxnID, "status", rec.Status, "parked", rec.Parked)
		}
	}
	return started, nil
}

func (e *Engine) claim(txnID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[txnID]; ok {
		return false
	}
	e.running[txnID] = struct{}{}
	return true
}

func (e *Engine) release(txnID string) {
	e.mu.Lock()
	delete(e.running, txnID)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, txnID string) error {
	logger := svcfields.WithSwap(e.logger, string(e.role.Name), txnID)
	ctx = pslog.ContextWithLogger(ctx, logger)
	e.metrics.recordStart(ctx, e.role.Name)
	defer e.metrics.recordStop(context.WithoutCancel(ctx), e.role.Name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := e.store.Get(ctx, e.role.Name, txnID)
		if err != nil {
			return err
		}
		if rec.Terminal() {
			logger.Debug("swap.run.done", "status", rec.Status, "outcome", rec.Outcome)
			return nil
		}
		step, ok := e.role.Steps[rec.Status]
		if !ok {
			return fmt.Errorf("swap: %s has no step for status %s", e.role.Name, rec.Status)
		}
		logger.Trace("swap.step", "status", rec.Status, "kind", step.kind, "leg", step.leg)
		next, err := e.execute(ctx, step, rec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return e.park(ctx, rec, err)
		}
		if _, err := e.transition(ctx, rec, next); err != nil {
			return err
		}
	}
}

func (e *Engine) execute(ctx context.Context, step Step, rec *record.Record) (Mutation, error) {
	switch step.kind {
	case stepSubmit:
		return e.submit(ctx, step, rec)
	case stepWatch:
		return e.watch(ctx, step, rec)
	default:
		return step.next, nil
	}
}

func (e *Engine) transition(ctx context.Context, rec *record.Record, next Mutation) (*record.Record, error) {
	from := rec.Status
	updated, err := e.store.Transition(ctx, e.role.Name, rec.TxnID, func(r *record.Record) error {
		if r.Status != from {
			return fmt.Errorf("swap: %s moved from %s to %s underneath the run", r.TxnID, from, r.Status)
		}
		next(r)
		r.Parked = false
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status != from {
		e.metrics.recordTransition(ctx, updated)
		pslog.LoggerFromContext(ctx).Info("swap.transition", "from", from, "to", updated.Status, "outcome", updated.Outcome, "note", updated.Reason)
	}
	return updated, nil
}

func (e *Engine) park(ctx context.Context, rec *record.Record, cause error) error {
	logger := pslog.LoggerFromContext(ctx)
	_, err := e.store.Transition(ctx, e.role.Name, rec.TxnID, func(r *record.Record) error {
		r.Parked = true
		r.LastError = cause.Error()
		return nil
	})
	if err != nil {
		logger.Error("swap.park.error", "status", rec.Status, "cause", cause, "error", err)
	} else {
		logger.Warn("swap.parked", "status", rec.Status, "error", cause)
	}
	e.metrics.recordParked(ctx, e.role.Name)
	return fmt.Errorf("%w at %s: %w", ErrParked, rec.Status, cause)
}

func (e *Engine) leg(id legID) Leg {
	if id == legDestination {
		return e.cfg.Destination
	}
	return e.cfg.Source
}

func (e *Engine) submit(ctx context.Context, step Step, rec *record.Record) (Mutation, error) {
	logger := pslog.LoggerFromContext(ctx)
	leg := e.leg(step.leg)
	if step.notBefore != nil {
		if err := e.waitHeight(ctx, rec, step.leg, step.notBefore(e, rec)); err != nil {
			return nil, err
		}
	}
	state, err := e.lookup(ctx, rec, step.leg)
	if err != nil {
		return nil, err
	}
	if step.probe != nil {
		if next := step.probe(e, rec, state); next != nil {
			logger.Info("swap.submit.skipped", "status", rec.Status, "leg", step.leg, "ledger_status", state.Status)
			return next, nil
		}
	}
	if step.guard != nil {
		next, err := step.guard(ctx, e, rec, state)
		if err != nil {
			return nil, err
		}
		if next != nil {
			logger.Warn("swap.submit.withheld", "status", rec.Status, "leg", step.leg, "ledger_status", state.Status)
			return next, nil
		}
	}
	call := step.call(e, rec)
	var handle ledger.TxHandle
	err = e.retry(ctx, rec, "submit", func(ctx context.Context) error {
		var err error
		handle, err = leg.Gateway.Submit(ctx, call, leg.Sender)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info("swap.submit", "method", call.Method, "leg", step.leg, "tx", handle.Hash)

	var receipt ledger.Receipt
	err = e.retry(ctx, rec, "confirm", func(ctx context.Context) error {
		var err error
		receipt, err = leg.Gateway.AwaitConfirmation(ctx, handle, e.cfg.PollInterval)
		return err
	})
	if err != nil {
		return nil, err
	}
	if receipt.Success {
		logger.Debug("swap.submit.confirmed", "method", call.Method, "tx", handle.Hash, "height", receipt.Height)
		return step.confirmed(e, rec, receipt), nil
	}
	logger.Warn("swap.submit.reverted", "method", call.Method, "tx", handle.Hash, "reason", receipt.Reason)
	after, err := e.lookup(ctx, rec, step.leg)
	if err != nil {
		return nil, err
	}
	if step.reverted != nil {
		if next := step.reverted(e, rec, receipt, after); next != nil {
			return next, nil
		}
	}
	return nil, receipt.Err()
}

func (e *Engine) watch(ctx context.Context, step Step, rec *record.Record) (Mutation, error) {
	logger := pslog.LoggerFromContext(ctx)
	leg := e.leg(step.leg)
	filter := ledger.Filter{TxnID: rec.TxnID, FromHeight: step.from(rec)}
	window := step.window(e, rec)
	logger.Debug("swap.watch", "event", step.event, "leg", step.leg, "from", filter.FromHeight, "blocks", window)

	var result ledger.WatchResult
	err := e.retry(ctx, rec, "watch", func(ctx context.Context) error {
		var err error
		result, err = leg.Gateway.WatchEvent(ctx, step.event, filter, window)
		return err
	})
	if err != nil {
		return nil, err
	}
	ev, ok := result.Matched()
	if !ok {
		return step.timedOut(fmt.Sprintf("no %s by block %d", step.event, result.Deadline())), nil
	}
	if step.validate != nil {
		if err := step.validate(e, rec, ev); err != nil {
			logger.Warn("swap.watch.invalid", "event", step.event, "tx", ev.TxHash, "error", err)
			return step.timedOut(fmt.Sprintf("invalid %s: %v", step.event, err)), nil
		}
	}
	return step.matched(rec, ev), nil
}

func (e *Engine) lookup(ctx context.Context, rec *record.Record, id legID) (ledger.SwapState, error) {
	var state ledger.SwapState
	err := e.retry(ctx, rec, "lookup", func(ctx context.Context) error {
		var err error
		state, err = e.leg(id).Gateway.Lookup(ctx, rec.TxnID)
		return err
	})
	return state, err
}

func (e *Engine) height(ctx context.Context, rec *record.Record, id legID) (uint64, error) {
	var height uint64
	err := e.retry(ctx, rec, "height", func(ctx context.Context) error {
		var err error
		height, err = e.leg(id).Gateway.Height(ctx)
		return err
	})
	return height, err
}

// waitHeight blocks until the leg's ledger reached target.
func (e *Engine) waitHeight(ctx context.Context, rec *record.Record, id legID, target uint64) error {
	logged := false
	for {
		height, err := e.height(ctx, rec, id)
		if err != nil {
			return err
		}
		if height >= target {
			return nil
		}
		if !logged {
			pslog.LoggerFromContext(ctx).Debug("swap.wait_height", "leg", id, "height", height, "target", target)
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}
}

// retry runs fn until it succeeds, ctx ends, or the attempts are used up.
func (e *Engine) retry(ctx context.Context, rec *record.Record, op string, fn func(context.Context) error) error {
	delay := e.cfg.Retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt >= e.cfg.Retry.Attempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}
		pslog.LoggerFromContext(ctx).Warn("swap.ledger.retry",
			"op", op,
			"status", rec.Status,
			"attempt", attempt,
			"delay", delay,
			"retryable", ledger.Retryable(err),
			"error", err,
		)
		e.metrics.recordRetry(ctx, e.role.Name, op)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(delay):
		}
		delay = nextDelay(delay, e.cfg.Retry)
	}
}

func nextDelay(d time.Duration, cfg Retry) time.Duration {
	next := time.Duration(float64(d) * cfg.Multiplier)
	if next > cfg.MaxDelay || next <= 0 {
		return cfg.MaxDelay
	}
	return next
}

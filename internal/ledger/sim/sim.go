// Package sim is an in-process ledger running the source and destination
// hash-lock contracts. Swap engines, the simulate command and tests drive it
// through the same ledger.Gateway the EVM gateway implements.
package sim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/ledger"
)

// Kind selects which contract surface a ledger exposes.
type Kind int

// Contract surfaces.
const (
	Source Kind = iota
	Destination
)

func (k Kind) String() string {
	if k == Destination {
		return "destination"
	}
	return "source"
}

// ErrUnreachable is returned while the ledger is marked unreachable.
var ErrUnreachable = errors.New("sim: ledger unreachable")

// sequence orders events across every simulated ledger in the process.
var sequence atomic.Uint64

// Config configures one simulated ledger.
type Config struct {
	Name string
	Kind Kind
	// Custodian is the fixed beneficiary of source deposits.
	Custodian string
	Balances  map[string]*big.Int
	// AutoMine mines one block per accepted transaction.
	AutoMine bool
	// LivenessBound is how long the ledger may stay unreachable before
	// AwaitConfirmation gives up.
	LivenessBound time.Duration
	Clock         clock.Clock
	Logger        pslog.Logger
}

type pendingTx struct {
	handle ledger.TxHandle
	call   ledger.Call
	sender string
}

type lock struct {
	status      ledger.SwapStatus
	depositor   string
	beneficiary string
	amount      *big.Int
	secretHash  string
	secret      string
	timeout     uint64
	height      uint64
}

// LoggedEvent is an event with its process-wide sequence number.
type LoggedEvent struct {
	Seq   uint64
	Event ledger.Event
}

// Ledger is a simulated chain. It is safe for concurrent use.
type Ledger struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	mu          sync.Mutex
	height      uint64
	nonce       uint64
	pending     []pendingTx
	receipts    map[string]ledger.Receipt
	events      []LoggedEvent
	locks       map[string]*lock
	balances    map[string]*big.Int
	changed     chan struct{}
	submissions map[ledger.Method]int
	failNext    map[ledger.Method]int
	reverts     map[ledger.Method]string
	downSince   time.Time
	unreachable bool
}

// New returns a ledger at height zero.
func New(cfg Config) *Ledger {
	if cfg.Name == "" {
		cfg.Name = cfg.Kind.String()
	}
	if cfg.LivenessBound <= 0 {
		cfg.LivenessBound = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	l := &Ledger{
		cfg:         cfg,
		clock:       clock.Or(cfg.Clock),
		logger:      logger.With("ledger", cfg.Name),
		receipts:    make(map[string]ledger.Receipt),
		locks:       make(map[string]*lock),
		balances:    make(map[string]*big.Int),
		changed:     make(chan struct{}),
		submissions: make(map[ledger.Method]int),
		failNext:    make(map[ledger.Method]int),
		reverts:     make(map[ledger.Method]string),
	}
	for addr, amount := range cfg.Balances {
		l.balances[ledger.NormalizeHex(addr)] = new(big.Int).Set(amount)
	}
	return l
}

// Name implements ledger.Gateway.
func (l *Ledger) Name() string { return l.cfg.Name }

// Kind reports the contract surface.
func (l *Ledger) Kind() Kind { return l.cfg.Kind }

// Submit queues call for the next block.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call, sender ledger.Sender) (ledger.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return ledger.TxHandle{}, err
	}
	fail := func(err error) (ledger.TxHandle, error) {
		l.logger.Debug("sim.submit.error", "method", call.Method, "txn_id", call.TxnID, "error", err)
		return ledger.TxHandle{}, &ledger.SubmissionError{Ledger: l.cfg.Name, Method: call.Method, Err: err}
	}
	if err := l.validate(call, sender); err != nil {
		return fail(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return fail(ErrUnreachable)
	}
	for _, m := range []ledger.Method{call.Method, ""} {
		if l.failNext[m] > 0 {
			l.failNext[m]--
			return fail(fmt.Errorf("injected submission failure"))
		}
	}
	l.submissions[call.Method]++
	l.nonce++
	sum := sha256.New()
	sum.Write([]byte(l.cfg.Name))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], l.nonce)
	sum.Write(n[:])
	handle := ledger.TxHandle{Ledger: l.cfg.Name, Hash: ledger.EncodeHex(sum.Sum(nil)), Method: call.Method, TxnID: call.TxnID}
	l.pending = append(l.pending, pendingTx{handle: handle, call: call, sender: ledger.NormalizeHex(sender.Address)})
	l.logger.Trace("sim.submit", "method", call.Method, "txn_id", call.TxnID, "tx", handle.Hash)
	if l.cfg.AutoMine {
		l.mineLocked(1)
	}
	return handle, nil
}

func (l *Ledger) validate(call ledger.Call, sender ledger.Sender) error {
	if call.TxnID == "" {
		return fmt.Errorf("txn_id required")
	}
	if sender.Address == "" {
		return fmt.Errorf("sender address required")
	}
	switch call.Method {
	case ledger.MethodDeposit:
		if _, err := ledger.DecodeBytes32(call.SecretHash); err != nil {
			return fmt.Errorf("secret_hash: %w", err)
		}
		if l.cfg.Kind == Destination && call.Beneficiary == "" {
			return fmt.Errorf("beneficiary required")
		}
	case ledger.MethodAcknowledge, ledger.MethodIssue:
		if _, err := ledger.DecodeBytes32(call.Secret); err != nil {
			return fmt.Errorf("secret: %w", err)
		}
	}
	allowed := map[Kind][]ledger.Method{
		Source:      {ledger.MethodDeposit, ledger.MethodAcknowledge, ledger.MethodNoCustodianActionChallenge},
		Destination: {ledger.MethodDeposit, ledger.MethodIssue, ledger.MethodNoUserActionChallenge},
	}
	for _, m := range allowed[l.cfg.Kind] {
		if m == call.Method {
			return nil
		}
	}
	return fmt.Errorf("method %q not available on %s ledger", call.Method, l.cfg.Kind)
}

// Mine produces n blocks. Pending transactions land in the first one.
func (l *Ledger) Mine(n int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked(n)
	return l.height
}

// Run mines one block per interval on the ledger clock until ctx ends.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(interval):
			l.Mine(1)
		}
	}
}

func (l *Ledger) mineLocked(n int) {
	for i := 0; i < n; i++ {
		l.height++
		txs := l.pending
		l.pending = nil
		for _, tx := range txs {
			l.apply(tx)
		}
	}
	if n > 0 {
		close(l.changed)
		l.changed = make(chan struct{})
	}
}

func (l *Ledger) apply(tx pendingTx) {
	receipt := ledger.Receipt{Handle: tx.handle, Height: l.height, Observed: l.clock.Now()}
	reason := l.forcedRevert(tx.call.Method)
	if reason == "" {
		reason = l.execute(tx)
	}
	receipt.Success = reason == ""
	receipt.Reason = reason
	l.receipts[tx.handle.Hash] = receipt
	if reason != "" {
		l.logger.Debug("sim.tx.reverted", "method", tx.call.Method, "txn_id", tx.call.TxnID, "reason", reason, "height", l.height)
	}
}

func (l *Ledger) forcedRevert(method ledger.Method) string {
	reason, ok := l.reverts[method]
	if !ok {
		return ""
	}
	delete(l.reverts, method)
	return reason
}

// execute runs the contract method at the current height and returns a revert
// reason, or "" on success.
func (l *Ledger) execute(tx pendingTx) string {
	call := tx.call
	current := l.locks[call.TxnID]
	switch call.Method {
	case ledger.MethodDeposit:
		if current != nil {
			return "duplicate txn_id"
		}
		if call.Amount == nil || call.Amount.Sign() <= 0 {
			return "zero amount"
		}
		if call.Timeout == 0 {
			return "zero timeout"
		}
		balance := l.balanceLocked(tx.sender)
		if balance.Cmp(call.Amount) < 0 {
			return "insufficient balance"
		}
		beneficiary := ledger.NormalizeHex(call.Beneficiary)
		name := ledger.EventCustodianDeposited
		if l.cfg.Kind == Source {
			beneficiary = ledger.NormalizeHex(l.cfg.Custodian)
			name = ledger.EventUserDeposited
		}
		balance.Sub(balance, call.Amount)
		current = &lock{
			status:      ledger.SwapLocked,
			depositor:   tx.sender,
			beneficiary: beneficiary,
			amount:      new(big.Int).Set(call.Amount),
			secretHash:  ledger.NormalizeHex(call.SecretHash),
			timeout:     call.Timeout,
			height:      l.height,
		}
		l.locks[call.TxnID] = current
		l.emit(name, tx, current)
	case ledger.MethodAcknowledge, ledger.MethodIssue:
		if current == nil || current.status != ledger.SwapLocked {
			return "not locked"
		}
		if l.height >= current.height+l.window(current.timeout) {
			return "expired"
		}
		if !ledger.SecretMatches(call.Secret, current.secretHash) {
			return "secret mismatch"
		}
		current.status = ledger.SwapReleased
		current.secret = ledger.NormalizeHex(call.Secret)
		l.balanceLocked(current.beneficiary).Add(l.balanceLocked(current.beneficiary), current.amount)
		name := ledger.EventIssued
		if l.cfg.Kind == Source {
			name = ledger.EventAcknowledged
		}
		l.emit(name, tx, current)
	case ledger.MethodNoCustodianActionChallenge, ledger.MethodNoUserActionChallenge:
		if current == nil || current.status != ledger.SwapLocked {
			return "not locked"
		}
		if l.height < current.height+l.window(current.timeout) {
			return "refund window not open"
		}
		current.status = ledger.SwapRefunded
		l.balanceLocked(current.depositor).Add(l.balanceLocked(current.depositor), current.amount)
		name := ledger.EventCustodianRefunded
		if l.cfg.Kind == Source {
			name = ledger.EventUserRefunded
		}
		l.emit(name, tx, current)
	default:
		return "unknown method"
	}
	return ""
}

// window is the number of blocks after the deposit in which the lock can be
// released. Destination locks stay claimable for twice the interval so the
// user can still claim after the source refund window opened.
func (l *Ledger) window(timeout uint64) uint64 {
	if l.cfg.Kind == Destination {
		return 2 * timeout
	}
	return timeout
}

func (l *Ledger) emit(name string, tx pendingTx, lk *lock) {
	l.events = append(l.events, LoggedEvent{
		Seq: sequence.Add(1),
		Event: ledger.Event{
			Name:   name,
			TxnID:  tx.call.TxnID,
			Height: l.height,
			TxHash: tx.handle.Hash,
			Payload: ledger.EventPayload{
				Depositor:   lk.depositor,
				Beneficiary: lk.beneficiary,
				Amount:      new(big.Int).Set(lk.amount),
				SecretHash:  lk.secretHash,
				Secret:      lk.secret,
				Timeout:     lk.timeout,
			},
		},
	})
}

func (l *Ledger) balanceLocked(addr string) *big.Int {
	addr = ledger.NormalizeHex(addr)
	b, ok := l.balances[addr]
	if !ok {
		b = new(big.Int)
		l.balances[addr] = b
	}
	return b
}

// AwaitConfirmation waits for the receipt of h.
func (l *Ledger) AwaitConfirmation(ctx context.Context, h ledger.TxHandle, pollInterval time.Duration) (ledger.Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for {
		l.mu.Lock()
		receipt, ok := l.receipts[h.Hash]
		unreachable, since := l.unreachable, l.downSince
		changed := l.changed
		l.mu.Unlock()
		if unreachable {
			if l.clock.Now().Sub(since) >= l.cfg.LivenessBound {
				return ledger.Receipt{}, &ledger.ConfirmationError{Ledger: l.cfg.Name, Hash: h.Hash, Err: ErrUnreachable}
			}
		} else if ok {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		case <-changed:
		case <-l.clock.After(pollInterval):
		}
	}
}

// WatchEvent waits for the first matching event mined in
// [FromHeight, FromHeight+timeoutBlocks).
func (l *Ledger) WatchEvent(ctx context.Context, name string, filter ledger.Filter, timeoutBlocks uint64) (ledger.WatchResult, error) {
	deadline := filter.FromHeight + timeoutBlocks
	for {
		l.mu.Lock()
		if l.unreachable {
			since := l.downSince
			changed := l.changed
			l.mu.Unlock()
			if l.clock.Now().Sub(since) >= l.cfg.LivenessBound {
				return ledger.WatchResult{}, &ledger.ConfirmationError{Ledger: l.cfg.Name, Err: ErrUnreachable}
			}
			if err := l.wait(ctx, changed); err != nil {
				return ledger.WatchResult{}, err
			}
			continue
		}
		for _, logged := range l.events {
			ev := logged.Event
			if ev.Name == name && ev.TxnID == filter.TxnID && ev.Height >= filter.FromHeight && ev.Height < deadline {
				l.mu.Unlock()
				return ledger.Matched(ev), nil
			}
		}
		height := l.height
		changed := l.changed
		l.mu.Unlock()
		if height >= deadline {
			return ledger.TimedOut(deadline), nil
		}
		if err := l.wait(ctx, changed); err != nil {
			return ledger.WatchResult{}, err
		}
	}
}

func (l *Ledger) wait(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	case <-l.clock.After(time.Second):
		return nil
	}
}

// Height returns the latest block.
func (l *Ledger) Height(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return 0, ErrUnreachable
	}
	return l.height, nil
}

// Lookup returns the contract state for txnID.
func (l *Ledger) Lookup(ctx context.Context, txnID string) (ledger.SwapState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return ledger.SwapState{}, ErrUnreachable
	}
	lk := l.locks[txnID]
	if lk == nil {
		return ledger.SwapState{}, nil
	}
	return ledger.SwapState{
		Exists:        true,
		Status:        lk.status,
		Depositor:     lk.depositor,
		Beneficiary:   lk.beneficiary,
		Amount:        new(big.Int).Set(lk.amount),
		SecretHash:    lk.secretHash,
		Secret:        lk.secret,
		Timeout:       lk.timeout,
		DepositHeight: lk.height,
	}, nil
}

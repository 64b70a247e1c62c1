package sim

import (
	"math/big"

	"pkt.systems/stride/internal/ledger"
)

// FailSubmissions makes the next n submissions of method fail with a
// SubmissionError. An empty method matches any call.
func (l *Ledger) FailSubmissions(method ledger.Method, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext[method] += n
}

// RevertNext makes the next mined call of method revert with reason.
func (l *Ledger) RevertNext(method ledger.Method, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverts[method] = reason
}

// SetUnreachable toggles the ledger's availability.
func (l *Ledger) SetUnreachable(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if down && !l.unreachable {
		l.downSince = l.clock.Now()
	}
	l.unreachable = down
	close(l.changed)
	l.changed = make(chan struct{})
}

// Submissions counts accepted submissions of method.
func (l *Ledger) Submissions(method ledger.Method) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions[method]
}

// Fund credits amount to addr.
func (l *Ledger) Fund(addr string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balanceLocked(addr)
	b.Add(b, amount)
}

// Balance returns the balance of addr.
func (l *Ledger) Balance(addr string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(addr))
}

// Events returns every event mined so far.
func (l *Ledger) Events() []LoggedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LoggedEvent(nil), l.events...)
}

// FindEvent returns the first event called name for txnID.
func (l *Ledger) FindEvent(name, txnID string) (LoggedEvent, bool) {
	for _, ev := range l.Events() {
		if ev.Event.Name == name && ev.Event.TxnID == txnID {
			return ev, true
		}
	}
	return LoggedEvent{}, false
}

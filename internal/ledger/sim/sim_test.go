package sim

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"pkt.systems/stride/internal/ledger"
)

const (
	custodian = "0x00000000000000000000000000000000000000c1"
	user      = "0x00000000000000000000000000000000000000a1"
)

func newPair(t *testing.T) (*Ledger, *Ledger) {
	t.Helper()
	src := New(Config{Name: "src", Kind: Source, Custodian: custodian, AutoMine: true,
		Balances: map[string]*big.Int{user: big.NewInt(1000)}})
	dst := New(Config{Name: "dst", Kind: Destination, AutoMine: true,
		Balances: map[string]*big.Int{custodian: big.NewInt(10)}})
	return src, dst
}

func submitAndConfirm(t *testing.T, l *Ledger, call ledger.Call, from string) ledger.Receipt {
	t.Helper()
	ctx := context.Background()
	h, err := l.Submit(ctx, call, ledger.Sender{Address: from})
	if err != nil {
		t.Fatalf("submit %s: %v", call.Method, err)
	}
	r, err := l.AwaitConfirmation(ctx, h, time.Millisecond)
	if err != nil {
		t.Fatalf("await %s: %v", call.Method, err)
	}
	return r
}

func TestHashLockClaim(t *testing.T) {
	src, _ := newPair(t)
	secret, hash, err := ledger.NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	r := submitAndConfirm(t, src, ledger.Call{Method: ledger.MethodDeposit, TxnID: "t1", SecretHash: hash, Timeout: 5, Amount: big.NewInt(100)}, user)
	if r.Err() != nil {
		t.Fatalf("deposit reverted: %v", r.Err())
	}
	dup := submitAndConfirm(t, src, ledger.Call{Method: ledger.MethodDeposit, TxnID: "t1", SecretHash: hash, Timeout: 5, Amount: big.NewInt(1)}, user)
	if dup.Err() == nil || dup.Reason != "duplicate txn_id" {
		t.Fatalf("expected duplicate revert, got %+v", dup)
	}
	other, _, _ := ledger.NewSecret()
	bad := submitAndConfirm(t, src, ledger.Call{Method: ledger.MethodAcknowledge, TxnID: "t1", Secret: other}, custodian)
	if bad.Reason != "secret mismatch" {
		t.Fatalf("expected secret mismatch, got %+v", bad)
	}
	ok := submitAndConfirm(t, src, ledger.Call{Method: ledger.MethodAcknowledge, TxnID: "t1", Secret: secret}, custodian)
	if ok.Err() != nil {
		t.Fatalf("acknowledge reverted: %v", ok.Err())
	}
	if got := src.Balance(custodian); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("custodian balance %s", got)
	}
	state, err := src.Lookup(context.Background(), "t1")
	if err != nil || state.Status != ledger.SwapReleased || state.Secret != secret {
		t.Fatalf("unexpected state %+v err=%v", state, err)
	}
	ev, found := src.FindEvent(ledger.EventAcknowledged, "t1")
	if !found || ev.Event.Payload.Secret != secret {
		t.Fatalf("acknowledged event missing secret: %+v", ev)
	}
}

func TestRefundWindows(t *testing.T) {
	src, dst := newPair(t)
	_, hash, _ := ledger.NewSecret()
	dep := submitAndConfirm(t, dst, ledger.Call{Method: ledger.MethodDeposit, TxnID: "t2", Beneficiary: user, SecretHash: hash, Timeout: 3, Amount: big.NewInt(1)}, custodian)
	if dep.Err() != nil {
		t.Fatalf("deposit: %v", dep.Err())
	}
	early := submitAndConfirm(t, dst, ledger.Call{Method: ledger.MethodNoUserActionChallenge, TxnID: "t2"}, custodian)
	if early.Reason != "refund window not open" {
		t.Fatalf("expected early refund to revert, got %+v", early)
	}
	// Destination refunds open at deposit + 2 x timeout.
	dst.Mine(int(2*3) - 2)
	refund := submitAndConfirm(t, dst, ledger.Call{Method: ledger.MethodNoUserActionChallenge, TxnID: "t2"}, custodian)
	if refund.Err() != nil {
		t.Fatalf("refund: %v (deposit height %d, refund height %d)", refund.Err(), dep.Height, refund.Height)
	}
	if got := dst.Balance(custodian); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("custodian not refunded: %s", got)
	}

	srcDep := submitAndConfirm(t, src, ledger.Call{Method: ledger.MethodDeposit, TxnID: "t3", SecretHash: hash, Timeout: 2, Amount: big.NewInt(5)}, user)
	src.Mine(1)
	srcRefund := submitAndConfirm(t, src, ledger.Call{Method: ledger.MethodNoCustodianActionChallenge, TxnID: "t3"}, user)
	if srcRefund.Err() != nil || srcRefund.Height != srcDep.Height+2 {
		t.Fatalf("source refund %+v (deposit %d)", srcRefund, srcDep.Height)
	}
}

func TestInsufficientBalanceReverts(t *testing.T) {
	_, dst := newPair(t)
	_, hash, _ := ledger.NewSecret()
	r := submitAndConfirm(t, dst, ledger.Call{Method: ledger.MethodDeposit, TxnID: "t4", Beneficiary: user, SecretHash: hash, Timeout: 3, Amount: big.NewInt(11)}, custodian)
	if r.Reason != "insufficient balance" {
		t.Fatalf("expected insufficient balance, got %+v", r)
	}
	state, _ := dst.Lookup(context.Background(), "t4")
	if state.Exists {
		t.Fatal("reverted deposit left state behind")
	}
}

func TestSubmissionValidationAndFaults(t *testing.T) {
	src, _ := newPair(t)
	ctx := context.Background()
	var subErr *ledger.SubmissionError
	if _, err := src.Submit(ctx, ledger.Call{Method: ledger.MethodIssue, TxnID: "x", Secret: "0x00"}, ledger.Sender{Address: user}); !errors.As(err, &subErr) {
		t.Fatalf("expected submission error for wrong surface, got %v", err)
	}
	src.FailSubmissions(ledger.MethodNoCustodianActionChallenge, 1)
	if _, err := src.Submit(ctx, ledger.Call{Method: ledger.MethodNoCustodianActionChallenge, TxnID: "x"}, ledger.Sender{Address: user}); !errors.As(err, &subErr) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if src.Submissions(ledger.MethodNoCustodianActionChallenge) != 0 {
		t.Fatal("failed submission counted")
	}
	src.SetUnreachable(true)
	if _, err := src.Height(ctx); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	src.SetUnreachable(false)
	if _, err := src.Height(ctx); err != nil {
		t.Fatalf("height: %v", err)
	}
}

func TestWatchEvent(t *testing.T) {
	src, _ := newPair(t)
	ctx := context.Background()
	_, hash, _ := ledger.NewSecret()
	from, _ := src.Height(ctx)
	done := make(chan ledger.WatchResult, 1)
	go func() {
		res, err := src.WatchEvent(ctx, ledger.EventUserDeposited, ledger.Filter{TxnID: "w1", FromHeight: from}, 10)
		if err != nil {
			t.Errorf("watch: %v", err)
		}
		done <- res
	}()
	submitAndConfirm(t, src, ledger.Call{Method: ledger.MethodDeposit, TxnID: "w1", SecretHash: hash, Timeout: 5, Amount: big.NewInt(7)}, user)
	select {
	case res := <-done:
		ev, ok := res.Matched()
		if !ok || ev.Payload.Amount.Cmp(big.NewInt(7)) != 0 || !ledger.SameAddress(ev.Payload.Beneficiary, custodian) {
			t.Fatalf("unexpected result %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}

	// An event already mined before the watch starts still matches.
	res, err := src.WatchEvent(ctx, ledger.EventUserDeposited, ledger.Filter{TxnID: "w1", FromHeight: from}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Matched(); !ok {
		t.Fatal("expected replayed match")
	}

	start, _ := src.Height(ctx)
	go func() {
		res, _ := src.WatchEvent(ctx, ledger.EventUserDeposited, ledger.Filter{TxnID: "never", FromHeight: start}, 3)
		done <- res
	}()
	src.Mine(3)
	select {
	case res := <-done:
		if !res.TimedOut() || res.Deadline() != start+3 {
			t.Fatalf("expected timeout at %d, got %+v", start+3, res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not time out")
	}
}

package evm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethsigner"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"

	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/uuidv7"
)

const (
	contractAddr = "0x1111111111111111111111111111111111111111"
	custodian    = "0x00000000000000000000000000000000000000c1"
	user         = "0x00000000000000000000000000000000000000a1"
	chainID      = 1337
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// node is a minimal JSON-RPC stub. Handlers return the result value or an
// error that is reported as a JSON-RPC error.
type node struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, error)
	calls    map[string]int
}

func newNode(t *testing.T) (*node, *httptest.Server) {
	n := &node{t: t, handlers: map[string]func([]json.RawMessage) (any, error){}, calls: map[string]int{}}
	n.handle("eth_chainId", func([]json.RawMessage) (any, error) { return fmt.Sprintf("0x%x", chainID), nil })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request %s: %v", body, err)
			return
		}
		n.mu.Lock()
		n.calls[req.Method]++
		h := n.handlers[req.Method]
		n.mu.Unlock()
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if h == nil {
			resp["error"] = map[string]any{"code": -32601, "message": "method not found: " + req.Method}
		} else if result, err := h(req.Params); err != nil {
			resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *node) handle(method string, fn func([]json.RawMessage) (any, error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = fn
}

func (n *node) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func newGateway(t *testing.T, url string, kind Kind) *Gateway {
	t.Helper()
	g, err := New(Config{Name: "test", URL: url, Contract: contractAddr, Kind: kind, PollInterval: 5 * time.Millisecond, LivenessBound: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func word(hexValue string) string {
	return fmt.Sprintf("%064s", strings.TrimPrefix(hexValue, "0x"))
}

func TestSubmitSignedDeposit(t *testing.T) {
	n, srv := newNode(t)
	kp, err := secp256k1.GenerateSecp256k1KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	txnID := uuidv7.NewString()
	_, secretHash, _ := ledger.NewSecret()
	a, _ := ContractABI(Source)
	deposit := a.Functions()["deposit"]
	n.handle("eth_getTransactionCount", func([]json.RawMessage) (any, error) { return "0x7", nil })
	n.handle("eth_gasPrice", func([]json.RawMessage) (any, error) { return "0x3b9aca00", nil })
	n.handle("eth_sendRawTransaction", func(params []json.RawMessage) (any, error) {
		var raw ethtypes.HexBytes0xPrefix
		if err := json.Unmarshal(params[0], &raw); err != nil {
			return nil, err
		}
		addr, tx, err := ethsigner.RecoverRawTransaction(context.Background(), raw, chainID)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(addr.String(), kp.Address.String()) {
			return nil, fmt.Errorf("signed by %s", addr)
		}
		if tx.Nonce.BigInt().Int64() != 7 || tx.Value.BigInt().Int64() != 100 {
			return nil, fmt.Errorf("unexpected tx %+v", tx)
		}
		if !strings.HasPrefix(tx.Data.String(), deposit.FunctionSelectorBytes().String()) {
			return nil, fmt.Errorf("unexpected selector in %s", tx.Data)
		}
		return "0x" + strings.Repeat("ab", 32), nil
	})
	g := newGateway(t, srv.URL, Source)
	h, err := g.Submit(context.Background(), ledger.Call{
		Method: ledger.MethodDeposit, TxnID: txnID, SecretHash: secretHash, Timeout: 20, Amount: big.NewInt(100),
	}, ledger.Sender{Address: kp.Address.String(), PrivateKey: hex.EncodeToString(kp.PrivateKeyBytes())})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Hash != "0x"+strings.Repeat("ab", 32) || h.TxnID != txnID {
		t.Fatalf("unexpected handle %+v", h)
	}
	if n.count("eth_chainId") != 1 {
		t.Fatalf("chain id fetched %d times", n.count("eth_chainId"))
	}
}

func TestSubmitErrorsAreSubmissionErrors(t *testing.T) {
	n, srv := newNode(t)
	n.handle("eth_sendTransaction", func([]json.RawMessage) (any, error) { return nil, errors.New("unknown account") })
	g := newGateway(t, srv.URL, Destination)
	var subErr *ledger.SubmissionError
	_, err := g.Submit(context.Background(), ledger.Call{Method: ledger.MethodNoUserActionChallenge, TxnID: uuidv7.NewString()}, ledger.Sender{Address: custodian})
	if !errors.As(err, &subErr) {
		t.Fatalf("expected submission error, got %v", err)
	}
	// acknowledge does not exist on the destination contract.
	_, err = g.Submit(context.Background(), ledger.Call{Method: ledger.MethodAcknowledge, TxnID: uuidv7.NewString()}, ledger.Sender{Address: custodian})
	if !errors.As(err, &subErr) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if n.count("eth_sendTransaction") != 1 {
		t.Fatalf("unexpected send count %d", n.count("eth_sendTransaction"))
	}
}

func TestAwaitConfirmation(t *testing.T) {
	n, srv := newNode(t)
	polls := 0
	var mu sync.Mutex
	n.handle("eth_getTransactionReceipt", func([]json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		polls++
		if polls < 3 {
			return nil, nil
		}
		return map[string]any{"blockNumber": "0x10", "status": "0x0", "transactionHash": "0x01",
			"revertReason": "0x08c379a0" + word("20") + word("0a") + hex.EncodeToString([]byte("not locked")) + strings.Repeat("0", 44)}, nil
	})
	g := newGateway(t, srv.URL, Source)
	rcpt, err := g.AwaitConfirmation(context.Background(), ledger.TxHandle{Hash: "0x01", Method: ledger.MethodAcknowledge}, time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if rcpt.Success || rcpt.Height != 16 {
		t.Fatalf("unexpected receipt %+v", rcpt)
	}
	var reverted *ledger.RevertedError
	if !errors.As(rcpt.Err(), &reverted) {
		t.Fatalf("expected revert, got %v", rcpt.Err())
	}
	if reverted.Reason != "not locked" {
		t.Fatalf("unexpected reason %q", reverted.Reason)
	}
}

func TestAwaitConfirmationLiveness(t *testing.T) {
	n, srv := newNode(t)
	n.handle("eth_getTransactionReceipt", func([]json.RawMessage) (any, error) { return nil, errors.New("upstream down") })
	g := newGateway(t, srv.URL, Source)
	_, err := g.AwaitConfirmation(context.Background(), ledger.TxHandle{Hash: "0x02"}, time.Millisecond)
	var confErr *ledger.ConfirmationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected confirmation error, got %v", err)
	}
}

func TestWatchEventDecodesDeposit(t *testing.T) {
	n, srv := newNode(t)
	txnID := uuidv7.NewString()
	topic, _ := TxnIDBytes32(txnID)
	_, secretHash, _ := ledger.NewSecret()
	a, _ := ContractABI(Source)
	sig := a.Events()[ledger.EventUserDeposited].SignatureHashBytes().String()
	var height uint64 = 10
	var mu sync.Mutex
	n.handle("eth_blockNumber", func([]json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		height++
		return fmt.Sprintf("0x%x", height), nil
	})
	n.handle("eth_getLogs", func(params []json.RawMessage) (any, error) {
		var q struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
			Topics    []any  `json:"topics"`
		}
		if err := json.Unmarshal(params[0], &q); err != nil {
			return nil, err
		}
		if q.Topics[0] != sig || q.Topics[1] != topic {
			return nil, fmt.Errorf("unexpected topics %v", q.Topics)
		}
		if q.ToBlock != "0xc" {
			return []any{}, nil
		}
		data := "0x" + word(user) + word(custodian) + word("64") + word(secretHash) + word("14")
		return []any{map[string]any{
			"blockNumber": "0xc", "transactionHash": "0x" + strings.Repeat("cd", 32),
			"topics": []string{sig, topic}, "data": data,
		}}, nil
	})
	g := newGateway(t, srv.URL, Source)
	res, err := g.WatchEvent(context.Background(), ledger.EventUserDeposited, ledger.Filter{TxnID: txnID, FromHeight: 10}, 20)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ev, ok := res.Matched()
	if !ok {
		t.Fatal("expected match")
	}
	if ev.TxnID != txnID || ev.Height != 12 || ev.Payload.Amount.Int64() != 100 || ev.Payload.Timeout != 20 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ledger.SameAddress(ev.Payload.Beneficiary, custodian) || ev.Payload.SecretHash != secretHash {
		t.Fatalf("unexpected payload %+v", ev.Payload)
	}
}

func TestWatchEventTimesOut(t *testing.T) {
	n, srv := newNode(t)
	n.handle("eth_blockNumber", func([]json.RawMessage) (any, error) { return "0x20", nil })
	n.handle("eth_getLogs", func([]json.RawMessage) (any, error) { return []any{}, nil })
	g := newGateway(t, srv.URL, Destination)
	res, err := g.WatchEvent(context.Background(), ledger.EventCustodianDeposited, ledger.Filter{TxnID: uuidv7.NewString(), FromHeight: 5}, 10)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !res.TimedOut() || res.Deadline() != 15 {
		t.Fatalf("expected timeout at 15, got %+v", res)
	}
}

func TestLookup(t *testing.T) {
	n, srv := newNode(t)
	secret, secretHash, _ := ledger.NewSecret()
	n.handle("eth_call", func([]json.RawMessage) (any, error) {
		return "0x" + word(custodian) + word(user) + word("1") + word(secretHash) + word(secret) + word("28") + word("9") + word("2"), nil
	})
	g := newGateway(t, srv.URL, Destination)
	state, err := g.Lookup(context.Background(), uuidv7.NewString())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !state.Exists || state.Status != ledger.SwapReleased || state.Secret != secret || state.Timeout != 40 || state.DepositHeight != 9 {
		t.Fatalf("unexpected state %+v", state)
	}
	if !ledger.SameAddress(state.Depositor, custodian) || state.Amount.Int64() != 1 {
		t.Fatalf("unexpected parties %+v", state)
	}
}

func TestTxnIDBytes32(t *testing.T) {
	id := uuidv7.NewString()
	b32, err := TxnIDBytes32(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(b32) != 66 || !strings.HasSuffix(b32, strings.Repeat("0", 32)) {
		t.Fatalf("unexpected encoding %s", b32)
	}
	raw, _ := ethtypes.NewHexBytes0xPrefix(b32)
	back, err := txnIDFromTopic(raw)
	if err != nil || back != id {
		t.Fatalf("round trip %s -> %s (%v)", id, back, err)
	}
	if _, err := TxnIDBytes32("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}

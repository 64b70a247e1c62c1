package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/stride/api"
	"pkt.systems/stride/internal/correlation"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/swap"
)

const userAddr = "0x00000000000000000000000000000000000000a1"

type fakeCustodian struct {
	mu       sync.Mutex
	requests []swap.Request
	records  map[string]*record.Record
	acceptFn func(swap.Request) (swap.Accepted, error)
}

func (f *fakeCustodian) Accept(_ context.Context, req swap.Request) (swap.Accepted, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.acceptFn != nil {
		return f.acceptFn(req)
	}
	return swap.Accepted{
		TxnID:             "0190f0c4-0000-7000-8000-000000000001",
		SecretHash:        "0x" + strings.Repeat("ab", 32),
		DestinationAmount: new(big.Int).Mul(req.SourceAmount, big.NewInt(2)),
		TimeoutInterval:   10,
	}, nil
}

func (f *fakeCustodian) Get(_ context.Context, txnID string) (*record.Record, error) {
	rec, ok := f.records[txnID]
	if !ok {
		return nil, record.ErrNotFound
	}
	return rec.Redacted(), nil
}

func (f *fakeCustodian) List(_ context.Context, filter record.Filter) ([]*record.Record, error) {
	var out []*record.Record
	for _, rec := range f.records {
		if filter.ActiveOnly && rec.Terminal() {
			continue
		}
		out = append(out, rec.Redacted())
	}
	return out, nil
}

func newServer(t *testing.T, custodian *fakeCustodian) *httptest.Server {
	t.Helper()
	handler := New(Config{Custodian: custodian, Logger: pslog.NewStructured(context.Background(), io.Discard)})
	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, url, body string) (*http.Response, api.Response) {
	t.Helper()
	resp, err := http.Post(url+"/stride", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out api.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestInitSwapSuccess(t *testing.T) {
	custodian := &fakeCustodian{}
	server := newServer(t, custodian)
	for _, amount := range []string{`"150"`, `150`} {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"init_swap","params":{"source_amount":%s,"user_address":"%s"}}`, amount, userAddr)
		resp, out := post(t, server.URL, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %+v", resp.StatusCode, out.Error)
		}
		if string(out.ID) != "7" || out.JSONRPC != "2.0" {
			t.Fatalf("id/jsonrpc not echoed: %+v", out)
		}
		if out.Result != "0x"+strings.Repeat("ab", 32) || out.TxnID == "" {
			t.Fatalf("unexpected result: %+v", out)
		}
		if out.DestinationAmount == nil || out.DestinationAmount.Big().Int64() != 300 || out.TimeoutInterval != 10 {
			t.Fatalf("unexpected terms: %+v", out)
		}
		if resp.Header.Get(correlation.Header) == "" {
			t.Fatalf("missing correlation header")
		}
	}
	if len(custodian.requests) != 2 || custodian.requests[1].SourceAmount.Int64() != 150 {
		t.Fatalf("requests %+v", custodian.requests)
	}
}

func TestInitSwapErrors(t *testing.T) {
	custodian := &fakeCustodian{}
	server := newServer(t, custodian)
	params := func(s string) string {
		return `{"jsonrpc":"2.0","id":"a","method":"init_swap","params":` + s + `}`
	}
	cases := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"parse", `{"jsonrpc":`, http.StatusBadRequest, api.CodeParseError},
		{"version", `{"jsonrpc":"1.0","id":1,"method":"init_swap"}`, http.StatusBadRequest, api.CodeInvalidRequest},
		{"method", `{"jsonrpc":"2.0","id":1,"method":"transfer"}`, http.StatusNotFound, api.CodeMethodNotFound},
		{"no params", `{"jsonrpc":"2.0","id":1,"method":"init_swap"}`, http.StatusBadRequest, api.CodeInvalidParams},
		{"fraction", params(`{"source_amount":"1.5","user_address":"` + userAddr + `"}`), http.StatusBadRequest, api.CodeInvalidParams},
		{"negative", params(`{"source_amount":-3,"user_address":"` + userAddr + `"}`), http.StatusBadRequest, api.CodeInvalidParams},
		{"zero", params(`{"source_amount":0,"user_address":"` + userAddr + `"}`), http.StatusBadRequest, api.CodeInvalidParams},
		{"address", params(`{"source_amount":5,"user_address":"bob"}`), http.StatusBadRequest, api.CodeInvalidParams},
		{"secret supplied", params(`{"source_amount":5,"user_address":"` + userAddr + `","secret_hash":"0x01"}`), http.StatusBadRequest, api.CodeInvalidParams},
	}
	for _, tc := range cases {
		resp, out := post(t, server.URL, tc.body)
		if resp.StatusCode != tc.status || out.Error == nil || out.Error.Code != tc.code {
			t.Fatalf("%s: status %d error %+v, want %d/%d", tc.name, resp.StatusCode, out.Error, tc.status, tc.code)
		}
	}
	if len(custodian.requests) != 0 {
		t.Fatalf("invalid requests reached the custodian: %d", len(custodian.requests))
	}
}

func TestInitSwapRejectedDuplicate(t *testing.T) {
	custodian := &fakeCustodian{acceptFn: func(swap.Request) (swap.Accepted, error) {
		return swap.Accepted{}, &swap.RequestChannelError{Reason: "duplicate txn_id x", Err: record.ErrDuplicate}
	}}
	server := newServer(t, custodian)
	resp, out := post(t, server.URL, `{"jsonrpc":"2.0","id":1,"method":"init_swap","params":{"source_amount":"5","user_address":"`+userAddr+`"}}`)
	if resp.StatusCode != http.StatusConflict || out.Error == nil || out.Error.Code != api.CodeRejected {
		t.Fatalf("status %d error %+v", resp.StatusCode, out.Error)
	}
	if out.TxnID != "" || out.Result != "" {
		t.Fatalf("rejected response carries a swap: %+v", out)
	}
}

func TestRPCRequiresPost(t *testing.T) {
	server := newServer(t, &fakeCustodian{})
	resp, err := http.Get(server.URL + "/stride")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSwapViews(t *testing.T) {
	custodian := &fakeCustodian{records: map[string]*record.Record{
		"t1": {
			TxnID: "t1", Role: record.RoleCustodian, Status: record.StatusComplete, Outcome: record.OutcomeClaimed,
			SourceAmount: big.NewInt(5), DestinationAmount: big.NewInt(5), Secret: "0xsecret",
			History: []record.HistoryEntry{{Status: record.StatusReceived}, {Status: record.StatusComplete}},
		},
		"t2": {
			TxnID: "t2", Role: record.RoleCustodian, Status: record.StatusDestDeposited,
			SourceAmount: big.NewInt(1), DestinationAmount: big.NewInt(1),
		},
	}}
	server := newServer(t, custodian)

	resp, err := http.Get(server.URL + "/v1/swaps/t1")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", resp.StatusCode, raw)
	}
	if strings.Contains(string(raw), "0xsecret") {
		t.Fatalf("secret leaked: %s", raw)
	}
	var view api.Swap
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "COMPLETE" || !view.Terminal || len(view.History) != 2 || view.SourceAmount.Big().Int64() != 5 {
		t.Fatalf("unexpected view %+v", view)
	}

	resp, err = http.Get(server.URL + "/v1/swaps/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/v1/swaps?active=true")
	if err != nil {
		t.Fatal(err)
	}
	var list api.SwapList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list.Swaps) != 1 || list.Swaps[0].TxnID != "t2" {
		t.Fatalf("active list %+v", list.Swaps)
	}

	resp, err = http.Get(server.URL + "/v1/swaps?limit=x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ready := false
	handler := New(Config{Custodian: &fakeCustodian{}, Ready: func() bool { return ready }})
	mux := http.NewServeMux()
	handler.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready: %d", rec.Code)
	}
	ready = true
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

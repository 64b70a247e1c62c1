// Package api holds the wire types of the stride Request Channel: the
// JSON-RPC 2.0 envelope served on POST /stride and the swap views served
// under /v1/swaps.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// JSONRPCVersion is the only protocol version accepted.
const JSONRPCVersion = "2.0"

// MethodInitSwap asks the custodian to start a swap.
const MethodInitSwap = "init_swap"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeRejected       = -32000
)

// Request is a JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 reply. A successful init_swap carries the
// secret hash in Result and the swap id in TxnID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  string          `json:"result,omitempty"`
	TxnID   string          `json:"txn_id,omitempty"`
	// DestinationAmount is what the user will receive on the destination
	// ledger.
	DestinationAmount *Amount `json:"destination_amount,omitempty"`
	// TimeoutInterval is the swap timeout in source blocks.
	TimeoutInterval uint64 `json:"timeout_interval,omitempty"`
	Error           *Error `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// InitSwapParams are the params of init_swap.
type InitSwapParams struct {
	SourceAmount *Amount `json:"source_amount"`
	UserAddress  string  `json:"user_address"`
	// SecretHash and Secret are refused: the custodian picks the secret.
	SecretHash string `json:"secret_hash,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// Amount is a non-negative integer carried as a decimal string. It also
// decodes from a JSON number.
type Amount struct {
	big.Int
}

// NewAmount wraps v.
func NewAmount(v *big.Int) *Amount {
	a := &Amount{}
	if v != nil {
		a.Set(v)
	}
	return a
}

// Big returns a copy of the value.
func (a *Amount) Big() *big.Int {
	if a == nil {
		return nil
	}
	return new(big.Int).Set(&a.Int)
}

// MarshalJSON renders the amount as a decimal string.
func (a *Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts "123" or 123. Fractions and exponents are refused.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("amount is null")
	}
	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
	}
	if _, ok := a.SetString(raw, 10); !ok {
		return fmt.Errorf("amount %q is not an integer", raw)
	}
	if a.Sign() < 0 {
		return fmt.Errorf("amount %q is negative", raw)
	}
	return nil
}

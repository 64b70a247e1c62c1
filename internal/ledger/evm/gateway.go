// Package evm implements ledger.Gateway for EVM chains over JSON-RPC. Calls
// are ABI encoded with firefly-signer and either signed locally (EIP-155
// legacy transactions) or handed to a node-managed account.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hyperledger/firefly-signer/pkg/abi"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/rpcbackend"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/uuidv7"
)

// Defaults.
const (
	DefaultGasLimit       = 300_000
	DefaultPollInterval   = 2 * time.Second
	DefaultLivenessBound  = 2 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
)

// Config configures one gateway.
type Config struct {
	Name string
	// URL is the HTTP JSON-RPC endpoint.
	URL string
	// HeadsURL is an optional websocket endpoint used to wake pollers on
	// every new block.
	HeadsURL string
	Contract string
	Kind     Kind
	// ChainID is queried with eth_chainId when zero.
	ChainID        int64
	GasLimit       uint64
	PollInterval   time.Duration
	LivenessBound  time.Duration
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Gateway talks to one hash-lock contract.
type Gateway struct {
	cfg      Config
	rpc      rpcbackend.RPC
	abi      abi.ABI
	contract *ethtypes.Address0xHex
	clock    clock.Clock
	logger   pslog.Logger
	heads    *headWatcher

	chainOnce sync.Once
	chainID   int64
	chainErr  error
}

// New validates cfg and builds the JSON-RPC client. It does not contact the
// node.
func New(cfg Config) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("evm: rpc url required")
	}
	contract, err := ethtypes.NewAddress(cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("evm: contract address: %w", err)
	}
	a, err := ContractABI(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LivenessBound <= 0 {
		cfg.LivenessBound = DefaultLivenessBound
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")
	g := &Gateway{
		cfg:      cfg,
		rpc:      rpcbackend.NewRPCClient(client),
		abi:      a,
		contract: contract,
		clock:    clock.Or(cfg.Clock),
		logger:   logger.With("ledger", cfg.Name),
		chainID:  cfg.ChainID,
	}
	if cfg.HeadsURL != "" {
		g.heads = newHeadWatcher(cfg.HeadsURL, g.logger)
	}
	return g, nil
}

// Start connects the optional head subscription. It returns immediately;
// the subscription reconnects in the background until ctx ends.
func (g *Gateway) Start(ctx context.Context) {
	if g.heads != nil {
		go g.heads.run(ctx)
	}
}

// Name implements ledger.Gateway.
func (g *Gateway) Name() string { return g.cfg.Name }

func (g *Gateway) call(ctx context.Context, result any, method string, params ...any) error {
	if rpcErr := g.rpc.CallRPC(ctx, result, method, params...); rpcErr != nil {
		return fmt.Errorf("%s: %w", method, rpcErr.Error())
	}
	return nil
}

func (g *Gateway) chain(ctx context.Context) (int64, error) {
	g.chainOnce.Do(func() {
		if g.chainID != 0 {
			return
		}
		var id ethtypes.HexUint64
		if err := g.call(ctx, &id, "eth_chainId"); err != nil {
			g.chainErr = err
			return
		}
		g.chainID = int64(id.Uint64())
	})
	return g.chainID, g.chainErr
}

// Height returns eth_blockNumber.
func (g *Gateway) Height(ctx context.Context) (uint64, error) {
	var n ethtypes.HexUint64
	if err := g.call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// TxnIDBytes32 encodes a UUID txn_id as a left-aligned bytes32.
func TxnIDBytes32(txnID string) (string, error) {
	id, err := uuidv7.Parse(txnID)
	if err != nil {
		return "", fmt.Errorf("txn_id: %w", err)
	}
	var out [32]byte
	copy(out[:], id[:])
	return ledger.EncodeHex(out[:]), nil
}

func txnIDFromTopic(topic ethtypes.HexBytes0xPrefix) (string, error) {
	if len(topic) != 32 {
		return "", fmt.Errorf("unexpected topic length %d", len(topic))
	}
	return uuidv7.FromBytes(topic[:16])
}

func (g *Gateway) encode(call ledger.Call) ([]byte, error) {
	entry, ok := g.abi.Functions()[string(call.Method)]
	if !ok {
		return nil, fmt.Errorf("method %q not on this contract", call.Method)
	}
	txnID, err := TxnIDBytes32(call.TxnID)
	if err != nil {
		return nil, err
	}
	params := map[string]any{"txnId": txnID}
	switch call.Method {
	case ledger.MethodDeposit:
		params["secretHash"] = call.SecretHash
		params["timeout"] = strconv.FormatUint(call.Timeout, 10)
		if g.cfg.Kind == Destination {
			params["user"] = call.Beneficiary
		}
	case ledger.MethodAcknowledge, ledger.MethodIssue:
		params["secret"] = call.Secret
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return entry.EncodeCallDataJSONCtx(context.Background(), raw)
}

// Submit encodes call and sends it as sender.
func (g *Gateway) Submit(ctx context.Context, call ledger.Call, sender ledger.Sender) (ledger.TxHandle, error) {
	fail := func(err error) (ledger.TxHandle, error) {
		g.logger.Warn("evm.submit.error", "method", call.Method, "txn_id", call.TxnID, "error", err)
		return ledger.TxHandle{}, &ledger.SubmissionError{Ledger: g.cfg.Name, Method: call.Method, Err: err}
	}
	data, err := g.encode(call)
	if err != nil {
		return fail(err)
	}
	value := new(big.Int)
	if call.Method == ledger.MethodDeposit && call.Amount != nil {
		value.Set(call.Amount)
	}
	var hash ethtypes.HexBytes0xPrefix
	if sender.PrivateKey != "" {
		hash, err = g.sendSigned(ctx, sender, data, value)
	} else {
		hash, err = g.sendManaged(ctx, sender, data, value)
	}
	if err != nil {
		return fail(err)
	}
	g.logger.Debug("evm.submit", "method", call.Method, "txn_id", call.TxnID, "tx", hash.String())
	return ledger.TxHandle{Ledger: g.cfg.Name, Hash: hash.String(), Method: call.Method, TxnID: call.TxnID}, nil
}

func (g *Gateway) sendManaged(ctx context.Context, sender ledger.Sender, data []byte, value *big.Int) (ethtypes.HexBytes0xPrefix, error) {
	from, err := ethtypes.NewAddress(sender.Address)
	if err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	tx := map[string]any{
		"from":  from.String(),
		"to":    g.contract.String(),
		"gas":   ethtypes.NewHexInteger(new(big.Int).SetUint64(g.cfg.GasLimit)),
		"value": ethtypes.NewHexInteger(value),
		"data":  ethtypes.HexBytes0xPrefix(data),
	}
	var hash ethtypes.HexBytes0xPrefix
	if err := g.call(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return nil, err
	}
	return hash, nil
}

type receiptJSON struct {
	BlockNumber     *ethtypes.HexInteger       `json:"blockNumber"`
	Status          *ethtypes.HexInteger       `json:"status"`
	TransactionHash ethtypes.HexBytes0xPrefix  `json:"transactionHash"`
	RevertReason    *ethtypes.HexBytes0xPrefix `json:"revertReason"`
}

// AwaitConfirmation polls eth_getTransactionReceipt.
func (g *Gateway) AwaitConfirmation(ctx context.Context, h ledger.TxHandle, pollInterval time.Duration) (ledger.Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = g.cfg.PollInterval
	}
	var downSince time.Time
	for {
		var rcpt *receiptJSON
		err := g.call(ctx, &rcpt, "eth_getTransactionReceipt", h.Hash)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ledger.Receipt{}, ctx.Err()
			}
			if downSince.IsZero() {
				downSince = g.clock.Now()
			}
			if g.clock.Now().Sub(downSince) >= g.cfg.LivenessBound {
				return ledger.Receipt{}, &ledger.ConfirmationError{Ledger: g.cfg.Name, Hash: h.Hash, Err: err}
			}
			g.logger.Debug("evm.receipt.error", "tx", h.Hash, "error", err)
		case rcpt != nil && rcpt.BlockNumber != nil:
			out := ledger.Receipt{
				Handle:   h,
				Success:  rcpt.Status != nil && rcpt.Status.BigInt().Sign() > 0,
				Height:   rcpt.BlockNumber.BigInt().Uint64(),
				Observed: g.clock.Now(),
			}
			if !out.Success {
				out.Reason = revertReason(rcpt.RevertReason)
			}
			return out, nil
		default:
			downSince = time.Time{}
		}
		if err := g.wait(ctx, pollInterval); err != nil {
			return ledger.Receipt{}, err
		}
	}
}

func revertReason(raw *ethtypes.HexBytes0xPrefix) string {
	if raw == nil || len(*raw) == 0 {
		return ""
	}
	data := []byte(*raw)
	if len(data) > 4 {
		if cv, err := revertError.DecodeCallDataCtx(context.Background(), data); err == nil && len(cv.Children) == 1 {
			if s, ok := cv.Children[0].Value.(string); ok {
				return s
			}
		}
	}
	return raw.String()
}

func (g *Gateway) wait(ctx context.Context, d time.Duration) error {
	var heads <-chan struct{}
	if g.heads != nil {
		heads = g.heads.next()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-heads:
		return nil
	case <-g.clock.After(d):
		return nil
	}
}

type logJSON struct {
	BlockNumber     *ethtypes.HexInteger        `json:"blockNumber"`
	TransactionHash ethtypes.HexBytes0xPrefix   `json:"transactionHash"`
	Topics          []ethtypes.HexBytes0xPrefix `json:"topics"`
	Data            ethtypes.HexBytes0xPrefix   `json:"data"`
	Removed         bool                        `json:"removed"`
}

// WatchEvent scans eth_getLogs from filter.FromHeight until a match or the
// deadline block.
func (g *Gateway) WatchEvent(ctx context.Context, name string, filter ledger.Filter, timeoutBlocks uint64) (ledger.WatchResult, error) {
	entry, ok := g.abi.Events()[name]
	if !ok {
		return ledger.WatchResult{}, fmt.Errorf("evm: event %q not on this contract", name)
	}
	topic, err := TxnIDBytes32(filter.TxnID)
	if err != nil {
		return ledger.WatchResult{}, fmt.Errorf("evm: %w", err)
	}
	deadline := filter.FromHeight + timeoutBlocks
	next := filter.FromHeight
	var downSince time.Time
	for {
		height, err := g.Height(ctx)
		if err == nil {
			downSince = time.Time{}
			to := height
			if to >= deadline {
				to = deadline - 1
			}
			if to >= next {
				ev, found, scanErr := g.scan(ctx, entry, topic, next, to)
				if scanErr != nil {
					err = scanErr
				} else if found {
					return ledger.Matched(ev), nil
				} else {
					next = to + 1
				}
			}
			if err == nil && height >= deadline {
				return ledger.TimedOut(deadline), nil
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ledger.WatchResult{}, ctx.Err()
			}
			if downSince.IsZero() {
				downSince = g.clock.Now()
			}
			if g.clock.Now().Sub(downSince) >= g.cfg.LivenessBound {
				return ledger.WatchResult{}, &ledger.ConfirmationError{Ledger: g.cfg.Name, Err: err}
			}
		}
		if err := g.wait(ctx, g.cfg.PollInterval); err != nil {
			return ledger.WatchResult{}, err
		}
	}
}

func (g *Gateway) scan(ctx context.Context, entry *abi.Entry, txnTopic string, from, to uint64) (ledger.Event, bool, error) {
	query := map[string]any{
		"address":   g.contract.String(),
		"fromBlock": ethtypes.HexUint64(from),
		"toBlock":   ethtypes.HexUint64(to),
		"topics":    []any{entry.SignatureHashBytes().String(), txnTopic},
	}
	var logs []*logJSON
	if err := g.call(ctx, &logs, "eth_getLogs", query); err != nil {
		return ledger.Event{}, false, err
	}
	for _, l := range logs {
		if l == nil || l.Removed || len(l.Topics) < 2 {
			continue
		}
		ev, err := g.decodeEvent(ctx, entry, l)
		if err != nil {
			g.logger.Warn("evm.event.decode_error", "event", entry.Name, "tx", l.TransactionHash.String(), "error", err)
			continue
		}
		return ev, true, nil
	}
	return ledger.Event{}, false, nil
}

func (g *Gateway) decodeEvent(ctx context.Context, entry *abi.Entry, l *logJSON) (ledger.Event, error) {
	txnID, err := txnIDFromTopic(l.Topics[1])
	if err != nil {
		return ledger.Event{}, err
	}
	cv, err := entry.DecodeEventDataCtx(ctx, l.Topics, l.Data)
	if err != nil {
		return ledger.Event{}, err
	}
	fields, err := toFields(ctx, cv)
	if err != nil {
		return ledger.Event{}, err
	}
	ev := ledger.Event{Name: entry.Name, TxnID: txnID, TxHash: l.TransactionHash.String()}
	if l.BlockNumber != nil {
		ev.Height = l.BlockNumber.BigInt().Uint64()
	}
	ev.Payload = ledger.EventPayload{
		Depositor:   fields["depositor"],
		Beneficiary: fields["beneficiary"],
		SecretHash:  fields["secretHash"],
		Secret:      fields["secret"],
	}
	if amount, ok := new(big.Int).SetString(fields["amount"], 10); ok {
		ev.Payload.Amount = amount
	}
	if timeout, err := strconv.ParseUint(fields["timeout"], 10, 64); err == nil {
		ev.Payload.Timeout = timeout
	}
	return ev, nil
}

func toFields(ctx context.Context, cv *abi.ComponentValue) (map[string]string, error) {
	raw, err := serializer().SerializeJSONCtx(ctx, cv)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		switch tv := v.(type) {
		case string:
			out[k] = strings.ToLower(tv)
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out, nil
}

// Lookup calls swaps(bytes32) on the contract.
func (g *Gateway) Lookup(ctx context.Context, txnID string) (ledger.SwapState, error) {
	entry := g.abi.Functions()["swaps"]
	topic, err := TxnIDBytes32(txnID)
	if err != nil {
		return ledger.SwapState{}, fmt.Errorf("evm: %w", err)
	}
	data, err := entry.EncodeCallDataJSONCtx(ctx, []byte(fmt.Sprintf(`{"txnId":%q}`, topic)))
	if err != nil {
		return ledger.SwapState{}, fmt.Errorf("evm: encode swaps: %w", err)
	}
	var result ethtypes.HexBytes0xPrefix
	tx := map[string]any{"to": g.contract.String(), "data": ethtypes.HexBytes0xPrefix(data)}
	if err := g.call(ctx, &result, "eth_call", tx, "latest"); err != nil {
		return ledger.SwapState{}, err
	}
	cv, err := entry.Outputs.DecodeABIDataCtx(ctx, result, 0)
	if err != nil {
		return ledger.SwapState{}, fmt.Errorf("evm: decode swaps: %w", err)
	}
	fields, err := toFields(ctx, cv)
	if err != nil {
		return ledger.SwapState{}, fmt.Errorf("evm: decode swaps: %w", err)
	}
	status, _ := strconv.ParseUint(fields["status"], 10, 8)
	state := ledger.SwapState{
		Status:      ledger.SwapStatus(status),
		Depositor:   fields["depositor"],
		Beneficiary: fields["beneficiary"],
		SecretHash:  fields["secretHash"],
		Secret:      fields["secret"],
	}
	state.Exists = state.Status != ledger.SwapNone
	if amount, ok := new(big.Int).SetString(fields["amount"], 10); ok {
		state.Amount = amount
	}
	state.Timeout, _ = strconv.ParseUint(fields["timeout"], 10, 64)
	state.DepositHeight, _ = strconv.ParseUint(fields["depositHeight"], 10, 64)
	if state.Secret == ledger.EncodeHex(make([]byte, 32)) {
		state.Secret = ""
	}
	return state, nil
}

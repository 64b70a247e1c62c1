package stride

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/ledger/evm"
	"pkt.systems/stride/internal/ledger/sim"
	"pkt.systems/stride/internal/swap"
)

// LedgerSide selects the contract surface a ledger is opened with.
type LedgerSide int

// Ledger sides.
const (
	SourceLedger LedgerSide = iota
	DestinationLedger
)

func (s LedgerSide) String() string {
	if s == DestinationLedger {
		return "destination"
	}
	return "source"
}

// miners tracks which shared simulated ledgers already have a block producer
// in this process.
var miners sync.Map

// OpenLedger builds the gateway for lc and starts its background work (block
// production for simulated ledgers, the head subscription for EVM ones)
// bound to ctx. custodian is the beneficiary of source deposits on a
// simulated source ledger.
func OpenLedger(ctx context.Context, lc LedgerConfig, side LedgerSide, custodian string, clk clock.Clock, logger pslog.Logger) (ledger.Gateway, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	u, err := url.Parse(strings.TrimSpace(lc.URL))
	if err != nil {
		return nil, fmt.Errorf("%s ledger url: %w", side, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "sim":
		return openSim(ctx, u, lc, side, custodian, clk, logger)
	case "http", "https", "ws", "wss":
		return openEVM(ctx, u, lc, side, clk, logger)
	default:
		return nil, fmt.Errorf("%s ledger scheme %q not supported", side, u.Scheme)
	}
}

func openSim(ctx context.Context, u *url.URL, lc LedgerConfig, side LedgerSide, custodian string, clk clock.Clock, logger pslog.Logger) (ledger.Gateway, error) {
	name := u.Host
	if name == "" {
		name = side.String()
	}
	kind := sim.Source
	if side == DestinationLedger {
		kind = sim.Destination
	}
	l := sim.Shared(sim.Config{
		Name:          name,
		Kind:          kind,
		Custodian:     custodian,
		AutoMine:      queryBool(u.Query(), "automine"),
		LivenessBound: lc.LivenessBound,
		Clock:         clk,
		Logger:        logger,
	})
	if l.Kind() != kind {
		return nil, fmt.Errorf("sim ledger %q already opened as %s", name, l.Kind())
	}
	if lc.Fund != "" && lc.Address != "" && l.Balance(lc.Address).Sign() == 0 {
		amount, ok := parseAmount(lc.Fund)
		if !ok {
			return nil, fmt.Errorf("sim ledger %q: bad fund amount %q", name, lc.Fund)
		}
		l.Fund(lc.Address, amount)
	}
	if _, running := miners.LoadOrStore(name, struct{}{}); !running {
		go func() {
			defer miners.Delete(name)
			l.Run(ctx, lc.BlockInterval)
		}()
		logger.Info("ledger.sim.mining", "ledger", name, "interval", lc.BlockInterval)
	}
	return l, nil
}

func openEVM(ctx context.Context, u *url.URL, lc LedgerConfig, side LedgerSide, clk clock.Clock, logger pslog.Logger) (ledger.Gateway, error) {
	rpcURL := lc.URL
	heads := lc.HeadsURL
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		if heads == "" {
			heads = lc.URL
		}
		httpURL := *u
		httpURL.Scheme = strings.Replace(strings.ToLower(u.Scheme), "ws", "http", 1)
		rpcURL = httpURL.String()
	}
	kind := evm.Source
	if side == DestinationLedger {
		kind = evm.Destination
	}
	g, err := evm.New(evm.Config{
		Name:          side.String(),
		URL:           rpcURL,
		HeadsURL:      heads,
		Contract:      lc.Contract,
		Kind:          kind,
		ChainID:       lc.ChainID,
		GasLimit:      lc.GasLimit,
		LivenessBound: lc.LivenessBound,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	g.Start(ctx)
	return g, nil
}

// Sender returns the signing identity configured for lc.
func (lc LedgerConfig) Sender() ledger.Sender {
	return ledger.Sender{Address: lc.Address, PrivateKey: lc.PrivateKey}
}

// Leg opens lc and returns it as a swap leg.
func (lc LedgerConfig) Leg(ctx context.Context, side LedgerSide, custodian string, clk clock.Clock, logger pslog.Logger) (swap.Leg, error) {
	g, err := OpenLedger(ctx, lc, side, custodian, clk, logger)
	if err != nil {
		return swap.Leg{}, err
	}
	return swap.Leg{Gateway: g, BlockInterval: lc.BlockInterval, Sender: lc.Sender()}, nil
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

package stride

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/api"
	"pkt.systems/stride/client"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/rpc"
	"pkt.systems/stride/internal/storage"
	"pkt.systems/stride/internal/svcfields"
	"pkt.systems/stride/internal/swap"
)

// DefaultServer is the custodian request channel a user talks to by default.
const DefaultServer = "http://" + DefaultListen

// UserConfig configures the user side of swaps. The embedded Config supplies
// the ledgers (with the user's own accounts), the record store, the rate and
// the timing knobs; its server and Kafka settings are ignored.
type UserConfig struct {
	Config `yaml:",inline"`
	// Server is the custodian request channel base URL.
	Server string `yaml:"server"`
	// Custodian is the custodian's source address, used only to create a
	// simulated source ledger.
	Custodian      string        `yaml:"custodian,omitempty"`
	RequestTimeout time.Duration `yaml:"request-timeout,omitempty"`
}

// Validate fills defaults and rejects unusable settings.
func (c *UserConfig) Validate() error {
	if c.Server == "" {
		c.Server = DefaultServer
	}
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.Custodian != "" && !swap.ValidAddress(c.Custodian) {
		return fmt.Errorf("config: custodian address %q is not a 20 byte hex address", c.Custodian)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = client.DefaultTimeout
	}
	return nil
}

// User runs swaps as the requesting party.
type User struct {
	cfg     UserConfig
	user    *swap.User
	client  *client.Client
	records *record.Store
	backend storage.Backend
	cancel  context.CancelFunc
	logger  pslog.Logger
}

// UserOption configures NewUser.
type UserOption = Option

// NewUser opens the user's record store and ledgers and connects to the
// custodian. Ledger background work lives until Close. Server options
// WithLogger, WithBackend, WithClock and WithGateways apply.
func NewUser(cfg UserConfig, opts ...UserOption) (u *User, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Or(o.clock)
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	u = &User{cfg: cfg, cancel: cancel, logger: svcfields.WithSubsystem(logger, "user")}
	defer func() {
		if err != nil {
			_ = u.Close()
		}
	}()

	u.backend = o.backend
	if u.backend == nil {
		if u.backend, err = OpenStore(ctx, cfg.Config, logger, clk); err != nil {
			return nil, err
		}
	}
	crypto, err := OpenCrypto(cfg.Config)
	if err != nil {
		return nil, err
	}
	u.records = record.New(u.backend, record.WithCrypto(crypto), record.WithClock(clk), record.WithLogger(logger))

	source := swap.Leg{Gateway: o.source, BlockInterval: cfg.Source.BlockInterval, Sender: cfg.Source.Sender()}
	destination := swap.Leg{Gateway: o.destination, BlockInterval: cfg.Destination.BlockInterval, Sender: cfg.Destination.Sender()}
	if source.Gateway == nil {
		if source, err = cfg.Source.Leg(ctx, SourceLedger, cfg.Custodian, clk, logger); err != nil {
			return nil, err
		}
	}
	if destination.Gateway == nil {
		if destination, err = cfg.Destination.Leg(ctx, DestinationLedger, cfg.Custodian, clk, logger); err != nil {
			return nil, err
		}
	}

	if u.client, err = client.New(cfg.Server, client.WithTimeout(cfg.RequestTimeout), client.WithLogger(logger)); err != nil {
		return nil, err
	}
	rate, err := cfg.ParsedRate()
	if err != nil {
		return nil, err
	}
	u.user, err = swap.NewUser(swap.Config{
		Source:        source,
		Destination:   destination,
		Rate:          rate,
		TimeoutBlocks: cfg.TimeoutBlocks,
		PollInterval:  cfg.PollInterval,
		Retry:         cfg.SwapRetry(),
		Store:         u.records,
		Clock:         clk,
		Logger:        logger,
	}, ClientChannel(u.client))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Client returns the request channel client.
func (u *User) Client() *client.Client { return u.client }

// Swap requests a swap of amount source units and runs it to its final
// status. An empty userAddress receives on the user's destination account.
// A swap that ends parked is returned together with the error.
func (u *User) Swap(ctx context.Context, amount *big.Int, userAddress string) (api.Swap, error) {
	rec, err := u.user.Swap(ctx, swap.Request{SourceAmount: amount, UserAddress: userAddress})
	if rec == nil {
		return api.Swap{}, err
	}
	return rpc.SwapView(rec), err
}

// Recover resumes unfinished swaps and waits for them to settle or park.
func (u *User) Recover(ctx context.Context) (int, error) {
	n, err := u.user.Recover(ctx)
	u.user.Wait()
	return n, err
}

// Get returns the user's record of txnID.
func (u *User) Get(ctx context.Context, txnID string) (api.Swap, error) {
	rec, err := u.records.Get(ctx, record.RoleUser, txnID)
	if err != nil {
		return api.Swap{}, err
	}
	return rpc.SwapView(rec), nil
}

// List returns the user's records in creation order. A positive limit keeps
// only the first limit records.
func (u *User) List(ctx context.Context, activeOnly bool, limit int) ([]api.Swap, error) {
	recs, err := u.records.List(ctx, record.RoleUser, record.Filter{ActiveOnly: activeOnly, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]api.Swap, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rpc.SwapView(rec))
	}
	return out, nil
}

// Close stops ledger background work and closes the store.
func (u *User) Close() error {
	u.cancel()
	if u.user != nil {
		u.user.Wait()
	}
	if u.backend != nil {
		return u.backend.Close()
	}
	return nil
}

// ClientChannel adapts a request channel client to the swap engine.
func ClientChannel(c *client.Client) swap.Channel {
	return swap.ChannelFunc(func(ctx context.Context, req swap.Request) (swap.Accepted, error) {
		res, err := c.InitSwap(ctx, client.InitSwapRequest{SourceAmount: req.SourceAmount, UserAddress: req.UserAddress})
		if err != nil {
			var rpcErr *client.RPCError
			if errors.As(err, &rpcErr) {
				return swap.Accepted{}, &swap.RequestChannelError{Reason: rpcErr.Message, Err: err}
			}
			return swap.Accepted{}, err
		}
		return swap.Accepted{
			TxnID:             res.TxnID,
			SecretHash:        res.SecretHash,
			DestinationAmount: res.DestinationAmount,
			TimeoutInterval:   res.TimeoutInterval,
		}, nil
	})
}

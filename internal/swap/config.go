package swap

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/record"
)

// Defaults applied by Config.
const (
	DefaultTimeoutBlocks   = 10
	DefaultPollInterval    = time.Second
	DefaultRetryAttempts   = 5
	DefaultRetryBaseDelay  = 500 * time.Millisecond
	DefaultRetryMaxDelay   = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultRecoverInterval = time.Minute
)

// Leg is one side of the swap as seen by the local agent.
type Leg struct {
	Gateway ledger.Gateway
	// BlockInterval is the expected time between blocks, used to translate
	// the timeout between ledgers.
	BlockInterval time.Duration
	// Sender signs this agent's calls on the ledger.
	Sender ledger.Sender
}

// Retry bounds the backoff applied to ledger connectivity failures.
type Retry struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Config configures a Custodian or a User.
type Config struct {
	Source      Leg
	Destination Leg
	// Rate converts source units into destination units, rounded down.
	Rate decimal.Decimal
	// TimeoutBlocks is the swap timeout in source blocks.
	TimeoutBlocks uint64
	// PollInterval is passed to AwaitConfirmation and used between height
	// checks.
	PollInterval time.Duration
	Retry        Retry
	// RecoverInterval is how often the custodian rescans for parked swaps.
	// Zero disables the periodic pass.
	RecoverInterval time.Duration
	Store           *record.Store
	Clock           clock.Clock
	Logger          pslog.Logger
}

func (c *Config) normalize() error {
	if c.Source.Gateway == nil || c.Destination.Gateway == nil {
		return fmt.Errorf("swap: source and destination gateways required")
	}
	if c.Store == nil {
		return fmt.Errorf("swap: record store required")
	}
	if c.Rate.IsZero() {
		c.Rate = decimal.NewFromInt(1)
	}
	if c.Rate.IsNegative() {
		return fmt.Errorf("swap: negative rate %s", c.Rate)
	}
	if c.TimeoutBlocks == 0 {
		c.TimeoutBlocks = DefaultTimeoutBlocks
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = DefaultRetryAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = c.Retry.BaseDelay
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = DefaultRetryMultiplier
	}
	c.Clock = clock.Or(c.Clock)
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return nil
}

// DestinationTimeout is the timeout translated into destination blocks.
func (c Config) DestinationTimeout() uint64 {
	return ledger.Translate(c.TimeoutBlocks, c.Source.BlockInterval, c.Destination.BlockInterval)
}

// ConvertAmount applies rate to a source amount, rounding down. A result of
// zero is rejected.
func ConvertAmount(source *big.Int, rate decimal.Decimal) (*big.Int, error) {
	if source == nil || source.Sign() <= 0 {
		return nil, invalidf("source_amount must be positive")
	}
	out := decimal.NewFromBigInt(source, 0).Mul(rate).Floor().BigInt()
	if out.Sign() <= 0 {
		return nil, invalidf("source_amount %s converts to zero at rate %s", source, rate)
	}
	return out, nil
}

// ValidAddress reports whether s is a 0x prefixed 20 byte hex address.
func ValidAddress(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	raw, err := hex.DecodeString(s[2:])
	return err == nil && len(raw) == 20
}

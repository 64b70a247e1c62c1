package stride

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pkt.systems/stride/internal/rpc"
	"pkt.systems/stride/internal/swap"
)

const (
	// DefaultListen is where the request channel binds.
	DefaultListen = "127.0.0.1:9380"
	// DefaultStore keeps records in memory.
	DefaultStore = "mem://"
	// DefaultRate converts source units one to one.
	DefaultRate = "1"
	// DefaultBlockInterval is assumed for a ledger that does not set one.
	DefaultBlockInterval = 2 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryAttempts bounds retries of transient storage errors.
	DefaultStorageRetryAttempts = 6
	// DefaultStorageRetryBaseDelay is the first storage retry delay.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the storage retry delay.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultKafkaGroupID is the consumer group of the Kafka intake.
	DefaultKafkaGroupID = "stride-custodian"
	// DefaultKafkaRequestTopic carries init_swap requests.
	DefaultKafkaRequestTopic = "stride.requests"
	// DefaultKafkaReplyTopic carries init_swap responses.
	DefaultKafkaReplyTopic = "stride.replies"
	// DefaultConfigFileName is looked up in DefaultConfigDir when no config
	// file is named.
	DefaultConfigFileName = "config.yaml"
)

// LedgerConfig addresses one ledger and the account this process signs with
// on it.
type LedgerConfig struct {
	// URL is sim://<name> for an in-process simulated ledger, or the
	// http(s):// or ws(s):// JSON-RPC endpoint of an EVM node.
	URL string `yaml:"url"`
	// HeadsURL is an optional websocket endpoint for newHeads wakeups. A
	// ws(s):// URL implies it.
	HeadsURL string `yaml:"heads-url,omitempty"`
	// Contract is the hash-lock contract address (EVM only).
	Contract string `yaml:"contract,omitempty"`
	// ChainID is queried from the node when zero.
	ChainID int64 `yaml:"chain-id,omitempty"`
	// Address is the account this process acts as.
	Address string `yaml:"address"`
	// PrivateKey signs transactions locally. Empty means the node manages
	// the account (eth_sendTransaction).
	PrivateKey    string        `yaml:"private-key,omitempty"`
	BlockInterval time.Duration `yaml:"block-interval"`
	GasLimit      uint64        `yaml:"gas-limit,omitempty"`
	// LivenessBound is how long a confirmation may stay unobservable.
	LivenessBound time.Duration `yaml:"liveness-bound,omitempty"`
	// Fund credits Address on a simulated ledger whose balance is zero.
	Fund string `yaml:"fund,omitempty"`
}

// Scheme returns the lower-cased URL scheme.
func (l LedgerConfig) Scheme() string {
	u, err := url.Parse(strings.TrimSpace(l.URL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Simulated reports whether the ledger is an in-process simulation.
func (l LedgerConfig) Simulated() bool { return l.Scheme() == "sim" }

func (l *LedgerConfig) validate(name string) error {
	l.URL = strings.TrimSpace(l.URL)
	if l.URL == "" {
		return fmt.Errorf("config: %s ledger url required", name)
	}
	switch l.Scheme() {
	case "sim":
	case "http", "https", "ws", "wss":
		if strings.TrimSpace(l.Contract) == "" {
			return fmt.Errorf("config: %s ledger contract address required", name)
		}
	default:
		return fmt.Errorf("config: %s ledger scheme %q not supported (sim, http, https, ws, wss)", name, l.Scheme())
	}
	if l.Address != "" && !swap.ValidAddress(l.Address) {
		return fmt.Errorf("config: %s ledger address %q is not a 20 byte hex address", name, l.Address)
	}
	if l.BlockInterval == 0 {
		l.BlockInterval = DefaultBlockInterval
	} else if l.BlockInterval < 0 {
		return fmt.Errorf("config: %s ledger block interval must be positive", name)
	}
	if l.Fund != "" {
		if _, ok := parseAmount(l.Fund); !ok {
			return fmt.Errorf("config: %s ledger fund %q is not a positive integer", name, l.Fund)
		}
	}
	return nil
}

// Config configures a custodian server.
type Config struct {
	Listen string `yaml:"listen"`
	// Store is the record store URL: mem://, disk:///path,
	// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix] or
	// azure://account/container[/prefix].
	Store string `yaml:"store"`

	Source      LedgerConfig `yaml:"source"`
	Destination LedgerConfig `yaml:"destination"`

	// Rate is the decimal conversion from source to destination units.
	Rate string `yaml:"rate"`
	// TimeoutBlocks is the swap timeout in source blocks.
	TimeoutBlocks   uint64        `yaml:"timeout-blocks"`
	PollInterval    time.Duration `yaml:"poll-interval"`
	RecoverInterval time.Duration `yaml:"recover-interval"`
	RetryAttempts   int           `yaml:"retry-attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry-base-delay"`
	RetryMaxDelay   time.Duration `yaml:"retry-max-delay"`
	RetryMultiplier float64       `yaml:"retry-multiplier"`

	StorageRetryAttempts  int           `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay time.Duration `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay  time.Duration `yaml:"storage-retry-max-delay"`
	// KeyBundle enables record encryption with the kryptograf bundle at
	// this path. The bundle is minted on first use.
	KeyBundle               string `yaml:"key-bundle,omitempty"`
	StorageEncryptionSnappy bool   `yaml:"storage-encryption-snappy,omitempty"`

	S3AccessKeyID     string `yaml:"s3-access-key-id,omitempty"`
	S3SecretAccessKey string `yaml:"s3-secret-access-key,omitempty"`
	S3SessionToken    string `yaml:"s3-session-token,omitempty"`
	S3SSE             string `yaml:"s3-sse,omitempty"`
	S3KMSKeyID        string `yaml:"s3-kms-key-id,omitempty"`
	AWSRegion         string `yaml:"aws-region,omitempty"`
	AzureAccount      string `yaml:"azure-account,omitempty"`
	AzureAccountKey   string `yaml:"azure-account-key,omitempty"`
	AzureEndpoint     string `yaml:"azure-endpoint,omitempty"`
	AzureSASToken     string `yaml:"azure-sas-token,omitempty"`

	// KafkaBrokers enables the Kafka intake when set.
	KafkaBrokers      string `yaml:"kafka-brokers,omitempty"`
	KafkaGroupID      string `yaml:"kafka-group-id,omitempty"`
	KafkaRequestTopic string `yaml:"kafka-request-topic,omitempty"`
	KafkaReplyTopic   string `yaml:"kafka-reply-topic,omitempty"`
	// KafkaStatusTopic receives a status event per record transition.
	KafkaStatusTopic string            `yaml:"kafka-status-topic,omitempty"`
	KafkaExtra       map[string]string `yaml:"kafka-extra,omitempty"`

	MaxBodyBytes    int64         `yaml:"max-body-bytes"`
	HTTPTracing     bool          `yaml:"http-tracing,omitempty"`
	OTLPEndpoint    string        `yaml:"otlp-endpoint,omitempty"`
	MetricsListen   string        `yaml:"metrics-listen,omitempty"`
	PprofListen     string        `yaml:"pprof-listen,omitempty"`
	RuntimeMetrics  bool          `yaml:"runtime-metrics,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// DefaultConfig returns a Config with every default filled in and two
// simulated ledgers.
func DefaultConfig() Config {
	return Config{
		Listen:                DefaultListen,
		Store:                 DefaultStore,
		Source:                LedgerConfig{URL: "sim://source", BlockInterval: DefaultBlockInterval},
		Destination:           LedgerConfig{URL: "sim://destination", BlockInterval: DefaultBlockInterval},
		Rate:                  DefaultRate,
		TimeoutBlocks:         swap.DefaultTimeoutBlocks,
		PollInterval:          swap.DefaultPollInterval,
		RecoverInterval:       swap.DefaultRecoverInterval,
		RetryAttempts:         swap.DefaultRetryAttempts,
		RetryBaseDelay:        swap.DefaultRetryBaseDelay,
		RetryMaxDelay:         swap.DefaultRetryMaxDelay,
		RetryMultiplier:       swap.DefaultRetryMultiplier,
		StorageRetryAttempts:  DefaultStorageRetryAttempts,
		StorageRetryBaseDelay: DefaultStorageRetryBaseDelay,
		StorageRetryMaxDelay:  DefaultStorageRetryMaxDelay,
		MaxBodyBytes:          rpc.DefaultMaxBodyBytes,
		ShutdownTimeout:       DefaultShutdownTimeout,
	}
}

// DefaultConfigDir returns $STRIDE_CONFIG_DIR, or ~/.stride.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("STRIDE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stride"), nil
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Destination.validate("destination"); err != nil {
		return err
	}
	if c.Source.Address == "" || c.Destination.Address == "" {
		return fmt.Errorf("config: custodian address required on both ledgers")
	}
	if _, err := c.ParsedRate(); err != nil {
		return err
	}
	if c.TimeoutBlocks == 0 {
		c.TimeoutBlocks = swap.DefaultTimeoutBlocks
	}
	if c.PollInterval <= 0 {
		c.PollInterval = swap.DefaultPollInterval
	}
	if c.RecoverInterval < 0 {
		return fmt.Errorf("config: recover interval must be >= 0")
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = swap.DefaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = swap.DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = swap.DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay %s below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = swap.DefaultRetryMultiplier
	}
	if c.StorageRetryAttempts <= 0 {
		c.StorageRetryAttempts = DefaultStorageRetryAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageEncryptionSnappy && c.KeyBundle == "" {
		return fmt.Errorf("config: storage encryption snappy requires a key bundle")
	}
	if c.KafkaBrokers != "" {
		if c.KafkaGroupID == "" {
			c.KafkaGroupID = DefaultKafkaGroupID
		}
		if c.KafkaRequestTopic == "" {
			c.KafkaRequestTopic = DefaultKafkaRequestTopic
		}
		if c.KafkaReplyTopic == "" {
			c.KafkaReplyTopic = DefaultKafkaReplyTopic
		}
	} else if c.KafkaStatusTopic != "" {
		return fmt.Errorf("config: kafka status topic requires kafka brokers")
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = rpc.DefaultMaxBodyBytes
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// ParsedRate returns Rate as a decimal, defaulting to one.
func (c Config) ParsedRate() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Rate)
	if raw == "" {
		return decimal.NewFromInt(1), nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("config: rate %q: %w", raw, err)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("config: rate must be positive, got %s", rate)
	}
	return rate, nil
}

// SwapRetry returns the ledger retry policy.
func (c Config) SwapRetry() swap.Retry {
	return swap.Retry{
		Attempts:   c.RetryAttempts,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
		Multiplier: c.RetryMultiplier,
	}
}

// telemetry returns the observability part of c.
func (c Config) telemetry() telemetryConfig {
	return telemetryConfig{
		OTLPEndpoint:   c.OTLPEndpoint,
		MetricsListen:  c.MetricsListen,
		PprofListen:    c.PprofListen,
		RuntimeMetrics: c.RuntimeMetrics,
	}
}

package stride

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pkt.systems/stride/internal/rpc"
	"pkt.systems/stride/internal/swap"
)

const (
	testCustodian = "0x00000000000000000000000000000000000000c1"
	testUser      = "0x00000000000000000000000000000000000000a1"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Source.Address = testCustodian
	cfg.Destination.Address = testCustodian
	return cfg
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{
		Source:      LedgerConfig{URL: "sim://a", Address: testCustodian},
		Destination: LedgerConfig{URL: "sim://b", Address: testCustodian},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.Store != DefaultStore {
		t.Fatalf("unexpected listen/store defaults: %q %q", cfg.Listen, cfg.Store)
	}
	if cfg.TimeoutBlocks != swap.DefaultTimeoutBlocks {
		t.Fatalf("expected timeout default, got %d", cfg.TimeoutBlocks)
	}
	if cfg.Source.BlockInterval != DefaultBlockInterval || cfg.Destination.BlockInterval != DefaultBlockInterval {
		t.Fatalf("expected block interval defaults, got %s %s", cfg.Source.BlockInterval, cfg.Destination.BlockInterval)
	}
	if cfg.RetryAttempts != swap.DefaultRetryAttempts || cfg.RetryMultiplier != swap.DefaultRetryMultiplier {
		t.Fatalf("unexpected retry defaults: %+v", cfg.SwapRetry())
	}
	if cfg.StorageRetryAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMaxDelay <= 0 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.MaxBodyBytes != rpc.DefaultMaxBodyBytes {
		t.Fatalf("expected max body default, got %d", cfg.MaxBodyBytes)
	}
	if cfg.RecoverInterval != 0 {
		t.Fatalf("zero recover interval must stay disabled, got %s", cfg.RecoverInterval)
	}
	rate, err := cfg.ParsedRate()
	if err != nil || !rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected rate 1, got %s (%v)", rate, err)
	}
}

func TestConfigValidateKafkaDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.KafkaBrokers = "localhost:9092"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.KafkaGroupID != DefaultKafkaGroupID || cfg.KafkaRequestTopic != DefaultKafkaRequestTopic || cfg.KafkaReplyTopic != DefaultKafkaReplyTopic {
		t.Fatalf("unexpected kafka defaults: %q %q %q", cfg.KafkaGroupID, cfg.KafkaRequestTopic, cfg.KafkaReplyTopic)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing source url", func(c *Config) { c.Source.URL = "" }, "source ledger url required"},
		{"unknown scheme", func(c *Config) { c.Destination.URL = "ftp://x" }, "not supported"},
		{"evm without contract", func(c *Config) { c.Source.URL = "http://node:8545" }, "contract address required"},
		{"bad address", func(c *Config) { c.Source.Address = "0x1234" }, "20 byte hex"},
		{"missing address", func(c *Config) { c.Destination.Address = "" }, "custodian address required"},
		{"negative block interval", func(c *Config) { c.Source.BlockInterval = -time.Second }, "block interval"},
		{"bad fund", func(c *Config) { c.Destination.Fund = "1.5" }, "not a positive integer"},
		{"bad rate", func(c *Config) { c.Rate = "abc" }, "rate"},
		{"zero rate", func(c *Config) { c.Rate = "0" }, "rate must be positive"},
		{"negative recover", func(c *Config) { c.RecoverInterval = -time.Second }, "recover interval"},
		{"retry inverted", func(c *Config) { c.RetryBaseDelay = time.Minute; c.RetryMaxDelay = time.Second }, "retry max delay"},
		{"snappy without bundle", func(c *Config) { c.StorageEncryptionSnappy = true }, "key bundle"},
		{"status topic without brokers", func(c *Config) { c.KafkaStatusTopic = "events" }, "kafka brokers"},
		{"runtime metrics without listen", func(c *Config) { c.RuntimeMetrics = true }, "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err)
			}
		})
	}
}

func TestConfigRate(t *testing.T) {
	cfg := validConfig()
	cfg.Rate = "2.5"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	rate, err := cfg.ParsedRate()
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.String() != "2.5" {
		t.Fatalf("expected 2.5, got %s", rate)
	}
}

func TestLedgerConfigScheme(t *testing.T) {
	cases := map[string]bool{
		"sim://source":         true,
		"SIM://x":              true,
		"http://node:8545":     false,
		"wss://node:8546/path": false,
	}
	for raw, simulated := range cases {
		if got := (LedgerConfig{URL: raw}).Simulated(); got != simulated {
			t.Fatalf("%s: simulated=%v, want %v", raw, got, simulated)
		}
	}
}

func TestUserConfigValidate(t *testing.T) {
	cfg := UserConfig{Config: validConfig()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server != DefaultServer {
		t.Fatalf("expected default server, got %q", cfg.Server)
	}
	if cfg.RequestTimeout <= 0 {
		t.Fatal("expected request timeout default")
	}
	cfg.Custodian = "nope"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected custodian address error")
	}
}

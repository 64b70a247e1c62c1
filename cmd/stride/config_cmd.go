package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/stride"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stride configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.stride/" + stride.DefaultConfigFileName
	if dir, err := stride.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, stride.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default stride configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := stride.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, stride.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the flag names so a generated file reads back
// through viper unchanged. Durations are strings for readability.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	Store                   string  `yaml:"store"`
	KeyBundle               string  `yaml:"key-bundle"`
	StorageEncryptionSnappy bool    `yaml:"storage-encryption-snappy"`
	StorageRetryAttempts    int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	S3SSE                   string  `yaml:"s3-sse"`
	S3KMSKeyID              string  `yaml:"s3-kms-key-id"`
	AWSRegion               string  `yaml:"aws-region"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	Rate                    string  `yaml:"rate"`
	TimeoutBlocks           uint64  `yaml:"timeout-blocks"`
	PollInterval            string  `yaml:"poll-interval"`
	RecoverInterval         string  `yaml:"recover-interval"`
	RetryAttempts           int     `yaml:"retry-attempts"`
	RetryBaseDelay          string  `yaml:"retry-base-delay"`
	RetryMaxDelay           string  `yaml:"retry-max-delay"`
	RetryMultiplier         float64 `yaml:"retry-multiplier"`

	SourceURL                string `yaml:"source-url"`
	SourceContract           string `yaml:"source-contract"`
	SourceAddress            string `yaml:"source-address"`
	SourceBlockInterval      string `yaml:"source-block-interval"`
	DestinationURL           string `yaml:"destination-url"`
	DestinationContract      string `yaml:"destination-contract"`
	DestinationAddress       string `yaml:"destination-address"`
	DestinationBlockInterval string `yaml:"destination-block-interval"`

	Server            string `yaml:"server"`
	KafkaBrokers      string `yaml:"kafka-brokers"`
	KafkaGroupID      string `yaml:"kafka-group-id"`
	KafkaRequestTopic string `yaml:"kafka-request-topic"`
	KafkaReplyTopic   string `yaml:"kafka-reply-topic"`
	KafkaStatusTopic  string `yaml:"kafka-status-topic"`
	MaxBodyBytes      int64  `yaml:"max-body-bytes"`
	HTTPTracing       bool   `yaml:"http-tracing"`
	OTLPEndpoint      string `yaml:"otlp-endpoint"`
	MetricsListen     string `yaml:"metrics-listen"`
	PprofListen       string `yaml:"pprof-listen"`
	RuntimeMetrics    bool   `yaml:"runtime-metrics"`
	ShutdownTimeout   string `yaml:"shutdown-timeout"`
	LogLevel          string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := stride.DefaultConfig()
	defaults := configDefaults{
		Listen:                   cfg.Listen,
		Store:                    cfg.Store,
		StorageRetryAttempts:     cfg.StorageRetryAttempts,
		StorageRetryBaseDelay:    cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:     cfg.StorageRetryMaxDelay.String(),
		Rate:                     cfg.Rate,
		TimeoutBlocks:            cfg.TimeoutBlocks,
		PollInterval:             cfg.PollInterval.String(),
		RecoverInterval:          cfg.RecoverInterval.String(),
		RetryAttempts:            cfg.RetryAttempts,
		RetryBaseDelay:           cfg.RetryBaseDelay.String(),
		RetryMaxDelay:            cfg.RetryMaxDelay.String(),
		RetryMultiplier:          cfg.RetryMultiplier,
		SourceURL:                cfg.Source.URL,
		SourceBlockInterval:      cfg.Source.BlockInterval.String(),
		DestinationURL:           cfg.Destination.URL,
		DestinationBlockInterval: cfg.Destination.BlockInterval.String(),
		Server:                   stride.DefaultServer,
		KafkaGroupID:             stride.DefaultKafkaGroupID,
		KafkaRequestTopic:        stride.DefaultKafkaRequestTopic,
		KafkaReplyTopic:          stride.DefaultKafkaReplyTopic,
		MaxBodyBytes:             cfg.MaxBodyBytes,
		ShutdownTimeout:          cfg.ShutdownTimeout.String(),
		LogLevel:                 "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	return yaml.Marshal(defaults)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/stride"
	"pkt.systems/stride/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("STRIDE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "stride")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon rather
// than a subcommand. Daemon failures are logged, subcommand failures printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string, short bool) *pflag.Flag {
		if short {
			if f := root.Flags().ShorthandLookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().ShorthandLookup(name)
		}
		if f := root.Flags().Lookup(name); f != nil {
			return f
		}
		return root.PersistentFlags().Lookup(name)
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), false)
			if flag == nil {
				return !hasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookup(string(ch), true)
				if flag == nil {
					return !hasSubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 && i < len(args) {
						i++
					}
					break
				}
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// loadEnvFile applies a dotenv file to the process environment. Without an
// explicit path a missing ./.env is not an error. Variables already set win.
func loadEnvFile() error {
	path := strings.TrimSpace(viper.GetString("env-file"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	expanded, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand env file path %q: %w", path, err)
	}
	if err := godotenv.Load(expanded); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", expanded, err)
	}
	return nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := stride.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, stride.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// prepare loads the env file and the config file and returns the logger at
// the configured level. Every command that reads configuration calls it
// first.
func prepare(baseLogger pslog.Logger, subsystem string) (pslog.Logger, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, subsystem).Info("loaded config file", "path", configFile)
	}
	return logger, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stride",
		Short:         "stride is a hash time-locked cross-ledger swap custodian",
		SilenceErrors: true,
		Example: `
  # Custodian over two in-process simulated ledgers (development)
  stride --source-address 0x00000000000000000000000000000000000000c1 \
    --destination-address 0x00000000000000000000000000000000000000c1 \
    --destination-fund 1000000

  # Custodian over two EVM nodes, records on local disk
  STRIDE_SOURCE_URL=wss://source-node:8546 STRIDE_SOURCE_CONTRACT=0x... \
  STRIDE_DESTINATION_URL=https://dest-node:8545 STRIDE_DESTINATION_CONTRACT=0x... \
  stride --store disk:///var/lib/stride --key-bundle ~/.stride/records.pem

  # Records in MinIO (TLS on by default; append ?insecure=1 for HTTP)
  STRIDE_STORE=s3://localhost:9000/stride?insecure=1 STRIDE_S3_ACCESS_KEY_ID=minioadmin STRIDE_S3_SECRET_ACCESS_KEY=minioadmin stride

  # Accept init_swap requests from Kafka as well as HTTP
  stride --kafka-brokers localhost:9092 --kafka-status-topic stride.status
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger, err := prepare(baseLogger, "cli.root")
			if err != nil {
				return err
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to stride",
				"app", "stride",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			var cfg stride.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := stride.NewServer(cfg, stride.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			defer shutdown()
			go func() {
				<-ctx.Done()
				if err := shutdown(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.stride/"+stride.DefaultConfigFileName+")")
	persistentFlags.String("env-file", "", "dotenv file loaded before reading STRIDE_* variables (defaults to ./.env when present)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.StringP("server", "s", stride.DefaultServer, "custodian request channel URL used by swap and status")
	addStoreFlags(persistentFlags)
	addSwapFlags(persistentFlags)
	addLedgerFlags(persistentFlags, "source")
	addLedgerFlags(persistentFlags, "destination")

	flags := cmd.Flags()
	flags.String("listen", stride.DefaultListen, "request channel listen address")
	flags.Duration("recover-interval", 0, "rescan unfinished swaps this often (0 scans only at start)")
	flags.Int64("max-body-bytes", 0, "largest accepted request body (0 uses the default)")
	flags.Bool("http-tracing", false, "trace request channel calls with OpenTelemetry")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus scrape listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.Duration("shutdown-timeout", stride.DefaultShutdownTimeout, "graceful shutdown bound")
	flags.String("kafka-brokers", "", "Kafka bootstrap servers; enables the Kafka intake")
	flags.String("kafka-group-id", stride.DefaultKafkaGroupID, "Kafka consumer group")
	flags.String("kafka-request-topic", stride.DefaultKafkaRequestTopic, "topic carrying init_swap requests")
	flags.String("kafka-reply-topic", stride.DefaultKafkaReplyTopic, "topic receiving init_swap replies")
	flags.String("kafka-status-topic", "", "topic receiving one event per swap status change (empty disables)")
	flags.StringToString("kafka-extra", nil, "extra librdkafka properties (key=value,...)")

	viper.SetEnvPrefix("STRIDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, set := range []*pflag.FlagSet{persistentFlags, flags} {
		set.VisitAll(func(flag *pflag.Flag) {
			if err := viper.BindPFlag(flag.Name, flag); err != nil {
				panic(err)
			}
		})
	}

	cmd.AddCommand(newSwapCommand(baseLogger))
	cmd.AddCommand(newStatusCommand(baseLogger))
	cmd.AddCommand(newSimulateCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func addStoreFlags(flags *pflag.FlagSet) {
	flags.String("store", stride.DefaultStore, "record store URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("key-bundle", "", "kryptograf key bundle; enables record encryption and is minted when missing")
	flags.Bool("storage-encryption-snappy", false, "snappy-compress records before encryption")
	flags.Int("storage-retry-attempts", stride.DefaultStorageRetryAttempts, "attempts for transient storage errors")
	flags.Duration("storage-retry-base-delay", stride.DefaultStorageRetryBaseDelay, "first storage retry delay")
	flags.Duration("storage-retry-max-delay", stride.DefaultStorageRetryMaxDelay, "storage retry delay cap")
	flags.String("s3-access-key-id", "", "S3 access key (falls back to STRIDE_S3_ACCESS_KEY_ID, then the provider chain)")
	flags.String("s3-secret-access-key", "", "S3 secret key")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("s3-sse", "", "S3 server-side encryption (AES256, aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key for aws:kms server-side encryption")
	flags.String("aws-region", "", "AWS region for aws:// stores (falls back to AWS_REGION)")
	flags.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	flags.String("azure-account-key", "", "Azure shared key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")
}

func addSwapFlags(flags *pflag.FlagSet) {
	flags.String("rate", stride.DefaultRate, "destination units paid per source unit (decimal)")
	flags.Uint64("timeout-blocks", 0, "swap timeout in source blocks (0 uses the default)")
	flags.Duration("poll-interval", 0, "confirmation and event poll interval (0 uses the default)")
	flags.Int("retry-attempts", 0, "ledger submission attempts before a swap parks (0 uses the default)")
	flags.Duration("retry-base-delay", 0, "first ledger retry delay (0 uses the default)")
	flags.Duration("retry-max-delay", 0, "ledger retry delay cap (0 uses the default)")
	flags.Float64("retry-multiplier", 0, "ledger retry backoff multiplier (0 uses the default)")
}

func addLedgerFlags(flags *pflag.FlagSet, side string) {
	flags.String(side+"-url", "sim://"+side, side+" ledger URL (sim://name, http(s)://node, ws(s)://node)")
	flags.String(side+"-heads-url", "", side+" ledger websocket for new block heads")
	flags.String(side+"-contract", "", side+" hash-lock contract address (EVM)")
	flags.Int64(side+"-chain-id", 0, side+" chain id (0 asks the node)")
	flags.String(side+"-address", "", "account this process acts as on the "+side+" ledger")
	flags.String(side+"-private-key", "", side+" signing key (empty lets the node sign)")
	flags.Duration(side+"-block-interval", stride.DefaultBlockInterval, side+" ledger block interval")
	flags.Uint64(side+"-gas-limit", 0, side+" gas limit (0 estimates)")
	flags.Duration(side+"-liveness-bound", 0, "how long a "+side+" confirmation may stay unobservable")
	flags.String(side+"-fund", "", "credit the "+side+" address on a simulated ledger whose balance is zero")
}

func bindLedger(side string) stride.LedgerConfig {
	return stride.LedgerConfig{
		URL:           strings.TrimSpace(viper.GetString(side + "-url")),
		HeadsURL:      strings.TrimSpace(viper.GetString(side + "-heads-url")),
		Contract:      strings.TrimSpace(viper.GetString(side + "-contract")),
		ChainID:       viper.GetInt64(side + "-chain-id"),
		Address:       strings.TrimSpace(viper.GetString(side + "-address")),
		PrivateKey:    strings.TrimSpace(viper.GetString(side + "-private-key")),
		BlockInterval: viper.GetDuration(side + "-block-interval"),
		GasLimit:      viper.GetUint64(side + "-gas-limit"),
		LivenessBound: viper.GetDuration(side + "-liveness-bound"),
		Fund:          strings.TrimSpace(viper.GetString(side + "-fund")),
	}
}

func bindConfig(cfg *stride.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.Source = bindLedger("source")
	cfg.Destination = bindLedger("destination")
	cfg.Rate = strings.TrimSpace(viper.GetString("rate"))
	cfg.TimeoutBlocks = viper.GetUint64("timeout-blocks")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.RecoverInterval = viper.GetDuration("recover-interval")
	cfg.RetryAttempts = viper.GetInt("retry-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = viper.GetFloat64("retry-multiplier")
	if err := bindStore(cfg); err != nil {
		return err
	}
	cfg.KafkaBrokers = strings.TrimSpace(viper.GetString("kafka-brokers"))
	cfg.KafkaGroupID = viper.GetString("kafka-group-id")
	cfg.KafkaRequestTopic = viper.GetString("kafka-request-topic")
	cfg.KafkaReplyTopic = viper.GetString("kafka-reply-topic")
	cfg.KafkaStatusTopic = viper.GetString("kafka-status-topic")
	if extra := viper.GetStringMapString("kafka-extra"); len(extra) > 0 {
		cfg.KafkaExtra = extra
	}
	cfg.MaxBodyBytes = viper.GetInt64("max-body-bytes")
	cfg.HTTPTracing = viper.GetBool("http-tracing")
	cfg.OTLPEndpoint = strings.TrimSpace(viper.GetString("otlp-endpoint"))
	cfg.MetricsListen = strings.TrimSpace(viper.GetString("metrics-listen"))
	cfg.PprofListen = strings.TrimSpace(viper.GetString("pprof-listen"))
	cfg.RuntimeMetrics = viper.GetBool("runtime-metrics")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return cfg.Validate()
}

// bindStore fills the record store settings only. status --local uses it
// without the ledger settings a full Config requires.
func bindStore(cfg *stride.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.StorageRetryAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	keyBundle, err := expandPath(strings.TrimSpace(viper.GetString("key-bundle")))
	if err != nil {
		return fmt.Errorf("expand key-bundle: %w", err)
	}
	cfg.KeyBundle = keyBundle
	cfg.StorageEncryptionSnappy = viper.GetBool("storage-encryption-snappy")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-account-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	return nil
}

func bindUserConfig(cfg *stride.UserConfig) error {
	cfg.Server = strings.TrimSpace(viper.GetString("server"))
	cfg.Custodian = strings.TrimSpace(viper.GetString("custodian"))
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	if err := bindConfig(&cfg.Config); err != nil {
		return err
	}
	return cfg.Validate()
}

package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/stride"
	"pkt.systems/stride/api"
	"pkt.systems/stride/client"
	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/ledger/sim"
	"pkt.systems/stride/internal/svcfields"
)

const (
	simCustodian = "0x00000000000000000000000000000000000000c1"
	simUser      = "0x00000000000000000000000000000000000000a1"
	simFunds     = "1000000000000"
)

// simScenario is one scripted run. inject arms faults on the fresh ledgers
// before the user asks for the swap.
type simScenario struct {
	name   string
	about  string
	inject func(src, dst *sim.Ledger, cfg stride.Config)
}

var simScenarios = []simScenario{
	{
		name:  "claim",
		about: "both parties follow the protocol; both end claimed",
	},
	{
		name:  "user-no-deposit",
		about: "the user never deposits; the custodian reclaims its destination deposit",
		inject: func(src, _ *sim.Ledger, _ stride.Config) {
			src.FailSubmissions(ledger.MethodDeposit, 1<<30)
		},
	},
	{
		name:  "custodian-no-ack",
		about: "the custodian cannot acknowledge in time; the user reclaims its source deposit",
		inject: func(src, _ *sim.Ledger, cfg stride.Config) {
			src.FailSubmissions(ledger.MethodAcknowledge, cfg.RetryAttempts)
		},
	},
}

type simResult struct {
	Scenario  string   `json:"scenario"`
	User      api.Swap `json:"user"`
	Custodian api.Swap `json:"custodian"`
	UserError string   `json:"user_error,omitempty"`
	Elapsed   string   `json:"elapsed"`
}

func newSimulateCommand(baseLogger pslog.Logger) *cobra.Command {
	var names []string
	var amount string
	var blockInterval time.Duration
	var timeoutBlocks uint64
	var deadline time.Duration
	var output string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run custodian and user in-process against simulated ledgers",
		Long: `simulate starts a custodian and a user inside this process over fresh
simulated ledgers, runs each selected scenario to its final status and prints
both parties' outcomes. Store, rate and retry flags apply to both parties;
ledger URLs and addresses are chosen by the simulation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
			if !ok || value.Sign() <= 0 {
				return fmt.Errorf("--amount must be a positive integer, got %q", amount)
			}
			selected, err := selectScenarios(names)
			if err != nil {
				return err
			}
			logger, err := prepare(baseLogger, "cli.simulate")
			if err != nil {
				return err
			}
			base := stride.DefaultConfig()
			base.Rate = strings.TrimSpace(viper.GetString("rate"))
			base.RetryAttempts = viper.GetInt("retry-attempts")
			base.RetryBaseDelay = viper.GetDuration("retry-base-delay")
			base.RetryMaxDelay = viper.GetDuration("retry-max-delay")
			base.RetryMultiplier = viper.GetFloat64("retry-multiplier")
			if err := bindStore(&base); err != nil {
				return err
			}
			base.PollInterval = viper.GetDuration("poll-interval")
			if base.PollInterval <= 0 {
				base.PollInterval = blockInterval / 2
			}
			base.TimeoutBlocks = timeoutBlocks
			base.Source.BlockInterval = blockInterval
			base.Destination.BlockInterval = blockInterval

			results := make([]simResult, 0, len(selected))
			for _, sc := range selected {
				ctx, cancel := context.WithTimeout(cmd.Context(), deadline)
				res, err := runScenario(ctx, sc, base, value, svcfields.WithSubsystem(logger, "cli.simulate"))
				cancel()
				if err != nil {
					return fmt.Errorf("scenario %s: %w", sc.name, err)
				}
				results = append(results, res)
			}
			return renderSimResults(cmd.OutOrStdout(), mode, results)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&names, "scenario", nil, "scenarios to run (claim, user-no-deposit, custodian-no-ack; default all)")
	flags.StringVar(&amount, "amount", "100", "source units swapped in each scenario")
	flags.DurationVar(&blockInterval, "block-interval", 50*time.Millisecond, "simulated block interval on both ledgers")
	flags.Uint64Var(&timeoutBlocks, "timeout-blocks", 20, "swap timeout in source blocks")
	flags.DurationVar(&deadline, "deadline", 2*time.Minute, "give up on a scenario after this long")
	flags.StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func selectScenarios(names []string) ([]simScenario, error) {
	if len(names) == 0 {
		return simScenarios, nil
	}
	out := make([]simScenario, 0, len(names))
	for _, name := range names {
		found := false
		for _, sc := range simScenarios {
			if sc.name == strings.TrimSpace(name) {
				out = append(out, sc)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
	}
	return out, nil
}

func runScenario(ctx context.Context, sc simScenario, base stride.Config, amount *big.Int, logger pslog.Logger) (simResult, error) {
	started := time.Now()
	res := simResult{Scenario: sc.name}
	id := xid.New().String()
	srcName, dstName := "sim-"+sc.name+"-src-"+id, "sim-"+sc.name+"-dst-"+id
	defer sim.Forget(srcName)
	defer sim.Forget(dstName)

	cfg := base
	cfg.Listen = "127.0.0.1:0"
	cfg.Source.URL = "sim://" + srcName
	cfg.Source.Address = simCustodian
	cfg.Destination.URL = "sim://" + dstName
	cfg.Destination.Address = simCustodian
	cfg.Destination.Fund = simFunds
	if err := cfg.Validate(); err != nil {
		return res, err
	}
	// The custodian rescans after both refund windows of a stalled swap.
	cfg.RecoverInterval = time.Duration(4*cfg.TimeoutBlocks) * cfg.Source.BlockInterval

	srv, stop, err := stride.StartServer(ctx, cfg, stride.WithLogger(logger))
	if err != nil {
		return res, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = stop(shutdownCtx)
	}()
	baseURL := "http://" + srv.ListenerAddr().String()

	if sc.inject != nil {
		sc.inject(sim.Shared(sim.Config{Name: srcName}), sim.Shared(sim.Config{Name: dstName}), cfg)
	}

	ucfg := stride.UserConfig{Config: cfg, Server: baseURL, Custodian: simCustodian}
	ucfg.Source.Address = simUser
	ucfg.Source.Fund = simFunds
	ucfg.Destination.Address = simUser
	ucfg.Destination.Fund = ""
	user, err := stride.NewUser(ucfg, stride.WithLogger(logger))
	if err != nil {
		return res, err
	}
	defer user.Close()

	logger.Info("simulate.scenario.start", "scenario", sc.name, "about", sc.about)
	res.User, err = user.Swap(ctx, amount, "")
	if err != nil {
		if res.User.TxnID == "" {
			return res, err
		}
		res.UserError = err.Error()
	}
	res.Custodian, err = awaitCustodian(ctx, user.Client(), res.User.TxnID, cfg.PollInterval)
	if err != nil {
		return res, err
	}
	res.Elapsed = time.Since(started).Round(time.Millisecond).String()
	logger.Info("simulate.scenario.done", "scenario", sc.name, "user", formatStatus(res.User), "custodian", formatStatus(res.Custodian))
	return res, nil
}

// awaitCustodian polls the custodian's view of txnID until it is terminal.
func awaitCustodian(ctx context.Context, cli *client.Client, txnID string, interval time.Duration) (api.Swap, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := cli.GetSwap(ctx, txnID)
		if err == nil && view.Terminal {
			return *view, nil
		}
		if err != nil && !client.IsNotFound(err) && ctx.Err() == nil {
			return api.Swap{}, err
		}
		select {
		case <-ctx.Done():
			if view != nil {
				return *view, fmt.Errorf("custodian still at %s: %w", formatStatus(*view), ctx.Err())
			}
			return api.Swap{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func renderSimResults(out io.Writer, mode outputMode, results []simResult) error {
	if mode == outputJSON {
		return writeJSON(out, results)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tTXN_ID\tUSER\tCUSTODIAN\tELAPSED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Scenario, r.User.TxnID, formatStatus(r.User), formatStatus(r.Custodian), r.Elapsed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, r := range results {
		if r.UserError != "" {
			fmt.Fprintf(out, "%s: user stopped with: %s\n", r.Scenario, r.UserError)
		}
	}
	return nil
}

package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/stride"
	"pkt.systems/stride/client"
	"pkt.systems/stride/internal/svcfields"
)

func newSwapCommand(baseLogger pslog.Logger) *cobra.Command {
	var amount string
	var to string
	var recoverOnly bool
	var output string
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Request a swap from the custodian and run it to completion",
		Long: `swap acts as the user: it asks the custodian for a swap, waits for the
destination deposit, deposits on the source ledger and claims with the revealed
secret. The --source-* and --destination-* flags name the user's own accounts.
With --recover it resumes unfinished swaps from the user's record store instead.`,
		Example: `
  stride swap --server http://custodian:9380 --amount 1500 \
    --source-url wss://source-node:8546 --source-contract 0x... --source-address 0x... --source-private-key 0x... \
    --destination-url https://dest-node:8545 --destination-contract 0x... --destination-address 0x...
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			logger, err := prepare(baseLogger, "cli.swap")
			if err != nil {
				return err
			}
			var value *big.Int
			if !recoverOnly {
				v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
				if !ok || v.Sign() <= 0 {
					return fmt.Errorf("--amount must be a positive integer, got %q", amount)
				}
				value = v
			}
			var cfg stride.UserConfig
			if err := bindUserConfig(&cfg); err != nil {
				return err
			}
			user, err := stride.NewUser(cfg, stride.WithLogger(logger))
			if err != nil {
				return err
			}
			defer user.Close()
			cliLogger := svcfields.WithSubsystem(logger, "cli.swap")

			ctx := cmd.Context()
			if recoverOnly {
				n, err := user.Recover(ctx)
				if err != nil {
					return err
				}
				cliLogger.Info("swap.recover.done", "resumed", n)
				recs, err := user.List(ctx, false, 0)
				if err != nil {
					return err
				}
				return renderSwaps(cmd.OutOrStdout(), mode, recs)
			}

			cliLogger.Info("swap.request", "server", cfg.Server, "amount", value.String())
			final, err := user.Swap(ctx, value, strings.TrimSpace(to))
			if final.TxnID != "" {
				if rerr := renderSwap(cmd.OutOrStdout(), mode, final); rerr != nil {
					return rerr
				}
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&amount, "amount", "", "source units to swap")
	flags.StringVar(&to, "to", "", "destination address to receive on (defaults to --destination-address)")
	flags.BoolVar(&recoverOnly, "recover", false, "resume unfinished swaps instead of requesting a new one")
	flags.StringVar(&output, "output", string(outputText), "output format (text|json)")
	flags.String("custodian", "", "custodian source address (only needed for a simulated source ledger)")
	flags.Duration("request-timeout", client.DefaultTimeout, "request channel timeout")
	for _, name := range []string{"custodian", "request-timeout"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

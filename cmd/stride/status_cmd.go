package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/stride"
	"pkt.systems/stride/api"
	"pkt.systems/stride/client"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/rpc"
	"pkt.systems/stride/internal/storage"
	"pkt.systems/stride/internal/svcfields"
)

// fetchFunc returns the swaps a status view shows.
type fetchFunc func(ctx context.Context) ([]api.Swap, error)

type statusOptions struct {
	txnID      string
	follow     bool
	activeOnly bool
	limit      int
	interval   time.Duration
	mode       outputMode
}

func newStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	var opts statusOptions
	var local bool
	var role string
	var output string
	cmd := &cobra.Command{
		Use:   "status [txn_id]",
		Short: "Show swaps known to the custodian, or to the local record store",
		Long: `status queries the custodian's swap views over the request channel. With
--local it reads the record store named by --store instead, which is how a user
inspects its own swaps. --follow keeps printing status changes; a single swap is
followed until it reaches a final status.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			opts.mode = mode
			if len(args) == 1 {
				opts.txnID = args[0]
			}
			if opts.interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			logger, err := prepare(baseLogger, "cli.status")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var fetch fetchFunc
			var wake <-chan struct{}
			if local {
				r := record.Role(role)
				if r != record.RoleUser && r != record.RoleCustodian {
					return fmt.Errorf("--role must be %s or %s, got %q", record.RoleUser, record.RoleCustodian, role)
				}
				cfg := stride.DefaultConfig()
				if err := bindStore(&cfg); err != nil {
					return err
				}
				backend, err := stride.OpenStore(ctx, cfg, logger, nil)
				if err != nil {
					return err
				}
				defer backend.Close()
				crypto, err := stride.OpenCrypto(cfg)
				if err != nil {
					return err
				}
				store := record.New(backend, record.WithCrypto(crypto), record.WithLogger(logger))
				fetch = localFetch(store, r, opts)
				if opts.follow {
					sub, err := store.Watch(r)
					switch {
					case err == nil:
						defer sub.Close()
						wake = sub.Events()
					case !errors.Is(err, storage.ErrNotImplemented):
						return err
					}
				}
			} else {
				cli, err := client.New(viper.GetString("server"), client.WithLogger(svcfields.WithSubsystem(logger, "cli.status")))
				if err != nil {
					return err
				}
				fetch = remoteFetch(cli, opts)
			}
			if !opts.follow {
				return showOnce(ctx, cmd.OutOrStdout(), fetch, opts)
			}
			return followStatus(ctx, cmd.OutOrStdout(), fetch, wake, opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&opts.follow, "follow", "f", false, "keep printing status changes")
	flags.BoolVar(&opts.activeOnly, "active", false, "list only swaps that have not reached a final status")
	flags.IntVar(&opts.limit, "limit", 0, "list at most this many swaps (0 lists all)")
	flags.DurationVar(&opts.interval, "interval", time.Second, "poll interval while following")
	flags.BoolVar(&local, "local", false, "read the record store instead of asking the custodian")
	flags.StringVar(&role, "role", string(record.RoleUser), "record role read with --local (user|custodian)")
	flags.StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func remoteFetch(cli *client.Client, opts statusOptions) fetchFunc {
	if opts.txnID != "" {
		return func(ctx context.Context) ([]api.Swap, error) {
			s, err := cli.GetSwap(ctx, opts.txnID)
			if err != nil {
				if client.IsNotFound(err) {
					return nil, fmt.Errorf("swap %s not found", opts.txnID)
				}
				return nil, err
			}
			return []api.Swap{*s}, nil
		}
	}
	return func(ctx context.Context) ([]api.Swap, error) {
		return cli.ListSwaps(ctx, client.ListOptions{ActiveOnly: opts.activeOnly, Limit: opts.limit})
	}
}

func localFetch(store *record.Store, role record.Role, opts statusOptions) fetchFunc {
	if opts.txnID != "" {
		return func(ctx context.Context) ([]api.Swap, error) {
			rec, err := store.Get(ctx, role, opts.txnID)
			if err != nil {
				if errors.Is(err, record.ErrNotFound) {
					return nil, fmt.Errorf("swap %s not found", opts.txnID)
				}
				return nil, err
			}
			return []api.Swap{rpc.SwapView(rec)}, nil
		}
	}
	return func(ctx context.Context) ([]api.Swap, error) {
		recs, err := store.List(ctx, role, record.Filter{ActiveOnly: opts.activeOnly, Limit: opts.limit})
		if err != nil {
			return nil, err
		}
		out := make([]api.Swap, 0, len(recs))
		for _, rec := range recs {
			out = append(out, rpc.SwapView(rec))
		}
		return out, nil
	}
}

func showOnce(ctx context.Context, out io.Writer, fetch fetchFunc, opts statusOptions) error {
	swaps, err := fetch(ctx)
	if err != nil {
		return err
	}
	if opts.txnID != "" {
		return renderSwap(out, opts.mode, swaps[0])
	}
	return renderSwaps(out, opts.mode, swaps)
}

// followStatus prints one line per observed status change. It polls every
// opts.interval and additionally whenever wake fires. Following a single
// swap ends when it turns terminal; following a list ends with ctx.
func followStatus(ctx context.Context, out io.Writer, fetch fetchFunc, wake <-chan struct{}, opts statusOptions) error {
	seen := make(map[string]string)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		swaps, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, s := range swaps {
			key := formatStatus(s)
			if seen[s.TxnID] == key {
				continue
			}
			seen[s.TxnID] = key
			if err := renderChange(out, opts.mode, s); err != nil {
				return err
			}
		}
		if opts.txnID != "" && len(swaps) == 1 && swaps[0].Terminal {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

func renderChange(out io.Writer, mode outputMode, s api.Swap) error {
	if mode == outputJSON {
		return writeJSON(out, s)
	}
	line := fmt.Sprintf("%s  %s  %s", s.UpdatedAt.UTC().Format(time.RFC3339), s.TxnID, formatStatus(s))
	if s.LastError != "" {
		line += "  last_error=" + s.LastError
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

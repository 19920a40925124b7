package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/config"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/fleet"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/keys"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/ledger"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/logging"
	"github.com/okx/xlayer-toolkit/tools/sweeper/packages/monitor"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Sweep native balances from a set of accounts to one destination",
		Long: `Watches the native balance of every account in the key file and, once it
reaches the threshold, transfers everything except the fee to the destination.

Settings come from flags, SWEEPER_* environment variables (e.g. SWEEPER_RPC,
SWEEPER_LOG_LEVEL) or a config file given with -f.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.Flags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		runCmd(),
		checkCmd(),
		addressesCmd(),
	)
	return rootCmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor every account and sweep until interrupted",
		Long: `Monitor every account in the key file and sweep balances above the threshold.
Runs until SIGINT or SIGTERM.

Example:
  sweeper run --keys ./private-keys.txt --rpc https://mainnet.storyrpc.io`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			client, ids, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			logger.Info("Connected to node", "chainID", client.ChainID(), "destination", cfg.Destination,
				"threshold", cfg.Threshold, "interval", cfg.Interval)

			return fleet.New(cfg.Monitor(client.Signer()), client, ids, logger,
				fleet.WithStatsInterval(cfg.StatsInterval)).Run(ctx)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one cycle per account without submitting anything",
		Long: `Query every account once and print what a sweep would do. Transfers are
built and signed but never sent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			client, ids, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			mcfg := cfg.Monitor(client.Signer())
			mcfg.DryRun = true
			out := cmd.OutOrStdout()
			failed := 0
			fleet.New(mcfg, client, ids, logger).Cycle(ctx, func(m *monitor.Monitor, res monitor.Outcome, err error) {
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s error: %v\n", m.Address().Hex(), err)
					return
				}
				if res.Amount == nil {
					fmt.Fprintf(out, "%s balance=%s skip reason=%s\n", m.Address().Hex(), res.Balance.Dec(), res.Reason)
					return
				}
				fmt.Fprintf(out, "%s balance=%s sweep amount=%s nonce=%d gasPrice=%s gas=%d tx=%s\n",
					m.Address().Hex(), res.Balance.Dec(), res.Amount.Dec(), res.Nonce,
					res.Fee.GasPrice.Dec(), res.Fee.GasLimit, res.TxHash.Hex())
			})
			if failed > 0 {
				return fmt.Errorf("%d of %d accounts failed", failed, len(ids))
			}
			return ctx.Err()
		},
	}
}

func addressesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addresses",
		Short: "Print the address of every key in the key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ids, err := keys.LoadFile(cfg.Keys)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id.Address().Hex())
				id.Destroy()
			}
			return nil
		},
	}
}

// setup resolves the configuration and installs the logger.
func setup(cmd *cobra.Command) (*config.Config, log.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cmd.OutOrStdout(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// connect loads the keys and dials the node. The caller owns both results.
func connect(ctx context.Context, cfg *config.Config) (*ledger.Client, []*keys.Identity, error) {
	ids, err := keys.LoadFile(cfg.Keys)
	if err != nil {
		return nil, nil, err
	}
	client, err := ledger.Dial(ctx, cfg.Ledger())
	if err != nil {
		for _, id := range ids {
			id.Destroy()
		}
		return nil, nil, err
	}
	return client, ids, nil
}

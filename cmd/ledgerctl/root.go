package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/congo-pay/walletledger/internal/app"
	"github.com/congo-pay/walletledger/internal/balance"
	"github.com/congo-pay/walletledger/internal/config"
	"github.com/congo-pay/walletledger/internal/events"
	"github.com/congo-pay/walletledger/internal/infra"
	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/wallet"
)

// errMismatch makes verify exit non-zero when any account disagrees.
var errMismatch = errors.New("balance verification failed")

// builder wires the ledger components a command runs against.
type builder func(ctx context.Context) (*app.App, func(), error)

func defaultBuilder(cfg config.Config, logger *slog.Logger) builder {
	return func(ctx context.Context) (*app.App, func(), error) {
		return app.New(ctx, cfg, logger)
	}
}

func newRootCmd(cfg config.Config, build builder) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "ledgerctl administers the wallet ledger",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newProvisionCmd(build))
	root.AddCommand(newTopUpCmd(build))
	root.AddCommand(newVerifyCmd(build))
	root.AddCommand(newCloseCmd(build))
	root.AddCommand(newHistoryCmd(build))
	return root
}

func newMigrateCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := infra.NewPostgresPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := infra.Migrate(pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

type provisionFlags struct {
	currency       string
	allowOverdraft bool
	overdraftLimit int64
}

func newProvisionCmd(build builder) *cobra.Command {
	flags := &provisionFlags{}
	cmd := &cobra.Command{
		Use:   "provision <account-id>",
		Short: "Open a wallet account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			w, created, err := a.Wallets.Provision(cmd.Context(), wallet.ProvisionInput{
				AccountID: args[0],
				Currency:  flags.currency,
				Overdraft: ledger.Overdraft{Allowed: flags.allowOverdraft, Limit: flags.overdraftLimit},
			})
			if err != nil {
				return fmt.Errorf("provision %s: %w", args[0], err)
			}
			state := "exists"
			if created {
				state = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s)\n", state, w.AccountID, w.Currency, w.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.currency, "currency", "", "ISO currency code (defaults to DEFAULT_CURRENCY)")
	cmd.Flags().BoolVar(&flags.allowOverdraft, "allow-overdraft", false, "let the balance go negative")
	cmd.Flags().Int64Var(&flags.overdraftLimit, "overdraft-limit", 0, "maximum negative balance in minor units, 0 for unbounded")
	return cmd
}

func newTopUpCmd(build builder) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "topup <account-id> <amount>",
		Short: "Fund a wallet from the treasury, amount in minor units",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			if key == "" {
				key = "ledgerctl-topup-" + uuid.NewString()
			}
			a, cleanup, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := a.Wallets.TopUp(cmd.Context(), args[0], amount, key)
			if err != nil {
				return fmt.Errorf("top up %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "movement %s (key %s, replayed=%v)\n", res.MovementID, key, res.Replayed)
			for _, b := range res.NewBalances {
				fmt.Fprintf(out, "  %s balance %s %s (seq %d)\n",
					b.AccountID, events.Major(b.Amount, b.Currency), b.Currency, b.Seq)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "idempotency-key", "", "key making the top-up safe to retry")
	return cmd
}

func newVerifyCmd(build builder) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify [account-id...]",
		Short: "Re-derive balances from entries and compare them with snapshots and the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name at least one account or pass --all")
			}
			a, cleanup, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			ids := args
			if all {
				accounts, err := a.Store.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				ids = ids[:0:0]
				for _, acc := range accounts {
					ids = append(ids, acc.ID)
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tVERSION\tFOLDED\tSNAPSHOT\tCACHED\tRESULT")
			failed := 0
			for _, id := range ids {
				report, err := a.Projector.Verify(cmd.Context(), id)
				if err != nil {
					tw.Flush()
					return fmt.Errorf("verify %s: %w", id, err)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
					id, report.Version, report.Folded, report.Snapshot, cachedColumn(report), resultColumn(report))
				if !report.Consistent() {
					failed++
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d accounts", errMismatch, failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every account")
	return cmd
}

func newCloseCmd(build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "close <account-id>",
		Short: "Close an empty wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			w, err := a.Wallets.Close(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("close %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", w.AccountID, w.Status)
			return nil
		},
	}
}

func newHistoryCmd(build builder) *cobra.Command {
	var (
		fromSeq int64
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history <account-id>",
		Short: "Print the entries of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := a.Wallets.History(cmd.Context(), args[0], fromSeq, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tMOVEMENT\tAMOUNT\tBALANCE\tSTATUS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", e.Seq, e.MovementID, e.Amount, e.BalanceAfter, e.Status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&fromSeq, "from-seq", 1, "first sequence number to print")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func cachedColumn(r balance.Report) string {
	if !r.CacheHit {
		return "-"
	}
	return strconv.FormatInt(r.Cached, 10)
}

func resultColumn(r balance.Report) string {
	if r.Consistent() {
		return "ok"
	}
	return "MISMATCH"
}

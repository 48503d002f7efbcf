package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
)

// =============================================================================
// ADMIN COMMANDS - Operate directly on the database
// =============================================================================

var grantNote string

var grantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Grant credits to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := credits.ParseAmount(args[1])
		if err != nil {
			return err
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		bal, err := a.credits.Grant(cmd.Context(), args[0], amount, grantNote, lifecycle.SystemActor.ID)
		if err != nil {
			return err
		}
		printBalances(bal)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [user-id]",
	Short: "Print one balance, or every balance when no user is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			bal, err := a.credits.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBalances(bal)
			return nil
		}
		all, err := a.store.ListBalances(cmd.Context())
		if err != nil {
			return err
		}
		printBalances(all...)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [user-id]",
	Short: "Replay ledgers and compare them with stored balances",
	Long: `Replay each user's transaction log and compare the result with the
stored balance. Exits non-zero when any user fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		users := args
		if len(users) == 0 {
			all, err := a.store.ListBalances(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range all {
				users = append(users, b.UserID)
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tTXS\tSTORED\tREPLAYED\tSTATUS")
		var failed int
		for _, user := range users {
			report, err := a.credits.Reconcile(cmd.Context(), user)
			status := "ok"
			var recErr *credits.ReconciliationError
			switch {
			case errors.As(err, &recErr):
				failed++
				status = "MISMATCH"
				if report.FirstBadSeq != 0 {
					status = fmt.Sprintf("MISMATCH (seq %d)", report.FirstBadSeq)
				}
			case err != nil:
				return fmt.Errorf("reconcile %s: %w", user, err)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", user, report.Transactions,
				report.Stored.Available, report.Replayed.Available, status)
		}
		w.Flush()

		if failed > 0 {
			return fmt.Errorf("%d of %d ledgers failed reconciliation", failed, len(users))
		}
		return nil
	},
}

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Cancel stale submitted tasks and release their holds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		olderThan := sweepOlderThan
		if olderThan <= 0 {
			olderThan = a.cfg.Holds.ExpireAfter
		}
		if olderThan <= 0 {
			return errors.New("sweep needs --older-than or holds.expire_after")
		}
		n, err := a.tasks.ExpireStale(cmd.Context(), olderThan)
		fmt.Printf("expired %d task(s) older than %s\n", n, olderThan)
		return err
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantNote, "note", "granted from CLI", "description stored on the ledger row")
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "age threshold (default holds.expire_after)")
	rootCmd.AddCommand(grantCmd, balanceCmd, reconcileCmd, sweepCmd)
}

func printBalances(bals ...credits.Balance) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tTOTAL\tAVAILABLE\tHELD")
	for _, b := range bals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.UserID, b.Total, b.Available, b.Held)
	}
	w.Flush()
}

package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"payment-reconciler/internal/models"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show reconciliation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var stats models.ReconciliationStats
			if err := newAPIClient(serverURL, timeout).get(ctx, "/internal/v1/reconciliation/stats", nil, &stats); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "Transactions")
			fmt.Fprintf(tw, "  Total:\t%d\n", stats.TotalTransactions)
			fmt.Fprintf(tw, "  Completed:\t%d\n", stats.Completed)
			fmt.Fprintf(tw, "  Failed:\t%d\n", stats.Failed)
			fmt.Fprintf(tw, "  Pending:\t%d\n", stats.Pending)
			fmt.Fprintf(tw, "  Success rate:\t%.1f%%\n", stats.SuccessRate*100)
			fmt.Fprintln(tw, "Flags")
			fmt.Fprintf(tw, "  Pending review:\t%d\n", stats.PendingReview)
			fmt.Fprintf(tw, "  Approved:\t%d\n", stats.Approved)
			fmt.Fprintf(tw, "  Rejected:\t%d\n", stats.Rejected)
			return tw.Flush()
		},
	}
}

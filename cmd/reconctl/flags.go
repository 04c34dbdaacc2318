package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/service"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type flagList struct {
	Flags []models.ReconciliationFlag `json:"flags"`
	Count int                         `json:"count"`
}

func flagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Review flagged payments",
	}
	cmd.AddCommand(flagsListCmd())
	cmd.AddCommand(flagsShowCmd())
	cmd.AddCommand(flagsResolveCmd())
	return cmd
}

func flagsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			var list flagList
			if err := newAPIClient(serverURL, timeout).get(ctx, "/internal/v1/reconciliation/flags", query, &list); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printFlagTable(cmd.OutOrStdout(), list.Flags)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", models.ReviewPending, "Review status (pending_review, approved, rejected, or empty for all)")
	return cmd
}

func flagsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [flag-id]",
		Short: "Show one reconciliation flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var flag models.ReconciliationFlag
			if err := newAPIClient(serverURL, timeout).get(ctx, "/internal/v1/reconciliation/flags/"+url.PathEscape(args[0]), nil, &flag); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), flag)
			}
			printFlagDetail(cmd.OutOrStdout(), flag)
			return nil
		},
	}
}

func flagsResolveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve [flag-id] [approve|reject]",
		Short: "Approve or reject a flagged payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := service.ParseDecision(args[1])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var res service.Resolution
			body := map[string]string{"decision": string(decision), "notes": notes}
			path := "/internal/v1/reconciliation/flags/" + url.PathEscape(args[0]) + "/resolve"
			if err := newAPIClient(serverURL, timeout).post(ctx, path, body, &res); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Flag %s %s\n", res.Flag.ID, res.Flag.ReviewStatus)
			if res.Order != nil {
				fmt.Fprintf(out, "Order %s is %s\n", res.Order.ID, res.Order.Status)
			}
			if res.Settled {
				fmt.Fprintln(out, "Payment settled")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "Reviewer notes")
	return cmd
}

func printFlagTable(w io.Writer, flags []models.ReconciliationFlag) {
	if len(flags) == 0 {
		fmt.Fprintln(w, "No flags")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORDER\tREASON\tEXPECTED\tACTUAL\tDIFF\tSTATUS\tCREATED")
	for _, f := range flags {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.OrderID, f.Reason,
			amount(f.ExpectedAmount), amount(f.ActualAmount), amount(f.Discrepancy),
			f.ReviewStatus, f.CreatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printFlagDetail(w io.Writer, f models.ReconciliationFlag) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", f.ID)
	fmt.Fprintf(tw, "Order:\t%s\n", f.OrderID)
	fmt.Fprintf(tw, "Transaction:\t%s\n", valueOr(f.TransactionID, "(none)"))
	fmt.Fprintf(tw, "Correlation:\t%s\n", f.CorrelationID)
	fmt.Fprintf(tw, "Reason:\t%s\n", f.Reason)
	fmt.Fprintf(tw, "Expected:\t%s\n", amount(f.ExpectedAmount))
	fmt.Fprintf(tw, "Reported:\t%s\n", amount(f.ActualAmount))
	fmt.Fprintf(tw, "Discrepancy:\t%s\n", amount(f.Discrepancy))
	fmt.Fprintf(tw, "Receipt:\t%s\n", valueOr(f.ReceiptCode, "(none)"))
	fmt.Fprintf(tw, "Status:\t%s\n", f.ReviewStatus)
	if f.ReviewerNotes != "" {
		fmt.Fprintf(tw, "Notes:\t%s\n", f.ReviewerNotes)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", f.CreatedAt.Format("2006-01-02 15:04:05"))
	if f.ResolvedAt != nil {
		fmt.Fprintf(tw, "Resolved:\t%s\n", f.ResolvedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

// amount formats base currency units with two decimals
func amount(v int64) string {
	return decimal.NewFromInt(v).StringFixed(2)
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}


package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/registry"

	"github.com/spf13/cobra"
)

type serviceHealth struct {
	Gateway     gateway.Snapshot             `json:"gateway"`
	Breakers    []models.CircuitBreakerState `json:"breakers"`
	RecentCalls []models.ServiceCall         `json:"recent_calls"`
	TotalCalls  int64                        `json:"total_calls"`
	Endpoints   []registry.Endpoint          `json:"endpoints"`
}

func healthCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show circuit breakers, gateway load and recent downstream calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			query := url.Values{"limit": {strconv.Itoa(limit)}}
			var health serviceHealth
			if err := newAPIClient(serverURL, timeout).get(ctx, "/internal/v1/health/services", query, &health); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), health)
			}
			printHealth(cmd.OutOrStdout(), health)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Recent calls to show")
	return cmd
}

func printHealth(w io.Writer, h serviceHealth) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ENDPOINT\tQUALITY\tBREAKER\tFAILURES")
	states := make(map[string]models.CircuitBreakerState, len(h.Breakers))
	for _, b := range h.Breakers {
		states[b.Endpoint] = b
	}
	for _, ep := range h.Endpoints {
		state := "closed"
		failures := 0
		if b, ok := states[ep.ID]; ok {
			state = b.State
			failures = b.ConsecutiveFailures
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", ep.ID, ep.Quality, state, failures)
	}

	fmt.Fprintln(tw, "\nCLASS\tALLOTMENT\tREQUESTS\tREJECTED\tERRORS\tAVG LATENCY")
	for _, class := range gateway.Classes {
		s := h.Gateway.Classes[class]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			class, h.Gateway.Allotments[class], s.Requests, s.Rejected, s.Errors, s.AverageLatency)
	}

	if len(h.Gateway.Partitions) > 0 {
		names := make([]string, 0, len(h.Gateway.Partitions))
		for name := range h.Gateway.Partitions {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(tw, "\nPARTITION\tREQUESTS\tREJECTED\tERRORS\tAVG LATENCY")
		for _, name := range names {
			s := h.Gateway.Partitions[name]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", name, s.Requests, s.Rejected, s.Errors, s.AverageLatency)
		}
	}

	fmt.Fprintf(tw, "\nRECENT CALLS (%d total)\n", h.TotalCalls)
	fmt.Fprintln(tw, "AT\tENDPOINT\tOPERATION\tOUTCOME\tATTEMPTS\tDURATION")
	for _, c := range h.RecentCalls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.At.Format("15:04:05"), c.Endpoint, c.Operation, c.Outcome, c.Attempts, c.Duration)
	}
	tw.Flush()
}

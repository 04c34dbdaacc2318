package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	serverURL  string
	jsonOutput bool
	timeout    time.Duration
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reconctl",
		Short:         "Operator tool for payment reconciliation",
		Long:          "reconctl reviews flagged payments and inspects downstream health through the reconciler's internal API.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("RECONCILER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "Reconciler base URL")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(healthCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

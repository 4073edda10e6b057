package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewAnalyticsCmd creates the analytics command
func NewAnalyticsCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Show request and violation totals",
		Long:  "Aggregate request totals, violations and unique clients from the ledger over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer closeLedger(ledger)

			until := nowUTC()
			since := until.Add(-time.Duration(hours) * time.Hour)

			summary, err := ledger.Aggregate(context.Background(), since, until)
			if err != nil {
				return fmt.Errorf("failed to aggregate: %w", err)
			}

			fmt.Printf("Window: %s .. %s\n", since.Format(time.RFC3339), until.Format(time.RFC3339))
			fmt.Printf("Requests:   %d\n", summary.TotalRequests)
			fmt.Printf("Violations: %d\n", summary.TotalViolations)
			fmt.Printf("Clients:    %d\n", summary.UniqueClients)
			if len(summary.ByEndpoint) > 0 {
				fmt.Println("By endpoint:")
				for endpoint, count := range summary.ByEndpoint {
					fmt.Printf("  - %s: %d\n", endpoint, count)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Trailing window in hours")

	return cmd
}

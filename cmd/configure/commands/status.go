package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fit2garmin/gateway/internal/config"
	"github.com/fit2garmin/gateway/internal/storage"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <client-id>",
		Short: "Show a client's rate-limit usage",
		Long:  "Show per-endpoint usage, remaining capacity and reputation for one client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID := args[0]

			cfg, ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer closeLedger(ledger)

			ctx := context.Background()
			status, err := ledger.GetStatus(ctx, clientID, cfg.Endpoints, nowUTC())
			if err != nil {
				return fmt.Errorf("failed to load usage: %w", err)
			}

			fmt.Printf("Client: %s\n", status.ClientID)
			for _, usage := range status.Endpoints {
				fmt.Printf("  - Endpoint: %s\n", usage.Endpoint)
				fmt.Printf("    Used: %d/%d (remaining %d)\n", usage.Current, usage.Max, usage.Remaining)
				if usage.ResetSeconds > 0 {
					fmt.Printf("    Resets in: %ds\n", usage.ResetSeconds)
				}
			}
			if status.Reputation != nil {
				fmt.Printf("  Reputation: %d (%s), %d violations\n",
					status.Reputation.Score, status.Reputation.RiskLevel, status.Reputation.ViolationCount)
			}

			return nil
		},
	}

	return cmd
}

// openLedger loads config and connects to the ledger database.
func openLedger() (*config.Config, *storage.Ledger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	ledger, err := storage.NewLedger(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, ledger, nil
}

func closeLedger(ledger *storage.Ledger) {
	if err := ledger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

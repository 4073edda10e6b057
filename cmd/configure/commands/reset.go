package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewResetCmd creates the reset command
func NewResetCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "reset <client-id>",
		Short: "Clear a client's rate-limit state",
		Long:  "Clear recorded requests for a client. Without --endpoint, all endpoints and the client's reputation are cleared.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID := args[0]

			_, ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer closeLedger(ledger)

			if err := ledger.ResetLimits(context.Background(), clientID, endpoint); err != nil {
				return fmt.Errorf("failed to reset limits: %w", err)
			}

			if endpoint == "" {
				fmt.Printf("All limits and reputation cleared for %s\n", clientID)
			} else {
				fmt.Printf("Limits cleared for %s on %s\n", clientID, endpoint)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Only reset this endpoint class")

	return cmd
}

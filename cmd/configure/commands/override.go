package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fit2garmin/gateway/internal/models"
)

// NewOverrideCmd creates the override command
func NewOverrideCmd() *cobra.Command {
	var (
		endpoint string
		max      int
		window   int
		priority int
	)

	cmd := &cobra.Command{
		Use:   "override <client-id>",
		Short: "Set a per-client limit override",
		Long:  "Set a client-specific rate limit for one endpoint class, taking precedence over the deployment policy when its priority is at least as high",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID := args[0]

			if endpoint == "" {
				return fmt.Errorf("--endpoint is required")
			}
			if max <= 0 || window <= 0 {
				return fmt.Errorf("--max and --window must be positive")
			}

			_, ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer closeLedger(ledger)

			override := models.EndpointConfig{
				Endpoint:      endpoint,
				MaxRequests:   max,
				WindowSeconds: window,
				Priority:      priority,
			}
			if err := ledger.SetClientOverride(context.Background(), clientID, override); err != nil {
				return fmt.Errorf("failed to set override: %w", err)
			}

			fmt.Printf("Override set: %s gets %d requests per %ds on %s (priority %d)\n",
				clientID, max, window, endpoint, priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Endpoint class to override (e.g. uploads)")
	cmd.Flags().IntVar(&max, "max", 0, "Maximum requests per window")
	cmd.Flags().IntVar(&window, "window", 0, "Window length in seconds")
	cmd.Flags().IntVar(&priority, "priority", 1, "Override priority")

	return cmd
}

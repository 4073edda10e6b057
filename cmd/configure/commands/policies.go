package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fit2garmin/gateway/internal/config"
)

// NewPoliciesCmd creates the policies command
func NewPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Show the effective endpoint policies",
		Long:  "Show the endpoint rate-limit policies the server would load: built-in defaults merged with the policy file, if configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			names := make([]string, 0, len(cfg.Endpoints))
			for name := range cfg.Endpoints {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Println("Endpoint policies:")
			for _, name := range names {
				p := cfg.Endpoints[name]
				fmt.Printf("  - %s: %d requests per %ds\n", name, p.MaxRequests, p.WindowSeconds)
			}
			return nil
		},
	}

	return cmd
}

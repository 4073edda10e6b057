package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fit2garmin/gateway/cmd/configure/commands"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "gateway-configure",
		Short: "Operator tool for the conversion gateway",
		Long:  "CLI tool for inspecting usage, adjusting client limits and clearing rate-limit state",
	}

	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewOverrideCmd())
	rootCmd.AddCommand(commands.NewResetCmd())
	rootCmd.AddCommand(commands.NewAnalyticsCmd())
	rootCmd.AddCommand(commands.NewPoliciesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

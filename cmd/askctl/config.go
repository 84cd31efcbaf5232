package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfg "github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
)

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config <routing.yaml>",
		Short: "Check a routing configuration the way the service does before applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rc, err := cfg.ParseRoutingConfig(data)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRoutingConfig(rc); err != nil {
				return fmt.Errorf("invalid routing config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ok: %d domains (%v), max_hops=%d, time_budget=%s, token_budget=%d\n",
				len(rc.Domains), rc.DomainNames(), rc.Budget.MaxHops, rc.Budget.TimeBudget(), rc.Budget.TokenBudget)
			return nil
		},
	}
}

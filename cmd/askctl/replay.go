package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/temporal"
)

func replayCmd() *cobra.Command {
	var historyPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay an exported AskWorkflow history to detect non-deterministic changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := temporal.ReplayHistoryFile(historyPath, nil); err != nil {
				return fmt.Errorf("replay failed (non-deterministic change or invalid history): %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replay succeeded for %s\n", historyPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", "", "path to a workflow history JSON export")
	_ = cmd.MarkFlagRequired("history")
	return cmd
}

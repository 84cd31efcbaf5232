package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/resolver"
)

func resolveCmd() *cobra.Command {
	var (
		candidatesPath string
		titles         bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <mention>",
		Short: "Resolve a mention against a JSON list of candidates without a server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(candidatesPath)
			if err != nil {
				return fmt.Errorf("read candidates: %w", err)
			}
			var candidates []resolver.Candidate
			if err := json.Unmarshal(data, &candidates); err != nil {
				return fmt.Errorf("decode candidates: %w", err)
			}
			opts := resolver.DefaultOptions()
			if titles {
				opts = resolver.TitleSearchOptions()
			}
			res := resolver.Resolve(strings.Join(args, " "), candidates, opts)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&candidatesPath, "candidates", "", "JSON file with an array of {id, name, kind, year, aliases}")
	cmd.Flags().BoolVar(&titles, "titles", false, "use the relaxed title search cutoffs")
	_ = cmd.MarkFlagRequired("candidates")
	return cmd
}

package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	server  string
	token   string
	timeout time.Duration
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "askctl",
		Short:        "Client for the catalogrouter service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("CATALOGROUTER_URL", "http://localhost:8081"), "catalogrouter API base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("CATALOGROUTER_TOKEN"), "bearer token sent with API requests")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		askCmd(g),
		runCmd(g),
		resolveCmd(),
		validateConfigCmd(),
		replayCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

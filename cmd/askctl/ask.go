package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/pipeline"
)

const maxResponseBytes = 1 << 20

func askCmd(g *globalFlags) *cobra.Command {
	var (
		threadID string
		raw      bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question; reply to a numbered list by asking the number with the same --thread",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(pipeline.AskRequest{
				Question: strings.Join(args, " "),
				ThreadID: threadID,
			})
			if err != nil {
				return err
			}
			data, err := g.do(cmd.Context(), http.MethodPost, "/ask", body)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				_, err = out.Write(data)
				return err
			}
			r := gjson.ParseBytes(data)
			fmt.Fprintln(out, r.Get("answer").String())
			fmt.Fprintf(out, "\n[%s] domain=%s thread=%s request=%s elapsed=%dms\n",
				r.Get("status").String(),
				orDash(r.Get("domain").String()),
				r.Get("thread_id").String(),
				r.Get("request_id").String(),
				r.Get("elapsed_ms").Int(),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "conversation thread id")
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON response")
	return cmd
}

func runCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <request-id>",
		Short: "Show the stored record of a past request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := g.do(cmd.Context(), http.MethodGet, "/runs/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
}

// do sends one API request and returns the body of a 200 response.
func (g *globalFlags) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.server, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, msg)
	}
	return data, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/pipeline"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func TestAskCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/ask", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req pipeline.AskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "How long is The Matrix?", req.Question)
		assert.Equal(t, "thread-1", req.ThreadID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pipeline.Response{
			RequestID: "req-1",
			ThreadID:  "thread-1",
			Answer:    "The Matrix (1999) runs 136 minutes.",
			Domain:    "content",
			Status:    pipeline.StatusAnswered,
			ElapsedMs: 840,
		})
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "--token", "tok", "ask", "--thread", "thread-1", "How", "long", "is", "The", "Matrix?")
	require.NoError(t, err)
	assert.Contains(t, out, "The Matrix (1999) runs 136 minutes.")
	assert.Contains(t, out, "domain=content thread=thread-1 request=req-1 elapsed=840ms")

	out, err = execute(t, "--server", srv.URL, "--token", "tok", "ask", "--thread", "thread-1", "--json", "How long is The Matrix?")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestAskCommandSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := execute(t, "--server", srv.URL, "ask", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestRunCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs/req-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"request_id":"req-1","domain":"talent"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "run", "req-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"domain": "talent"`)
}

func TestResolveCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidates.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "t-matrix", "name": "The Matrix", "kind": "movie", "year": 1999},
		{"id": "t-heat", "name": "Heat", "kind": "movie", "year": 1995}
	]`), 0o644))

	out, err := execute(t, "resolve", "--candidates", path, "--titles", "the matrix")
	require.NoError(t, err)

	var res struct {
		Status string `json:"status"`
		Match  struct {
			ID string `json:"id"`
		} `json:"match"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "resolved", res.Status)
	assert.Equal(t, "t-matrix", res.Match.ID)

	_, err = execute(t, "resolve", "the matrix")
	assert.Error(t, err, "--candidates is required")
}

func TestValidateConfigCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "routing.yaml")
	require.NoError(t, os.WriteFile(good, []byte("budget:\n  max_hops: 3\n"), 0o644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("thresholds:\n  parallel_confidence: 1.5\n"), 0o644))

	out, err := execute(t, "validate-config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "max_hops=3")

	_, err = execute(t, "validate-config", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel_confidence")
}

func TestReplayCommandRequiresHistory(t *testing.T) {
	_, err := execute(t, "replay")
	assert.Error(t, err)

	_, err = execute(t, "replay", "--history", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

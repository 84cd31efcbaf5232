package temporal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Histories are exported from a running cluster with `make replay-export`.
func TestAskWorkflowReplay(t *testing.T) {
	testCases := []struct {
		name        string
		historyFile string
	}{
		{name: "direct_answer", historyFile: "testdata/ask_direct.json"},
		{name: "retried_activity", historyFile: "testdata/ask_retry.json"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := os.Stat(tc.historyFile); err != nil {
				t.Skipf("history file not found (%s)", tc.historyFile)
			}
			require.NoError(t, ReplayHistoryFile(tc.historyFile, zaptest.NewLogger(t)))
		})
	}
}

func TestReplayMissingHistory(t *testing.T) {
	err := ReplayHistoryFile(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}

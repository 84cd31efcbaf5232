// Package interceptors tags outgoing oracle traffic with the Temporal execution that caused it.
package interceptors

import (
	"context"
	"net/http"

	"go.temporal.io/sdk/activity"
)

// Header names set on requests made from inside an activity.
const (
	HeaderWorkflowID = "X-Workflow-ID"
	HeaderRunID      = "X-Run-ID"
)

// WorkflowHTTPRoundTripper adds workflow metadata to outgoing HTTP requests
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base, or http.DefaultTransport when base is nil.
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper. The request is cloned before headers are added.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if wfID, runID := workflowIDs(req.Context()); wfID != "" {
		req = req.Clone(req.Context())
		req.Header.Set(HeaderWorkflowID, wfID)
		req.Header.Set(HeaderRunID, runID)
	}
	return w.base.RoundTrip(req)
}

// workflowIDs returns empty strings outside an activity context, where GetInfo panics.
func workflowIDs(ctx context.Context) (wfID, runID string) {
	defer func() {
		if r := recover(); r != nil {
			wfID, runID = "", ""
		}
	}()
	info := activity.GetInfo(ctx)
	return info.WorkflowExecution.ID, info.WorkflowExecution.RunID
}

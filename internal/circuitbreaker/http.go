package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards an http.Client. 5xx responses trip the breaker but are still returned to
// the caller; 4xx responses do not count as failures.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
}

// NewHTTPWrapper wraps client with a breaker configured from CB_ORACLE_*.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, GetOracleConfig().ToConfig(), logger)
	GlobalMetricsCollector.Register(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service}
}

// Do sends req through the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var e error
		resp, e = hw.client.Do(req)
		if e != nil {
			return e
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)

	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

// State reports the breaker position.
func (hw *HTTPWrapper) State() State { return hw.cb.State() }

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }

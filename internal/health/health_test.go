package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/circuitbreaker"
)

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestOverallStatus(t *testing.T) {
	cases := []struct {
		name     string
		checkers []Checker
		status   CheckStatus
		ready    bool
	}{
		{"none", nil, StatusHealthy, true},
		{"all healthy", []Checker{staticChecker("a", true, StatusHealthy), staticChecker("b", false, StatusHealthy)}, StatusHealthy, true},
		{"critical down", []Checker{staticChecker("oracle", true, StatusUnhealthy), staticChecker("b", false, StatusHealthy)}, StatusUnhealthy, false},
		{"non-critical down", []Checker{staticChecker("redis", false, StatusUnhealthy), staticChecker("b", true, StatusHealthy)}, StatusDegraded, true},
		{"degraded", []Checker{staticChecker("db", false, StatusDegraded)}, StatusDegraded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tc.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tc.status, overall.Status)
			assert.Equal(t, tc.ready, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestRegisterChecker(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("", true, StatusHealthy)))
	require.NoError(t, m.UnregisterChecker("a"))
	assert.Error(t, m.UnregisterChecker("a"))
}

func TestCheckTimeoutIsApplied(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	slow := NewCustomHealthChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})
	require.NoError(t, m.RegisterChecker(slow))

	d := m.GetDetailedHealth(context.Background())
	r := d.Components["slow"]
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.True(t, r.Critical)
	assert.Equal(t, "slow", r.Component)
	assert.Contains(t, m.GetLastResults(), "slow")
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	c := NewRedisHealthChecker(circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	r := c.Check(context.Background())
	assert.NotEqual(t, StatusUnhealthy, r.Status)
	assert.False(t, c.IsCritical())

	mr.Close()
	r = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.NotEmpty(t, r.Error)
}

func TestDatabaseHealthChecker(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer raw.Close()
	c := NewDatabaseHealthChecker(circuitbreaker.NewDatabaseWrapper(raw, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	mock.ExpectPing()
	r := c.Check(context.Background())
	assert.NotEqual(t, StatusUnhealthy, r.Status)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	r = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "connection refused", r.Error)
}

func TestBreakerHealthChecker(t *testing.T) {
	state := circuitbreaker.StateClosed
	c := NewBreakerHealthChecker("oracle", true, func() circuitbreaker.State { return state })
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	state = circuitbreaker.StateHalfOpen
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
	state = circuitbreaker.StateOpen
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("catalog", true, func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)
	bad := PingChecker("catalog", true, func(context.Context) error { return errors.New("no such table") })
	assert.Equal(t, StatusUnhealthy, bad.Check(context.Background()).Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	state := circuitbreaker.StateClosed
	require.NoError(t, m.RegisterChecker(NewBreakerHealthChecker("oracle", true, func() circuitbreaker.State { return state })))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", false, StatusUnhealthy)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	get := func(path string) (*httptest.ResponseRecorder, map[string]interface{}) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])

	rec, _ = get("/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = get("/health/detailed")
	assert.Equal(t, http.StatusOK, rec.Code)
	comps := body["components"].(map[string]interface{})
	assert.Equal(t, "unhealthy", comps["redis"].(map[string]interface{})["status"])

	state = circuitbreaker.StateOpen
	rec, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])

	rec, _ = get("/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = get("/health/detailed?cached=true")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["overall"].(map[string]interface{})["status"])

	post := httptest.NewRecorder()
	mux.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, post.Code)
}

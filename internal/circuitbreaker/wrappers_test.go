package circuitbreaker

import (
	"context"
	"database/sql"
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
)

func TestRedisWrapperOperations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	w := NewRedisWrapper(client, zaptest.NewLogger(t))
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.Ping(ctx).Err())
	require.NoError(t, w.Set(ctx, "k", "v", time.Minute).Err())
	assert.Equal(t, "v", w.Get(ctx, "k").Val())

	assert.ErrorIs(t, w.Get(ctx, "missing").Err(), redis.Nil)
	assert.False(t, w.IsCircuitBreakerOpen())

	ok, err := w.SetNX(ctx, "lock", "1", time.Second).Result()
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = w.SetNX(ctx, "lock", "2", time.Second).Result()
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := w.Del(ctx, "k", "lock").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisWrapperOpensOnFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	w := NewRedisWrapper(client, zaptest.NewLogger(t))
	defer w.Close()
	ctx := context.Background()

	mr.Close()
	for i := 0; i < int(GetRedisConfig().FailureThreshold); i++ {
		assert.Error(t, w.Get(ctx, "k").Err())
	}
	assert.True(t, w.IsCircuitBreakerOpen())
	assert.ErrorIs(t, w.Set(ctx, "k", "v", time.Second).Err(), ErrCircuitBreakerOpen)
}

func TestDatabaseWrapperOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	w := NewDatabaseWrapper(db, zaptest.NewLogger(t))
	defer w.Close()
	ctx := context.Background()

	mock.ExpectPing()
	require.NoError(t, w.PingContext(ctx))

	mock.ExpectQuery("SELECT id FROM routing_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	rows, err := w.QueryContext(ctx, "SELECT id FROM routing_runs")
	require.NoError(t, err)
	require.True(t, rows.Next())
	require.NoError(t, rows.Close())

	mock.ExpectExec("INSERT INTO routing_runs").WithArgs("r2").WillReturnResult(sqlmock.NewResult(0, 1))
	res, err := w.ExecContext(ctx, "INSERT INTO routing_runs (id) VALUES ($1)", "r2")
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.Equal(t, int64(1), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapperWithTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	w := NewDatabaseWrapper(db, zaptest.NewLogger(t))
	defer w.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO routing_usage").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, w.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO routing_usage (id) VALUES ($1)", "u1")
		return err
	}))

	failure := errors.New("constraint")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO routing_usage").WillReturnError(failure)
	mock.ExpectRollback()
	err = w.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO routing_usage (id) VALUES ($1)", "u2")
		return err
	})
	assert.ErrorIs(t, err, failure)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHTTPWrapperServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewHTTPWrapper(srv.Client(), "oracle-test", "oracle", zaptest.NewLogger(t))
	threshold := int(GetOracleConfig().FailureThreshold)
	for i := 0; i < threshold; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := w.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, StateOpen, w.State())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := w.Do(req)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestHTTPWrapperClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewHTTPWrapper(srv.Client(), "oracle-4xx", "oracle", zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := w.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, StateClosed, w.State())
	assert.Equal(t, StateClosed, GlobalMetricsCollector.States()["oracle/oracle-4xx"])
}

package circuitbreaker

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const dbService = "run-store"

// DatabaseWrapper guards the postgres handle used for run and usage persistence.
type DatabaseWrapper struct {
	db     *sql.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper wraps db with a breaker configured from CB_DB_*.
func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("postgresql", GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.Register("postgresql", dbService, cb)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

func (dw *DatabaseWrapper) guard(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest("postgresql", dbService, dw.cb.State(), err == nil)
	return err
}

// PingContext checks connectivity.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.guard(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext runs a statement.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.guard(ctx, func() error {
		var e error
		res, e = dw.db.ExecContext(ctx, query, args...)
		return e
	})
	return res, err
}

// QueryContext runs a query returning rows.
func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := dw.guard(ctx, func() error {
		var e error
		rows, e = dw.db.QueryContext(ctx, query, args...)
		return e
	})
	return rows, err
}

// WithTx runs fn inside a transaction, committing on success. The breaker sees the
// transaction as a single call.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return dw.guard(ctx, func() error {
		tx, err := dw.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// GetDB exposes the raw handle.
func (dw *DatabaseWrapper) GetDB() *sql.DB { return dw.db }

// Close closes the handle.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// IsCircuitBreakerOpen reports whether calls are currently rejected.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool { return dw.cb.State() == StateOpen }

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned by GetRoutingRun for unknown request ids.
var ErrRunNotFound = errors.New("routing run not found")

const schema = `
CREATE TABLE IF NOT EXISTS routing_runs (
	id UUID PRIMARY KEY,
	request_id TEXT NOT NULL UNIQUE,
	thread_id TEXT NOT NULL,
	question TEXT NOT NULL,
	domain TEXT,
	strategy TEXT,
	status TEXT NOT NULL,
	answer TEXT NOT NULL,
	error_kind TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	hop_count INTEGER NOT NULL DEFAULT 0,
	visited_domains TEXT[] NOT NULL DEFAULT '{}',
	tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	tool_times JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_routing_runs_thread ON routing_runs (thread_id, created_at DESC);
CREATE TABLE IF NOT EXISTS event_logs (
	id UUID PRIMARY KEY,
	request_id TEXT NOT NULL,
	type TEXT NOT NULL,
	node TEXT,
	domain TEXT,
	message TEXT,
	payload JSONB,
	seq BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	UNIQUE (request_id, seq)
);`

const insertRun = `
	INSERT INTO routing_runs (
		id, request_id, thread_id, question, domain, strategy, status, answer,
		error_kind, confidence, hop_count, visited_domains, tokens, duration_ms,
		tool_times, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
	)
	ON CONFLICT (request_id) DO NOTHING`

// EnsureSchema creates the routing_runs and event_logs tables.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func prepareRun(run *RoutingRun) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.VisitedDomains == nil {
		run.VisitedDomains = []string{}
	}
}

func runArgs(run *RoutingRun) []interface{} {
	return []interface{}{
		run.ID, run.RequestID, run.ThreadID, run.Question, nullIfEmpty(run.Domain), nullIfEmpty(run.Strategy),
		run.Status, run.Answer, nullIfEmpty(run.ErrorKind), run.Confidence, run.HopCount, run.VisitedDomains,
		run.Tokens, run.DurationMs, run.ToolTimes, run.CreatedAt,
	}
}

// SaveRoutingRun stores a run (idempotent by request_id).
func (c *Client) SaveRoutingRun(ctx context.Context, run *RoutingRun) error {
	if run == nil {
		return nil
	}
	prepareRun(run)
	if _, err := c.db.ExecContext(ctx, insertRun, runArgs(run)...); err != nil {
		return fmt.Errorf("failed to save routing run: %w", err)
	}
	c.logger.Debug("Routing run saved",
		zap.String("request_id", run.RequestID),
		zap.String("status", run.Status),
	)
	return nil
}

// BatchSaveRoutingRuns saves multiple runs in a single transaction
func (c *Client) BatchSaveRoutingRuns(ctx context.Context, runs []*RoutingRun) error {
	if len(runs) == 0 {
		return nil
	}
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertRun)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, run := range runs {
			prepareRun(run)
			if _, err := stmt.ExecContext(ctx, runArgs(run)...); err != nil {
				return fmt.Errorf("failed to insert run %s: %w", run.RequestID, err)
			}
		}
		return nil
	})
}

const selectRun = `SELECT id, request_id, thread_id, question, COALESCE(domain, ''), COALESCE(strategy, ''),
	status, answer, COALESCE(error_kind, ''), confidence, hop_count, visited_domains, tokens,
	duration_ms, tool_times, created_at FROM routing_runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*RoutingRun, error) {
	var r RoutingRun
	err := s.Scan(&r.ID, &r.RequestID, &r.ThreadID, &r.Question, &r.Domain, &r.Strategy,
		&r.Status, &r.Answer, &r.ErrorKind, &r.Confidence, &r.HopCount, &r.VisitedDomains, &r.Tokens,
		&r.DurationMs, &r.ToolTimes, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRoutingRun loads one run by request id.
func (c *Client) GetRoutingRun(ctx context.Context, requestID string) (*RoutingRun, error) {
	rows, err := c.db.QueryContext(ctx, selectRun+` WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRunNotFound
	}
	return scanRun(rows)
}

// RecentRuns returns the newest runs of a thread.
func (c *Client) RecentRuns(ctx context.Context, threadID string, limit int) ([]*RoutingRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, selectRun+` WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing runs: %w", err)
	}
	defer rows.Close()

	var out []*RoutingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	Workers         int
	QueueSize       int
}

// Client persists routing runs and event logs. Writes go through an async queue drained by a
// small worker pool; Close drains what is left.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	writeQueue chan WriteRequest
	workers    int
	batchSize  int
	flushEvery time.Duration
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeRoutingRun WriteType = iota
	WriteTypeEventLog
	WriteTypeBatch
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeRoutingRun:
		return "RoutingRun"
	case WriteTypeEventLog:
		return "EventLog"
	case WriteTypeBatch:
		return "Batch"
	default:
		return "Unknown"
	}
}

// NewClient opens a postgres connection pool and starts the write workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 2
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}

	rawDB, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	wrapper := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapper.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := NewFromWrapper(wrapper, logger, config.Workers, config.QueueSize)
	logger.Info("Database client initialized",
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

// NewFromWrapper builds a client over an existing wrapper and starts its workers.
func NewFromWrapper(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger, workers, queueSize int) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	c := &Client{
		db:         wrapper,
		logger:     logger,
		writeQueue: make(chan WriteRequest, queueSize),
		workers:    workers,
		batchSize:  100,
		flushEvery: time.Second,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// writeWorker processes write requests from the queue
func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	batch := make([]*RoutingRun, 0, c.batchSize)
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(batch)
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return

		case req := <-c.writeQueue:
			if req.Type != WriteTypeBatch {
				c.processWrite(req)
				continue
			}
			if runs, ok := req.Data.([]*RoutingRun); ok {
				batch = append(batch, runs...)
			}
			if req.Callback != nil {
				req.Callback(nil)
			}
			if len(batch) >= c.batchSize {
				c.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				c.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// processWrite handles a single write request
func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.Type {
	case WriteTypeRoutingRun:
		if run, ok := req.Data.(*RoutingRun); ok {
			err = c.SaveRoutingRun(ctx, run)
		}
	case WriteTypeEventLog:
		if ev, ok := req.Data.(*EventLog); ok {
			err = c.SaveEventLog(ctx, ev)
		}
	case WriteTypeBatch:
		if runs, ok := req.Data.([]*RoutingRun); ok {
			err = c.BatchSaveRoutingRuns(ctx, runs)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) flush(batch []*RoutingRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.BatchSaveRoutingRuns(ctx, batch); err != nil {
		c.logger.Error("Failed to batch save routing runs", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue(batch []*RoutingRun) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			if runs, ok := req.Data.([]*RoutingRun); ok && req.Type == WriteTypeBatch {
				batch = append(batch, runs...)
				if req.Callback != nil {
					req.Callback(nil)
				}
				continue
			}
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			if len(batch) > 0 {
				c.flush(batch)
			}
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. A full queue falls back to a
// synchronous write instead of dropping it.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case <-c.stopCh:
		return fmt.Errorf("database client closed")
	default:
	}
	select {
	case c.writeQueue <- req:
		return nil
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
		return nil
	}
}

// Close stops the workers after draining the queue and closes the pool.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Shutting down database client")
		close(c.stopCh)
		c.workerWg.Wait()
		if cerr := c.db.Close(); cerr != nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	})
	return err
}

// Wrapper returns the underlying DatabaseWrapper for health checks and usage accounting
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

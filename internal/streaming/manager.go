// Package streaming fans pipeline events out to live subscribers and keeps a short replay
// history per request. Events are optionally mirrored to a redis stream so another replica can
// replay them.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published by the pipeline.
const (
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventRoute         = "route"
	EventTool          = "tool"
	EventFinal         = "final"
)

const (
	defaultCapacity   = 256
	defaultMaxStreams = 1024
	streamKeyPrefix   = "catalogrouter:events:"
	streamTTL         = time.Hour
	mirrorTimeout     = 500 * time.Millisecond
)

// Event is one pipeline event.
type Event struct {
	RequestID string                 `json:"request_id"`
	Type      string                 `json:"type"`
	Node      string                 `json:"node,omitempty"`
	Domain    string                 `json:"domain,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub per request id.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-request ring buffer for replay and Last-Event-ID support; least recently used
	// requests are dropped first
	history  *lru.Cache[string, *ring]
	capacity int

	redis        *redis.Client
	streamMaxLen int64
	sinks        []Sink
	logger       *zap.Logger
}

// Sink receives every published event after fan-out. It must not block.
type Sink func(Event)

// NewManager creates a manager keeping capacity events per request.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	history, _ := lru.New[string, *ring](defaultMaxStreams)
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     history,
		capacity:    capacity,
		logger:      logger,
	}
}

// WithRedis mirrors every event to a capped redis stream.
func (m *Manager) WithRedis(client *redis.Client, maxLen int64) *Manager {
	if maxLen <= 0 {
		maxLen = int64(m.capacity)
	}
	m.redis = client
	m.streamMaxLen = maxLen
	return m
}

// WithSink adds a sink called for every published event.
func (m *Manager) WithSink(s Sink) *Manager {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
	return m
}

// Subscribe adds a subscriber channel for requestID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(requestID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[requestID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[requestID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(requestID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[requestID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, requestID)
		}
	}
}

// Publish assigns the next sequence number and sends the event to all subscribers of
// requestID without blocking; slow subscribers miss events.
func (m *Manager) Publish(requestID string, evt Event) Event {
	m.mu.Lock()
	rg, ok := m.history.Get(requestID)
	if !ok {
		rg = newRing(m.capacity)
		m.history.Add(requestID, rg)
	}
	evt.RequestID = requestID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	for ch := range m.subscribers[requestID] {
		select {
		case ch <- evt:
		default:
		}
	}
	sinks := m.sinks
	m.mu.Unlock()

	if m.redis != nil {
		m.mirror(evt)
	}
	for _, sink := range sinks {
		sink(evt)
	}
	return evt
}

func (m *Manager) mirror(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	key := streamKeyPrefix + evt.RequestID
	pipe := m.redis.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: m.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"seq": evt.Seq, "payload": string(evt.Marshal())},
	})
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Error("Failed to mirror event to redis",
			zap.String("request_id", evt.RequestID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}

// ReplaySince returns the locally buffered events with Seq > since.
func (m *Manager) ReplaySince(requestID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg, ok := m.history.Peek(requestID)
	if !ok {
		return nil
	}
	return rg.since(since)
}

// Replay is ReplaySince falling back to the redis stream when this process never saw the
// request.
func (m *Manager) Replay(ctx context.Context, requestID string, since uint64) ([]Event, error) {
	if evs := m.ReplaySince(requestID, since); evs != nil || m.redis == nil {
		return evs, nil
	}
	msgs, err := m.redis.XRange(ctx, streamKeyPrefix+requestID, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	var out []Event
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			m.logger.Warn("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// LastSeq returns the last sequence number published for requestID, or 0.
func (m *Manager) LastSeq(requestID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rg, ok := m.history.Peek(requestID); ok {
		return rg.nextSeq
	}
	return 0
}

// ParseSeq parses a Last-Event-ID header value; invalid values mean "from the start".
func ParseSeq(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

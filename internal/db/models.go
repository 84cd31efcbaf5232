package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Run outcome statuses stored in routing_runs.status.
const (
	RunStatusAnswered = "answered"
	RunStatusClarify  = "clarify"
	RunStatusNotFound = "not_found"
	RunStatusError    = "error"
	RunStatusBudget   = "budget_exhausted"
)

// RoutingRun is one answered (or failed) question.
type RoutingRun struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	RequestID      string         `db:"request_id" json:"request_id"`
	ThreadID       string         `db:"thread_id" json:"thread_id"`
	Question       string         `db:"question" json:"question"`
	Domain         string         `db:"domain" json:"domain,omitempty"`
	Strategy       string         `db:"strategy" json:"strategy,omitempty"`
	Status         string         `db:"status" json:"status"`
	Answer         string         `db:"answer" json:"answer"`
	ErrorKind      string         `db:"error_kind" json:"error_kind,omitempty"`
	Confidence     float64        `db:"confidence" json:"confidence"`
	HopCount       int            `db:"hop_count" json:"hop_count"`
	VisitedDomains pq.StringArray `db:"visited_domains" json:"visited_domains"`
	Tokens         int            `db:"tokens" json:"tokens"`
	DurationMs     int64          `db:"duration_ms" json:"duration_ms"`
	ToolTimes      JSONB          `db:"tool_times" json:"tool_times,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// ToolTimesPayload converts per-tool durations to a jsonb payload of milliseconds.
func ToolTimesPayload(times map[string]time.Duration) JSONB {
	if len(times) == 0 {
		return nil
	}
	out := make(JSONB, len(times))
	for k, d := range times {
		out[k] = d.Milliseconds()
	}
	return out
}

// Package catalog is the domain tool layer: named, whitelisted read-only queries over the media
// catalog, grouped per domain, plus the candidate lists the entity resolver scores against.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrToolNotFound    = errors.New("tool not found")
	ErrMissingArgument = errors.New("missing tool argument")
)

const (
	DefaultLimit = 10
	MaxLimit     = 50
)

// Row is one result record.
type Row map[string]any

// ErrorRow is the single-row shape for a tool-level failure.
func ErrorRow(msg string) Row { return Row{"error": msg} }

// MessageRow is the single-row shape for an empty result.
func MessageRow(msg string) Row { return Row{"message": msg} }

// RowsError returns the error text when rows is the single error row.
func RowsError(rows []Row) (string, bool) {
	if len(rows) != 1 {
		return "", false
	}
	msg, ok := rows[0]["error"].(string)
	return msg, ok && len(rows[0]) == 1
}

// RowsEmpty returns the message when rows is the single empty-result row, or reports an
// empty slice.
func RowsEmpty(rows []Row) (string, bool) {
	if len(rows) == 0 {
		return "no results", true
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return "", false
	}
	msg, ok := rows[0]["message"].(string)
	return msg, ok
}

// FormatRows renders rows as JSON lines for the transcript.
func FormatRows(rows []Row) string {
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		raw, err := json.Marshal(r)
		if err != nil {
			fmt.Fprintf(&b, "%v", map[string]any(r))
			continue
		}
		b.Write(raw)
	}
	return b.String()
}

// Field names a ToolArgs field for validation.
type Field string

const (
	FieldEntityID   Field = "entity_id"
	FieldEntityName Field = "entity_name"
	FieldQuery      Field = "query"
	FieldRegion     Field = "region"
)

// ToolArgs are the typed arguments every tool accepts.
type ToolArgs struct {
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	EntityName string `json:"entity_name,omitempty" db:"entity_name"`
	Query      string `json:"query,omitempty" db:"query"`
	Region     string `json:"region,omitempty" db:"region"`
	Limit      int    `json:"limit,omitempty" db:"limit"`
}

// Validate checks that every required field is set and normalises Limit and Region.
func (a *ToolArgs) Validate(required ...Field) error {
	for _, f := range required {
		var v string
		switch f {
		case FieldEntityID:
			v = a.EntityID
		case FieldEntityName:
			v = a.EntityName
		case FieldQuery:
			v = a.Query
		case FieldRegion:
			v = a.Region
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s", ErrMissingArgument, f)
		}
	}
	if a.Limit <= 0 {
		a.Limit = DefaultLimit
	}
	if a.Limit > MaxLimit {
		a.Limit = MaxLimit
	}
	a.Region = strings.ToUpper(strings.TrimSpace(a.Region))
	return nil
}

// Tool is one named catalog operation. Tool-level problems (bad arguments, no rows) are returned
// as a single error/message row; a Go error means the backend itself failed.
type Tool interface {
	Name() string
	Call(ctx context.Context, args ToolArgs) ([]Row, error)
}

// StaticTool serves fixed rows or a function. Used by tests and the demo catalog.
type StaticTool struct {
	ToolName string
	Required []Field
	Rows     []Row
	Err      error
	Fn       func(ctx context.Context, args ToolArgs) ([]Row, error)
}

func (t *StaticTool) Name() string { return t.ToolName }

func (t *StaticTool) Call(ctx context.Context, args ToolArgs) ([]Row, error) {
	if err := args.Validate(t.Required...); err != nil {
		return []Row{ErrorRow(err.Error())}, nil
	}
	if t.Fn != nil {
		return t.Fn(ctx, args)
	}
	if t.Err != nil {
		return nil, t.Err
	}
	if len(t.Rows) == 0 {
		return []Row{MessageRow("no results")}, nil
	}
	return t.Rows, nil
}

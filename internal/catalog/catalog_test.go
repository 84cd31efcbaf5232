package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, SeedDemo(context.Background(), db))
	return db
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	assert.Error(t, err)
}

func TestSQLToolsAgainstDemoCatalog(t *testing.T) {
	tools := SQLTools(demoDB(t))
	ctx := context.Background()

	rows, err := tools["title_details"].Call(ctx, ToolArgs{EntityID: "t-matrix"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "The Matrix", rows[0]["name"])

	rows, err = tools["title_cast"].Call(ctx, ToolArgs{EntityID: "t-heat", Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Michael Mann", rows[0]["name"])

	rows, err = tools["title_prices"].Call(ctx, ToolArgs{EntityID: "t-matrix", Region: "us"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = tools["title_prices"].Call(ctx, ToolArgs{EntityID: "t-matrix"})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = tools["search_titles"].Call(ctx, ToolArgs{Query: "comedy"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Parasite", rows[0]["name"])
	assert.Equal(t, "Booksmart", rows[2]["name"])

	rows, err = tools["top_rated"].Call(ctx, ToolArgs{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "The Matrix", rows[0]["name"])
}

func TestSQLToolArgumentAndEmptyRows(t *testing.T) {
	tools := SQLTools(demoDB(t))
	ctx := context.Background()

	rows, err := tools["title_details"].Call(ctx, ToolArgs{})
	require.NoError(t, err)
	msg, ok := RowsError(rows)
	require.True(t, ok)
	assert.Contains(t, msg, "entity_id")

	rows, err = tools["title_availability"].Call(ctx, ToolArgs{EntityID: "t-booksmart"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0]["message"], "no results")
	msg, ok = RowsEmpty(rows)
	assert.True(t, ok)
	assert.Equal(t, "no results from title_availability", msg)
}

func TestRowsEmpty(t *testing.T) {
	tests := []struct {
		name string
		rows []Row
		want bool
	}{
		{"nil", nil, true},
		{"message row", []Row{MessageRow("no results")}, true},
		{"error row", []Row{ErrorRow("boom")}, false},
		{"data row", []Row{{"name": "Heat"}}, false},
		{"message with data", []Row{{"message": "note", "name": "Heat"}}, false},
		{"several rows", []Row{MessageRow("a"), MessageRow("b")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := RowsEmpty(tt.rows)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestSQLToolBackendFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "postgres")
	defer db.Close()

	mock.ExpectQuery("SELECT id, name").WillReturnError(errors.New("connection reset"))
	tool := NewSQLTool(db, "title_details", `SELECT id, name FROM titles WHERE id = :entity_id`, FieldEntityID)

	_, err = tool.Call(context.Background(), ToolArgs{EntityID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title_details")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCandidates(t *testing.T) {
	src := NewSQLCandidates(demoDB(t), 0)
	ctx := context.Background()

	titles, err := src.Candidates(ctx, EntityTitle, "matrix")
	require.NoError(t, err)
	assert.Len(t, titles, len(demoTitles))

	people, err := src.Candidates(ctx, EntityDirector, "mann")
	require.NoError(t, err)
	require.Len(t, people, len(demoPeople))
	var keanu Candidate
	for _, p := range people {
		if p.ID == "p-keanu" {
			keanu = p
		}
	}
	assert.Equal(t, []string{"Keanu Charles Reeves"}, keanu.Aliases)
	assert.Equal(t, "person", keanu.Kind)

	none, err := src.Candidates(ctx, EntityNone, "x")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestToolArgsValidate(t *testing.T) {
	a := ToolArgs{EntityID: "t1", Region: " gb ", Limit: 500}
	require.NoError(t, a.Validate(FieldEntityID))
	assert.Equal(t, "GB", a.Region)
	assert.Equal(t, MaxLimit, a.Limit)

	b := ToolArgs{}
	require.NoError(t, b.Validate())
	assert.Equal(t, DefaultLimit, b.Limit)

	err := (&ToolArgs{}).Validate(FieldQuery)
	assert.ErrorIs(t, err, ErrMissingArgument)
}

func TestRegistryMatch(t *testing.T) {
	r := NewRegistry("content").Register(
		&StaticTool{ToolName: "title_details"},
		&StaticTool{ToolName: "title_cast"},
		&StaticTool{ToolName: "title"},
	)

	tests := []struct {
		requested    string
		want         string
		wantFallback bool
	}{
		{"title_details", "title_details", false},
		{"TITLE_CAST", "title_cast", false},
		{"use title_cast please", "title_cast", false},
		{"cast", "title_cast", false},
		{"`title_details`", "title_details", false},
	}
	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			tool, fb, err := r.Match(tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tool.Name())
			assert.Equal(t, tt.wantFallback, fb)
		})
	}

	_, _, err := r.Match("weather_lookup")
	assert.ErrorIs(t, err, ErrToolNotFound)

	require.NoError(t, r.SetFallback("title_details"))
	tool, fb, err := r.Match("weather_lookup")
	require.NoError(t, err)
	assert.True(t, fb)
	assert.Equal(t, "title_details", tool.Name())

	assert.ErrorIs(t, r.SetFallback("nope"), ErrToolNotFound)
	assert.Equal(t, []string{"title", "title_cast", "title_details"}, r.Names())
}

func TestStaticTool(t *testing.T) {
	ctx := context.Background()
	empty := &StaticTool{ToolName: "empty"}
	rows, err := empty.Call(ctx, ToolArgs{})
	require.NoError(t, err)
	assert.Equal(t, []Row{MessageRow("no results")}, rows)

	failing := &StaticTool{ToolName: "down", Err: errors.New("db down")}
	_, err = failing.Call(ctx, ToolArgs{})
	assert.Error(t, err)

	needsID := &StaticTool{ToolName: "details", Required: []Field{FieldEntityID}, Rows: []Row{{"name": "Heat"}}}
	rows, err = needsID.Call(ctx, ToolArgs{})
	require.NoError(t, err)
	_, isErr := RowsError(rows)
	assert.True(t, isErr)

	assert.Equal(t, `{"name":"Heat"}`+"\n"+`{"year":1995}`, FormatRows([]Row{{"name": "Heat"}, {"year": 1995}}))
}

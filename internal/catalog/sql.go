package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the catalog database. driver is "postgres" or "sqlite3".
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if driver == "sqlite3" {
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLTool runs one whitelisted named query. Arguments bind by name (:entity_id, :entity_name,
// :query, :region, :limit).
type SQLTool struct {
	name     string
	query    string
	required []Field
	db       *sqlx.DB
}

// NewSQLTool creates a tool for a named query.
func NewSQLTool(db *sqlx.DB, name, query string, required ...Field) *SQLTool {
	return &SQLTool{name: name, query: query, required: required, db: db}
}

func (t *SQLTool) Name() string { return t.name }

func (t *SQLTool) Call(ctx context.Context, args ToolArgs) ([]Row, error) {
	if err := args.Validate(t.required...); err != nil {
		return []Row{ErrorRow(err.Error())}, nil
	}
	rows, err := sqlx.NamedQueryContext(ctx, t.db, t.query, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		m := make(map[string]interface{})
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", t.name, err)
		}
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				m[k] = string(b)
			}
		}
		out = append(out, Row(m))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	if len(out) == 0 {
		return []Row{MessageRow(fmt.Sprintf("no results from %s", t.name))}, nil
	}
	return out, nil
}

// queries is the whitelist of catalog operations. Queries stay portable between postgres and
// sqlite.
var queries = []struct {
	name     string
	query    string
	required []Field
}{
	{"title_details", `SELECT id, name, kind, year, runtime_minutes, rating, overview
		FROM titles WHERE id = :entity_id`, []Field{FieldEntityID}},
	{"title_cast", `SELECT p.name, c.role, c.character_name
		FROM credits c JOIN people p ON p.id = c.person_id
		WHERE c.title_id = :entity_id ORDER BY c.billing LIMIT :limit`, []Field{FieldEntityID}},
	{"title_genres", `SELECT genre FROM title_genres WHERE title_id = :entity_id ORDER BY genre`, []Field{FieldEntityID}},
	{"person_details", `SELECT id, name, birth_year, known_for
		FROM people WHERE id = :entity_id`, []Field{FieldEntityID}},
	{"person_filmography", `SELECT t.name, t.year, t.kind, c.role
		FROM credits c JOIN titles t ON t.id = c.title_id
		WHERE c.person_id = :entity_id ORDER BY t.year DESC LIMIT :limit`, []Field{FieldEntityID}},
	{"title_prices", `SELECT region, offer_type, amount, currency
		FROM prices WHERE title_id = :entity_id AND (:region = '' OR region = :region)
		ORDER BY region, offer_type`, []Field{FieldEntityID}},
	{"title_availability", `SELECT platform, region
		FROM offers WHERE title_id = :entity_id AND (:region = '' OR region = :region)
		ORDER BY platform, region`, []Field{FieldEntityID}},
	{"search_titles", `SELECT t.id, t.name, t.kind, t.year, t.rating
		FROM titles t
		WHERE lower(t.name) LIKE '%' || lower(:query) || '%'
		   OR EXISTS (SELECT 1 FROM title_genres g WHERE g.title_id = t.id AND lower(g.genre) = lower(:query))
		ORDER BY t.rating DESC LIMIT :limit`, []Field{FieldQuery}},
	{"top_rated", `SELECT id, name, kind, year, rating
		FROM titles ORDER BY rating DESC LIMIT :limit`, nil},
}

// SQLTools returns every whitelisted catalog tool bound to db, keyed by name.
func SQLTools(db *sqlx.DB) map[string]Tool {
	out := make(map[string]Tool, len(queries))
	for _, q := range queries {
		out[q.name] = NewSQLTool(db, q.name, q.query, q.required...)
	}
	return out
}

// SQLCandidates lists titles and people from the catalog for the entity resolver.
type SQLCandidates struct {
	db    *sqlx.DB
	limit int
}

// NewSQLCandidates creates a candidate source reading at most limit rows per lookup.
func NewSQLCandidates(db *sqlx.DB, limit int) *SQLCandidates {
	if limit <= 0 {
		limit = 5000
	}
	return &SQLCandidates{db: db, limit: limit}
}

type candidateRow struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	Kind    string `db:"kind"`
	Year    int    `db:"year"`
	Aliases string `db:"aliases"`
}

// Candidates returns the rows of the table matching entityType. The mention is not used to
// pre-filter: typos must still reach the fuzzy scorer.
func (s *SQLCandidates) Candidates(ctx context.Context, entityType, _ string) ([]Candidate, error) {
	var q string
	switch entityType {
	case EntityTitle:
		q = `SELECT id, name, kind, COALESCE(year, 0) AS year, '' AS aliases FROM titles ORDER BY id LIMIT ?`
	case EntityActor, EntityDirector:
		q = `SELECT id, name, 'person' AS kind, 0 AS year, COALESCE(aliases, '') AS aliases FROM people ORDER BY id LIMIT ?`
	default:
		return nil, nil
	}
	var rows []candidateRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), s.limit); err != nil {
		return nil, fmt.Errorf("load %s candidates: %w", entityType, err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		c := Candidate{ID: r.ID, Name: r.Name, Kind: r.Kind, Year: r.Year}
		for _, a := range strings.Split(r.Aliases, "|") {
			if a = strings.TrimSpace(a); a != "" {
				c.Aliases = append(c.Aliases, a)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

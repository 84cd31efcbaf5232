package catalog

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema is the catalog layout the whitelisted queries expect.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS titles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		year INTEGER,
		runtime_minutes INTEGER,
		rating REAL,
		overview TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS title_genres (
		title_id TEXT NOT NULL REFERENCES titles(id),
		genre TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS people (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		birth_year INTEGER,
		known_for TEXT,
		aliases TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS credits (
		title_id TEXT NOT NULL REFERENCES titles(id),
		person_id TEXT NOT NULL REFERENCES people(id),
		role TEXT NOT NULL,
		character_name TEXT,
		billing INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS prices (
		title_id TEXT NOT NULL REFERENCES titles(id),
		region TEXT NOT NULL,
		offer_type TEXT NOT NULL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS offers (
		title_id TEXT NOT NULL REFERENCES titles(id),
		platform TEXT NOT NULL,
		region TEXT NOT NULL
	)`,
}

type seedTitle struct {
	id, name, kind string
	year, runtime  int
	rating         float64
	overview       string
	genres         []string
}

type seedPerson struct {
	id, name  string
	birthYear int
	knownFor  string
	aliases   string
}

type seedCredit struct {
	titleID, personID, role, character string
	billing                            int
}

var demoTitles = []seedTitle{
	{"t-matrix", "The Matrix", "movie", 1999, 136, 8.7, "A hacker learns the world is a simulation.", []string{"Action", "Sci-Fi"}},
	{"t-matrix2", "The Matrix Reloaded", "movie", 2003, 138, 7.2, "Neo and the rebels fight the machines.", []string{"Action", "Sci-Fi"}},
	{"t-batman22", "The Batman", "movie", 2022, 176, 7.8, "Batman investigates corruption in Gotham.", []string{"Action", "Crime"}},
	{"t-batman05", "Batman Begins", "movie", 2005, 140, 8.2, "Bruce Wayne becomes Batman.", []string{"Action", "Adventure"}},
	{"t-batman92", "Batman Returns", "movie", 1992, 126, 7.1, "Batman faces the Penguin and Catwoman.", []string{"Action", "Fantasy"}},
	{"t-heat", "Heat", "movie", 1995, 170, 8.3, "A detective hunts a crew of professional thieves.", []string{"Crime", "Thriller"}},
	{"t-parasite", "Parasite", "movie", 2019, 132, 8.5, "A poor family schemes its way into a wealthy household.", []string{"Drama", "Thriller", "Comedy"}},
	{"t-booksmart", "Booksmart", "movie", 2019, 102, 7.1, "Two academic overachievers try to cram four years of fun into one night.", []string{"Comedy"}},
	{"t-knivesout", "Knives Out", "movie", 2019, 130, 7.9, "A detective investigates the death of a crime novelist.", []string{"Comedy", "Crime", "Mystery"}},
	{"t-spirited", "Spirited Away", "movie", 2001, 125, 8.6, "A girl wanders into a world of spirits.", []string{"Animation", "Fantasy"}},
}

var demoPeople = []seedPerson{
	{"p-keanu", "Keanu Reeves", 1964, "The Matrix", "Keanu Charles Reeves"},
	{"p-moss", "Carrie-Anne Moss", 1967, "The Matrix", ""},
	{"p-pattinson", "Robert Pattinson", 1986, "The Batman", ""},
	{"p-bale", "Christian Bale", 1974, "Batman Begins", ""},
	{"p-keaton", "Michael Keaton", 1951, "Batman Returns", ""},
	{"p-pacino", "Al Pacino", 1940, "Heat", "Alfredo James Pacino"},
	{"p-deniro", "Robert De Niro", 1943, "Heat", ""},
	{"p-mann", "Michael Mann", 1943, "Heat", ""},
	{"p-bong", "Bong Joon-ho", 1969, "Parasite", "Bong Joon Ho"},
	{"p-miyazaki", "Hayao Miyazaki", 1941, "Spirited Away", "宮崎駿"},
}

var demoCredits = []seedCredit{
	{"t-matrix", "p-keanu", "actor", "Neo", 1},
	{"t-matrix", "p-moss", "actor", "Trinity", 2},
	{"t-matrix2", "p-keanu", "actor", "Neo", 1},
	{"t-matrix2", "p-moss", "actor", "Trinity", 2},
	{"t-batman22", "p-pattinson", "actor", "Bruce Wayne", 1},
	{"t-batman05", "p-bale", "actor", "Bruce Wayne", 1},
	{"t-batman92", "p-keaton", "actor", "Bruce Wayne", 1},
	{"t-heat", "p-pacino", "actor", "Vincent Hanna", 1},
	{"t-heat", "p-deniro", "actor", "Neil McCauley", 2},
	{"t-heat", "p-mann", "director", "", 0},
	{"t-parasite", "p-bong", "director", "", 0},
	{"t-spirited", "p-miyazaki", "director", "", 0},
}

var demoPrices = [][]interface{}{
	{"t-matrix", "US", "rent", 3.99, "USD"},
	{"t-matrix", "US", "buy", 9.99, "USD"},
	{"t-matrix", "GB", "rent", 3.49, "GBP"},
	{"t-batman22", "US", "rent", 5.99, "USD"},
	{"t-batman22", "US", "buy", 14.99, "USD"},
	{"t-heat", "US", "buy", 7.99, "USD"},
	{"t-parasite", "US", "rent", 3.99, "USD"},
}

var demoOffers = [][]interface{}{
	{"t-matrix", "Max", "US"},
	{"t-matrix", "Netflix", "GB"},
	{"t-batman22", "Max", "US"},
	{"t-heat", "Prime Video", "US"},
	{"t-parasite", "Hulu", "US"},
	{"t-spirited", "Max", "US"},
	{"t-spirited", "Netflix", "JP"},
}

// Migrate creates the catalog tables if they are missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}
	}
	return nil
}

// SeedDemo migrates and loads a small demo catalog. Intended for empty databases.
func SeedDemo(ctx context.Context, db *sqlx.DB) error {
	if err := Migrate(ctx, db); err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	exec := func(q string, args ...interface{}) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
		return err
	}
	for _, t := range demoTitles {
		if err := exec(`INSERT INTO titles (id, name, kind, year, runtime_minutes, rating, overview) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.id, t.name, t.kind, t.year, t.runtime, t.rating, t.overview); err != nil {
			return fmt.Errorf("seed title %s: %w", t.id, err)
		}
		for _, g := range t.genres {
			if err := exec(`INSERT INTO title_genres (title_id, genre) VALUES (?, ?)`, t.id, g); err != nil {
				return fmt.Errorf("seed genre %s: %w", t.id, err)
			}
		}
	}
	for _, p := range demoPeople {
		if err := exec(`INSERT INTO people (id, name, birth_year, known_for, aliases) VALUES (?, ?, ?, ?, ?)`,
			p.id, p.name, p.birthYear, p.knownFor, p.aliases); err != nil {
			return fmt.Errorf("seed person %s: %w", p.id, err)
		}
	}
	for _, c := range demoCredits {
		if err := exec(`INSERT INTO credits (title_id, person_id, role, character_name, billing) VALUES (?, ?, ?, ?, ?)`,
			c.titleID, c.personID, c.role, c.character, c.billing); err != nil {
			return fmt.Errorf("seed credit: %w", err)
		}
	}
	for _, p := range demoPrices {
		if err := exec(`INSERT INTO prices (title_id, region, offer_type, amount, currency) VALUES (?, ?, ?, ?, ?)`, p...); err != nil {
			return fmt.Errorf("seed price: %w", err)
		}
	}
	for _, o := range demoOffers {
		if err := exec(`INSERT INTO offers (title_id, platform, region) VALUES (?, ?, ?)`, o...); err != nil {
			return fmt.Errorf("seed offer: %w", err)
		}
	}
	return tx.Commit()
}

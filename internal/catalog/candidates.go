package catalog

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/resolver"
)

// Entity types produced by extraction.
const (
	EntityTitle    = "title"
	EntityActor    = "actor"
	EntityDirector = "director"
	EntityNone     = "none"
)

// Candidate is a resolvable catalog entry.
type Candidate = resolver.Candidate

// CandidateSource supplies the entries a mention is resolved against.
type CandidateSource interface {
	Candidates(ctx context.Context, entityType, mention string) ([]Candidate, error)
}

// StaticCandidates serves fixed title and person lists.
type StaticCandidates struct {
	Titles []Candidate
	People []Candidate
}

func (s *StaticCandidates) Candidates(_ context.Context, entityType, _ string) ([]Candidate, error) {
	switch entityType {
	case EntityTitle:
		return s.Titles, nil
	case EntityActor, EntityDirector:
		return s.People, nil
	}
	return nil, nil
}

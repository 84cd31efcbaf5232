package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesIDs(t *testing.T) {
	s := New("who directed heat", "")
	assert.NotEmpty(t, s.RequestID)
	assert.NotEmpty(t, s.ThreadID)
	assert.NotNil(t, s.ToolExecutionTimes)

	s2 := New("q", "thread-1")
	assert.Equal(t, "thread-1", s2.ThreadID)
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("q", "t")
	require.NoError(t, s.MarkVisited("content"))
	s.RoutingCandidates = []Candidate{{Domain: "talent", Score: 0.6}}
	s.RecordToolTime("content", "title_details", 10*time.Millisecond)
	s.Validation = Resolved("title", "heat", Entity{ID: "t1", Name: "Heat"})
	s.Budget.NodeTokens["route"] = 10

	c := s.Clone()
	require.NoError(t, c.MarkVisited("talent"))
	c.RoutingCandidates[0].Score = 0.1
	c.RecordToolTime("talent", "filmography", time.Millisecond)
	c.Validation.Entity.Name = "changed"
	c.Budget.NodeTokens["route"] = 99

	assert.Equal(t, []string{"content"}, s.VisitedDomains)
	assert.Equal(t, 0.6, s.RoutingCandidates[0].Score)
	assert.Len(t, s.ToolExecutionTimes, 1)
	assert.Equal(t, "Heat", s.Validation.Entity.Name)
	assert.Equal(t, 10, s.Budget.NodeTokens["route"])
}

func TestMarkVisitedAtMostTwice(t *testing.T) {
	s := New("q", "t")
	require.NoError(t, s.MarkVisited("pricing"))
	require.NoError(t, s.MarkVisited("pricing"))
	assert.Error(t, s.MarkVisited("pricing"))
	assert.Equal(t, 2, s.VisitCount("pricing"))
}

func TestValidateInvariants(t *testing.T) {
	s := New("q", "t")
	assert.NoError(t, s.Validate(3))

	s.RoutingConfidence = 1.2
	assert.Error(t, s.Validate(3))
	s.RoutingConfidence = 0.5

	s.HopCount = 4
	assert.Error(t, s.Validate(3))
	s.HopCount = 1

	s.PendingDisambiguation = true
	assert.Error(t, s.Validate(3))
	s.SetPending([]Entity{{ID: "1", Name: "Batman"}})
	assert.NoError(t, s.Validate(3))
}

func TestSetPendingCapsOptions(t *testing.T) {
	s := New("q", "t")
	opts := make([]Entity, 12)
	s.SetPending(opts)
	assert.Len(t, s.DisambiguationOptions, MaxDisambiguationOptions)
	assert.True(t, s.PendingDisambiguation)
}

func TestPipelineErrorIs(t *testing.T) {
	err := NewError(ErrToolNotFound, "execute", "pricing", errors.New("no tool"))
	assert.True(t, errors.Is(err, &PipelineError{Kind: ErrToolNotFound}))
	assert.False(t, errors.Is(err, &PipelineError{Kind: ErrToolExecution}))
	assert.Contains(t, err.Error(), "domain=pricing")
	assert.True(t, ErrHopLimitExceeded.IsBudget())
	assert.False(t, ErrToolNotFound.IsBudget())
}

func TestEntityLabel(t *testing.T) {
	assert.Equal(t, "The Batman (2022, movie)", Entity{Name: "The Batman", Year: 2022, Kind: "movie"}.Label())
	assert.Equal(t, "Keanu Reeves (person)", Entity{Name: "Keanu Reeves", Kind: "person"}.Label())
	assert.Equal(t, "X", Entity{Name: "X"}.Label())
}

package domain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/catalog"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

const failAnswer = "!unavailable"

// scripted answers per call site; the last answer repeats.
type scripted struct {
	mu      sync.Mutex
	answers map[string][]string
	calls   map[string]int
	users   map[string][]string
}

func newScripted(answers map[string][]string) *scripted {
	return &scripted{answers: answers, calls: map[string]int{}, users: map[string][]string{}}
}

func (s *scripted) Invoke(ctx context.Context, _, user string) (oracle.Result, error) {
	site := oracle.CallSite(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls[site]
	s.calls[site]++
	s.users[site] = append(s.users[site], user)
	list := s.answers[site]
	if len(list) == 0 {
		return oracle.Result{}, oracle.ErrUnavailable
	}
	if i >= len(list) {
		i = len(list) - 1
	}
	if list[i] == failAnswer {
		return oracle.Result{}, oracle.ErrUnavailable
	}
	return oracle.Result{Text: list[i]}, nil
}

func (s *scripted) count(site string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[site]
}

func matrixState(domain string) *state.RequestState {
	st := state.New("How long is The Matrix?", "")
	st.SelectedDomain = domain
	st.VisitedDomains = []string{domain}
	st.Routed = true
	st.Validation = state.Resolved("title", "The Matrix", state.Entity{ID: "t-matrix", Name: "The Matrix", Kind: "movie", Year: 1999})
	return st
}

// demoTools covers every tool named by the default routing config.
func demoTools(overrides ...catalog.Tool) map[string]catalog.Tool {
	tools := map[string]catalog.Tool{}
	for _, name := range []string{
		"title_details", "title_cast", "title_genres", "person_details", "person_filmography",
		"title_prices", "title_availability", "search_titles", "top_rated",
	} {
		tools[name] = &catalog.StaticTool{ToolName: name, Rows: []catalog.Row{{"tool": name, "note": "demo catalog row"}}}
	}
	for _, t := range overrides {
		tools[t.Name()] = t
	}
	return tools
}

func TestRunCompletesWithSynthesis(t *testing.T) {
	var got catalog.ToolArgs
	details := &catalog.StaticTool{
		ToolName: "title_details",
		Required: []catalog.Field{catalog.FieldEntityID},
		Fn: func(_ context.Context, args catalog.ToolArgs) ([]catalog.Row, error) {
			got = args
			return []catalog.Row{{"name": "The Matrix", "year": 1999, "runtime": 136}}, nil
		},
	}
	o := newScripted(map[string][]string{
		oracle.CallSiteSubtask:    {"details"},
		oracle.CallSiteTool:       {`{"tool": "title_details"}`},
		oracle.CallSiteSupervisor: {"COMPLETE"},
		oracle.CallSiteSynthesize: {"The Matrix (1999) runs 136 minutes."},
	})
	ex := NewExecutor(o, demoTools(details), nil, zaptest.NewLogger(t))

	var events []ToolEvent
	ex.OnTool(func(ev ToolEvent) { events = append(events, ev) })

	st := matrixState("content")
	res := ex.Run(context.Background(), st)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Same(t, st, res.State)
	assert.Equal(t, state.DomainStatusSuccess, st.DomainStatus)
	assert.Equal(t, "The Matrix (1999) runs 136 minutes.", st.Answer)
	assert.False(t, st.RerouteRequested)
	require.Len(t, st.Transcript, 1)
	assert.Equal(t, "content/title_details", st.Transcript[0].Tag())
	assert.Contains(t, st.Transcript[0].Output, `"runtime":136`)
	assert.Contains(t, st.ToolExecutionTimes, "content/title_details")
	assert.Equal(t, "t-matrix", got.EntityID)
	assert.Equal(t, "The Matrix", got.EntityName)
	require.Len(t, events, 1)
	assert.Equal(t, "title_details", events[0].Tool)
	assert.Contains(t, o.users[oracle.CallSiteTool][0], "Sub-task: details")
	assert.NoError(t, st.Validate(3))
}

func TestRunReturnsToRouter(t *testing.T) {
	tests := []struct {
		name string
		tool catalog.Tool
	}{
		{"short output", &catalog.StaticTool{ToolName: "title_details", Rows: []catalog.Row{{"n": 1}}}},
		{"apology", &catalog.StaticTool{ToolName: "title_details", Rows: []catalog.Row{{"message": "I'm sorry, I am unable to find that title in the catalog."}}}},
		{"backend failure", &catalog.StaticTool{ToolName: "title_details", Err: errors.New("connection refused")}},
		{"no results", &catalog.StaticTool{ToolName: "title_details", Rows: []catalog.Row{catalog.MessageRow("no results from title_details")}}},
		{"empty rows", &catalog.StaticTool{ToolName: "title_details", Fn: func(context.Context, catalog.ToolArgs) ([]catalog.Row, error) { return nil, nil }}},
		{"bad arguments", &catalog.StaticTool{ToolName: "title_details", Required: []catalog.Field{catalog.FieldRegion}, Rows: []catalog.Row{{"name": "The Matrix"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newScripted(map[string][]string{
				oracle.CallSiteSubtask: {"details"},
				oracle.CallSiteTool:    {"title_details"},
			})
			st := matrixState("content")
			res := NewExecutor(o, demoTools(tt.tool), nil, zaptest.NewLogger(t)).Run(context.Background(), st)

			assert.Equal(t, OutcomeReturnToRouter, res.Outcome)
			assert.Equal(t, state.DomainStatusNotMyScope, st.DomainStatus)
			assert.True(t, st.RerouteRequested)
			assert.Empty(t, st.Answer)
			assert.Equal(t, 0, o.count(oracle.CallSiteSupervisor))
			assert.Equal(t, 0, o.count(oracle.CallSiteSynthesize))
			require.Len(t, st.Transcript, 1)
			assert.Contains(t, st.ToolExecutionTimes, "content/title_details")
		})
	}
}

func TestRunContinuesUntilIterationsExhausted(t *testing.T) {
	o := newScripted(map[string][]string{
		oracle.CallSiteSubtask:    {"cast"},
		oracle.CallSiteTool:       {"title_cast", "title_details", "title_genres"},
		oracle.CallSiteSupervisor: {"CONTINUE"},
		oracle.CallSiteSynthesize: {failAnswer},
	})
	st := matrixState("content")
	res := NewExecutor(o, demoTools(), nil, zaptest.NewLogger(t)).Run(context.Background(), st)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 3, o.count(oracle.CallSiteTool))
	// the third iteration completes without asking
	assert.Equal(t, 2, o.count(oracle.CallSiteSupervisor))
	require.Len(t, st.Transcript, 3)
	assert.Equal(t, []string{"title_cast", "title_details", "title_genres"}, []string{st.Transcript[0].Tool, st.Transcript[1].Tool, st.Transcript[2].Tool})
	assert.Contains(t, o.users[oracle.CallSiteTool][2], "Already called: title_cast, title_details")
	// synthesis failed: the transcript is the answer
	assert.Equal(t, TranscriptText(st.Transcript), st.Answer)
	assert.Equal(t, state.DomainStatusSuccess, st.DomainStatus)
}

func TestRunFallbacks(t *testing.T) {
	o := newScripted(map[string][]string{
		oracle.CallSiteSubtask:    {"something else entirely"},
		oracle.CallSiteTool:       {"weather_lookup"},
		oracle.CallSiteSupervisor: {"looks fine to me"},
		oracle.CallSiteSynthesize: {"Answer."},
	})
	st := matrixState("content")
	res := NewExecutor(o, demoTools(), nil, zaptest.NewLogger(t)).Run(context.Background(), st)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	require.Len(t, st.Transcript, 1)
	// unmatched tool name falls back to the domain's fallback tool
	assert.Equal(t, "title_details", st.Transcript[0].Tool)
	// unmatched sub-task falls back to the first one
	assert.Contains(t, o.users[oracle.CallSiteTool][0], "Sub-task: details")
	assert.Equal(t, "Answer.", st.Answer)
}

func TestRunSingleToolDomainSkipsToolRouting(t *testing.T) {
	var region string
	prices := &catalog.StaticTool{
		ToolName: "title_prices",
		Fn: func(_ context.Context, args catalog.ToolArgs) ([]catalog.Row, error) {
			region = args.Region
			return []catalog.Row{{"region": args.Region, "kind": "rent", "price": 3.99}}, nil
		},
	}
	o := newScripted(map[string][]string{
		oracle.CallSiteSupervisor: {"COMPLETE"},
		oracle.CallSiteSynthesize: {"Renting The Matrix costs 3.99 in the UK."},
	})
	st := matrixState("pricing")
	st.Question = "How much is The Matrix to rent in the UK?"
	res := NewExecutor(o, demoTools(prices), nil, zaptest.NewLogger(t)).Run(context.Background(), st)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, "GB", region)
	assert.Equal(t, 0, o.count(oracle.CallSiteSubtask))
	assert.Equal(t, 0, o.count(oracle.CallSiteTool))
}

func TestRunDiscoveryUsesQueryFromToolChoice(t *testing.T) {
	var query string
	search := &catalog.StaticTool{
		ToolName: "search_titles",
		Required: []catalog.Field{catalog.FieldQuery},
		Fn: func(_ context.Context, args catalog.ToolArgs) ([]catalog.Row, error) {
			query = args.Query
			return []catalog.Row{{"name": "Booksmart", "year": 2019, "rating": 7.1}}, nil
		},
	}
	o := newScripted(map[string][]string{
		oracle.CallSiteSubtask:    {"search"},
		oracle.CallSiteTool:       {`{"tool": "search_titles", "query": "comedy"}`},
		oracle.CallSiteSupervisor: {"COMPLETE"},
		oracle.CallSiteSynthesize: {"Booksmart (2019)."},
	})
	st := state.New("top rated comedies of 2019", "")
	st.SelectedDomain = "discovery"
	st.Validation = state.Skipped()
	NewExecutor(o, demoTools(search), nil, zaptest.NewLogger(t)).Run(context.Background(), st)

	assert.Equal(t, "comedy", query)
	assert.Equal(t, "discovery/search_titles", st.Transcript[0].Tag())
}

func TestRunStopsWhenBudgetRunsOutBetweenIterations(t *testing.T) {
	o := newScripted(map[string][]string{
		oracle.CallSiteSubtask:    {"details"},
		oracle.CallSiteTool:       {"title_details"},
		oracle.CallSiteSupervisor: {"CONTINUE"},
	})
	tracker := budget.NewManager(nil, zaptest.NewLogger(t), budget.Limits{TokenBudget: 50, MaxHops: 3}).NewTracker()
	tracker.AddTokens("route", 100)
	ctx := budget.WithTracker(context.Background(), tracker)

	st := matrixState("content")
	res := NewExecutor(o, demoTools(), nil, zaptest.NewLogger(t)).Run(ctx, st)

	assert.Equal(t, OutcomeComplete, res.Outcome)
	require.NotNil(t, st.Error)
	assert.Equal(t, state.ErrBudgetExhaustedTokens, st.Error.Kind)
	assert.Equal(t, state.DomainStatusError, st.DomainStatus)
	assert.Equal(t, 1, o.count(oracle.CallSiteTool))
	assert.Len(t, st.Transcript, 1)
}

func TestRunUnknownDomainReturnsToRouter(t *testing.T) {
	st := matrixState("weather")
	res := NewExecutor(newScripted(nil), demoTools(), nil, zaptest.NewLogger(t)).Run(context.Background(), st)
	assert.Equal(t, OutcomeReturnToRouter, res.Outcome)
	assert.Empty(t, st.Transcript)
}

func TestRunMissingToolsRecordsErrorEntry(t *testing.T) {
	st := matrixState("content")
	res := NewExecutor(newScripted(nil), map[string]catalog.Tool{}, nil, zaptest.NewLogger(t)).Run(context.Background(), st)
	assert.Equal(t, OutcomeReturnToRouter, res.Outcome)
	require.Len(t, st.Transcript, 1)
	assert.True(t, st.Transcript[0].IsError)
}

func TestBuildRegistries(t *testing.T) {
	ex := NewExecutor(newScripted(nil), demoTools(), nil, zaptest.NewLogger(t))
	regs, err := ex.registriesFor(ex.routing.Get())
	require.NoError(t, err)
	assert.Len(t, regs, 5)
	assert.Equal(t, []string{"title_cast", "title_details", "title_genres"}, regs["content"].Names())

	again, err := ex.registriesFor(ex.routing.Get())
	require.NoError(t, err)
	assert.Equal(t, regs, again)

	_, err = BuildRegistries(ex.routing.Get(), map[string]catalog.Tool{})
	assert.ErrorIs(t, err, catalog.ErrToolNotFound)
}

func TestRegionOf(t *testing.T) {
	assert.Equal(t, "GB", regionOf("Price of Heat in the UK?"))
	assert.Equal(t, "US", regionOf("can I stream it in the US"))
	assert.Equal(t, "", regionOf("where can I watch Heat"))
}

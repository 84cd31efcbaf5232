package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/catalog"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/db"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/session"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/streaming"
)

const failAnswer = "!unavailable"

// scripted answers per call site; the last answer repeats.
type scripted struct {
	mu      sync.Mutex
	answers map[string][]string
	calls   map[string]int
}

func newScripted(answers map[string][]string) *scripted {
	return &scripted{answers: answers, calls: map[string]int{}}
}

func (s *scripted) Invoke(ctx context.Context, _, _ string) (oracle.Result, error) {
	site := oracle.CallSite(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls[site]
	s.calls[site]++
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

var testCandidates = &catalog.StaticCandidates{
	Titles: []catalog.Candidate{
		{ID: "t-matrix", Name: "The Matrix", Kind: "movie", Year: 1999},
		{ID: "t-batman22", Name: "The Batman", Kind: "movie", Year: 2022},
		{ID: "t-batman05", Name: "Batman Begins", Kind: "movie", Year: 2005},
		{ID: "t-batman92", Name: "Batman Returns", Kind: "movie", Year: 1992},
	},
	People: []catalog.Candidate{
		{ID: "p-keanu", Name: "Keanu Reeves", Kind: "person"},
	},
}

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

func matrixAnswers() map[string][]string {
	return map[string][]string{
		oracle.CallSiteRoute:      {`{"primary": "content", "confidence": 0.92}`},
		oracle.CallSiteExtract:    {`{"entity_type": "title", "mention": "The Matrix"}`},
		oracle.CallSiteSubtask:    {"details"},
		oracle.CallSiteTool:       {`{"tool": "title_details"}`},
		oracle.CallSiteSupervisor: {"COMPLETE"},
		oracle.CallSiteSynthesize: {"The Matrix (1999) runs 136 minutes."},
	}
}

func newEngine(t *testing.T, o oracle.Oracle, opts Options) *Engine {
	t.Helper()
	opts.Oracle = o
	if opts.Tools == nil {
		opts.Tools = demoTools()
	}
	if opts.Candidates == nil {
		opts.Candidates = testCandidates
	}
	opts.Logger = zaptest.NewLogger(t)
	return New(opts)
}

func TestAskDirectAnswer(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	runs := db.NewFromWrapper(circuitbreaker.NewDatabaseWrapper(raw, logger), logger, 1, 4)
	mock.ExpectExec("INSERT INTO routing_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	events := streaming.NewManager(64, logger)
	o := newScripted(matrixAnswers())
	e := newEngine(t, o, Options{Events: events, Runs: runs})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "  How long is The Matrix?  ", ThreadID: "thread-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, resp.Status)
	assert.Equal(t, "The Matrix (1999) runs 136 minutes.", resp.Answer)
	assert.Equal(t, "content", resp.Domain)
	assert.Equal(t, "direct", resp.Strategy)
	assert.Equal(t, 0.92, resp.Confidence)
	assert.Equal(t, []string{"content"}, resp.VisitedDomains)
	assert.Equal(t, 0, resp.HopCount)
	assert.Equal(t, "thread-1", resp.ThreadID)
	assert.Contains(t, resp.ToolTimes, "content/title_details")
	assert.Empty(t, resp.Options)
	assert.Empty(t, resp.ErrorKind)
	assert.Greater(t, resp.TokensUsed, 0)
	assert.Equal(t, 1, o.count(oracle.CallSiteRoute))

	evs := events.ReplaySince(resp.RequestID, 0)
	require.NotEmpty(t, evs)
	assert.Equal(t, streaming.EventNodeStarted, evs[0].Type)
	assert.Equal(t, "start", evs[0].Node)
	last := evs[len(evs)-1]
	assert.Equal(t, streaming.EventFinal, last.Type)
	assert.Equal(t, resp.Answer, last.Message)
	var sawTool, sawRoute bool
	for _, ev := range evs {
		sawTool = sawTool || ev.Type == streaming.EventTool
		sawRoute = sawRoute || ev.Type == streaming.EventRoute
	}
	assert.True(t, sawTool)
	assert.True(t, sawRoute)

	require.NoError(t, runs.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAskEmptyQuestion(t *testing.T) {
	e := newEngine(t, newScripted(nil), Options{})
	_, err := e.Ask(context.Background(), AskRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestAskGeneratesThreadID(t *testing.T) {
	e := newEngine(t, newScripted(matrixAnswers()), Options{})
	resp, err := e.Ask(context.Background(), AskRequest{Question: "How long is The Matrix?"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ThreadID)
	assert.NotEmpty(t, resp.RequestID)
}

func TestAskParallelPicksBestBranch(t *testing.T) {
	answers := matrixAnswers()
	answers[oracle.CallSiteRoute] = []string{`{"primary": "content", "confidence": 0.6, "candidates": [{"domain": "availability", "confidence": 0.55}]}`}
	o := newScripted(answers)
	e := newEngine(t, o, Options{})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "Tell me about The Matrix", ThreadID: "thread-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, resp.Status)
	assert.Equal(t, "parallel", resp.Strategy)
	assert.Equal(t, "content", resp.Domain)
	assert.ElementsMatch(t, []string{"content", "availability"}, resp.VisitedDomains)
	assert.Contains(t, resp.ToolTimes, "content/title_details")
	assert.Contains(t, resp.ToolTimes, "availability/title_availability")
	// one extraction per branch
	assert.Equal(t, 2, o.count(oracle.CallSiteExtract))
}

func TestAskDisambiguationRoundTrip(t *testing.T) {
	var chosen string
	details := &catalog.StaticTool{
		ToolName: "title_details",
		Fn: func(_ context.Context, args catalog.ToolArgs) ([]catalog.Row, error) {
			chosen = args.EntityID
			return []catalog.Row{{"name": args.EntityName, "runtime": 176}}, nil
		},
	}
	answers := matrixAnswers()
	answers[oracle.CallSiteExtract] = []string{`{"entity_type": "title", "mention": "Batman"}`}
	answers[oracle.CallSiteSynthesize] = []string{"It runs 176 minutes."}
	o := newScripted(answers)
	e := newEngine(t, o, Options{Tools: demoTools(details)})
	ctx := context.Background()

	resp, err := e.Ask(ctx, AskRequest{Question: "What is the runtime of Batman?", ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarify, resp.Status)
	assert.Equal(t, "clarify", resp.Strategy)
	require.Len(t, resp.Options, 3)
	assert.Contains(t, resp.Answer, `"Batman"`)
	assert.Contains(t, resp.Answer, "1. "+resp.Options[0])
	assert.Empty(t, chosen)

	pending, err := e.Sessions().Get(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "What is the runtime of Batman?", pending.Question)
	assert.Equal(t, "content", pending.Domain)

	// out of range keeps the pending entry
	resp, err = e.Ask(ctx, AskRequest{Question: "5", ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarify, resp.Status)
	assert.Equal(t, SelectionRangeMessage(3), resp.Answer)
	assert.Len(t, resp.Options, 3)
	_, err = e.Sessions().Get(ctx, "thread-1")
	require.NoError(t, err)

	resp, err = e.Ask(ctx, AskRequest{Question: "2", ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, resp.Status)
	assert.Equal(t, "It runs 176 minutes.", resp.Answer)
	assert.Equal(t, pending.Options[1].ID, chosen)
	assert.Equal(t, 1.0, resp.Confidence)
	assert.Equal(t, "direct", resp.Strategy)
	assert.Equal(t, []string{"content"}, resp.VisitedDomains)

	// neither the selection nor the range error re-routed or re-extracted
	assert.Equal(t, 1, o.count(oracle.CallSiteRoute))
	assert.Equal(t, 1, o.count(oracle.CallSiteExtract))

	_, err = e.Sessions().Get(ctx, "thread-1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAskNewQuestionClearsPending(t *testing.T) {
	answers := matrixAnswers()
	answers[oracle.CallSiteExtract] = []string{
		`{"entity_type": "title", "mention": "Batman"}`,
		`{"entity_type": "title", "mention": "The Matrix"}`,
	}
	o := newScripted(answers)
	e := newEngine(t, o, Options{})
	ctx := context.Background()

	resp, err := e.Ask(ctx, AskRequest{Question: "What is the runtime of Batman?", ThreadID: "thread-1"})
	require.NoError(t, err)
	require.Equal(t, StatusClarify, resp.Status)

	resp, err = e.Ask(ctx, AskRequest{Question: "Actually, how long is The Matrix?", ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, resp.Status)
	assert.Equal(t, 2, o.count(oracle.CallSiteRoute))

	_, err = e.Sessions().Get(ctx, "thread-1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAskNoIsNotASelection(t *testing.T) {
	answers := matrixAnswers()
	answers[oracle.CallSiteExtract] = []string{
		`{"entity_type": "title", "mention": "Batman"}`,
		`{"entity_type": "title", "mention": "The Matrix"}`,
	}
	o := newScripted(answers)
	e := newEngine(t, o, Options{})
	ctx := context.Background()

	resp, err := e.Ask(ctx, AskRequest{Question: "What is the runtime of Batman?", ThreadID: "thread-1"})
	require.NoError(t, err)
	require.Equal(t, StatusClarify, resp.Status)

	resp, err = e.Ask(ctx, AskRequest{Question: "no", ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.NotEqual(t, SelectionRangeMessage(3), resp.Answer)
	assert.Equal(t, 2, o.count(oracle.CallSiteRoute))

	_, err = e.Sessions().Get(ctx, "thread-1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAskSelectionWithoutPendingIsAQuestion(t *testing.T) {
	o := newScripted(matrixAnswers())
	e := newEngine(t, o, Options{})
	resp, err := e.Ask(context.Background(), AskRequest{Question: "2", ThreadID: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, 1, o.count(oracle.CallSiteRoute))
	assert.NotEqual(t, SelectionRangeMessage(0), resp.Answer)
}

func TestAskNotFound(t *testing.T) {
	answers := matrixAnswers()
	answers[oracle.CallSiteExtract] = []string{`{"entity_type": "title", "mention": "Xyzzzzz123"}`}
	o := newScripted(answers)
	e := newEngine(t, o, Options{})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "How long is Xyzzzzz123?"})
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, resp.Status)
	assert.Equal(t, NotFoundMessage("title", "Xyzzzzz123"), resp.Answer)
	assert.Equal(t, 0, o.count(oracle.CallSiteTool))
}

func TestAskValidationFailureContinues(t *testing.T) {
	answers := matrixAnswers()
	answers[oracle.CallSiteExtract] = []string{failAnswer}
	o := newScripted(answers)
	e := newEngine(t, o, Options{})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "How long is The Matrix?"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, resp.Status)
	// one retry on transport failure
	assert.Equal(t, 2, o.count(oracle.CallSiteExtract))
}

func TestAskTimeBudgetExhausted(t *testing.T) {
	o := newScripted(matrixAnswers())
	budgets := budget.NewManager(nil, zaptest.NewLogger(t), budget.Limits{TimeBudget: time.Nanosecond, MaxHops: 3})
	e := newEngine(t, o, Options{Budgets: budgets})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "How long is The Matrix?"})
	require.NoError(t, err)
	assert.Equal(t, StatusBudget, resp.Status)
	assert.Equal(t, string(state.ErrBudgetExhaustedTime), resp.ErrorKind)
	assert.Equal(t, budget.Message(state.ErrBudgetExhaustedTime), resp.Answer)
	assert.Equal(t, 0, o.count(oracle.CallSiteTool))
}

func TestAskAdversarialRoutingTerminates(t *testing.T) {
	// every domain claims the question and then gives up on it
	short := []catalog.Tool{}
	for name := range demoTools() {
		short = append(short, &catalog.StaticTool{ToolName: name, Rows: []catalog.Row{{"n": 1}}})
	}
	o := newScripted(map[string][]string{
		oracle.CallSiteRoute: {
			`{"primary": "content", "confidence": 0.9}`,
			`{"primary": "talent", "confidence": 0.9}`,
			`{"primary": "pricing", "confidence": 0.9}`,
			`{"primary": "availability", "confidence": 0.9}`,
			`{"primary": "discovery", "confidence": 0.9}`,
		},
		oracle.CallSiteExtract: {`{"entity_type": "none"}`},
		oracle.CallSiteSubtask: {"details"},
		oracle.CallSiteTool:    {"whatever"},
	})
	e := newEngine(t, o, Options{Tools: demoTools(short...)})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "Tell me everything"})
	require.NoError(t, err)
	assert.Equal(t, StatusBudget, resp.Status)
	assert.Equal(t, string(state.ErrHopLimitExceeded), resp.ErrorKind)
	assert.Equal(t, budget.Message(state.ErrHopLimitExceeded), resp.Answer)
	// the fourth re-route is refused before the oracle is asked
	assert.LessOrEqual(t, o.count(oracle.CallSiteRoute), 4)
	assert.Equal(t, 3, resp.HopCount)
	assert.Equal(t, []string{"content", "talent", "pricing", "availability"}, resp.VisitedDomains)
}

func TestAskRoutingExhaustedAsksToRephrase(t *testing.T) {
	short := &catalog.StaticTool{ToolName: "title_prices", Rows: []catalog.Row{{"n": 1}}}
	o := newScripted(map[string][]string{
		oracle.CallSiteRoute:   {`{"primary": "pricing", "confidence": 0.9}`},
		oracle.CallSiteExtract: {`{"entity_type": "title", "mention": "The Matrix"}`},
	})
	e := newEngine(t, o, Options{Tools: demoTools(short)})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "How much is The Matrix?"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarify, resp.Status)
	assert.Equal(t, clarifyRoutingMessage, resp.Answer)
	assert.Equal(t, []string{"pricing"}, resp.VisitedDomains)
	assert.Empty(t, resp.Options)
}

func TestAskStepLimit(t *testing.T) {
	o := newScripted(matrixAnswers())
	e := newEngine(t, o, Options{MaxSteps: 2})

	resp, err := e.Ask(context.Background(), AskRequest{Question: "How long is The Matrix?"})
	require.NoError(t, err)
	assert.Equal(t, StatusBudget, resp.Status)
	assert.Equal(t, string(state.ErrHopLimitExceeded), resp.ErrorKind)
	assert.Equal(t, 0, o.count(oracle.CallSiteTool))
}

package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxVisitsPerDomain bounds how often a single domain may be routed to within one request.
const MaxVisitsPerDomain = 2

// MaxDisambiguationOptions bounds the option list shown to the user.
const MaxDisambiguationOptions = 8

// Strategy is the execution strategy picked after routing.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyClarify  Strategy = "clarify"
	StrategyParallel Strategy = "parallel"
)

// DomainStatus reports how the last domain execution ended.
type DomainStatus string

const (
	DomainStatusNone       DomainStatus = ""
	DomainStatusSuccess    DomainStatus = "success"
	DomainStatusNotMyScope DomainStatus = "not_my_scope"
	DomainStatusError      DomainStatus = "error"
)

// ValidationStatus is the tag of ValidationResult.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = ""
	ValidationResolved  ValidationStatus = "resolved"
	ValidationAmbiguous ValidationStatus = "ambiguous"
	ValidationNotFound  ValidationStatus = "not_found"
	ValidationSkipped   ValidationStatus = "skipped"
)

// Entity is a catalog object a question refers to.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"` // movie, series, person
	Year int    `json:"year,omitempty"`
}

// Label renders the entity for option lists.
func (e Entity) Label() string {
	switch {
	case e.Year > 0 && e.Kind != "":
		return fmt.Sprintf("%s (%d, %s)", e.Name, e.Year, e.Kind)
	case e.Year > 0:
		return fmt.Sprintf("%s (%d)", e.Name, e.Year)
	case e.Kind != "":
		return fmt.Sprintf("%s (%s)", e.Name, e.Kind)
	}
	return e.Name
}

// ValidationResult is a tagged union: Entity is set only when resolved, Options only when ambiguous.
type ValidationResult struct {
	Status     ValidationStatus `json:"status"`
	EntityType string           `json:"entity_type,omitempty"`
	Mention    string           `json:"mention,omitempty"`
	Entity     *Entity          `json:"entity,omitempty"`
	Options    []Entity         `json:"options,omitempty"`
}

// Resolved builds a resolved validation result.
func Resolved(entityType, mention string, e Entity) ValidationResult {
	return ValidationResult{Status: ValidationResolved, EntityType: entityType, Mention: mention, Entity: &e}
}

// Ambiguous builds an ambiguous validation result capped at MaxDisambiguationOptions.
func Ambiguous(entityType, mention string, options []Entity) ValidationResult {
	if len(options) > MaxDisambiguationOptions {
		options = options[:MaxDisambiguationOptions]
	}
	return ValidationResult{Status: ValidationAmbiguous, EntityType: entityType, Mention: mention, Options: options}
}

// NotFound builds a not-found validation result.
func NotFound(entityType, mention string) ValidationResult {
	return ValidationResult{Status: ValidationNotFound, EntityType: entityType, Mention: mention}
}

// Skipped builds a skipped validation result.
func Skipped() ValidationResult {
	return ValidationResult{Status: ValidationSkipped}
}

// Candidate is a ranked routing alternative.
type Candidate struct {
	Domain string  `json:"domain"`
	Score  float64 `json:"score"`
}

// RoutingDecision is the parsed output of the top-level classifier.
type RoutingDecision struct {
	Primary    string      `json:"primary"`
	Confidence float64     `json:"confidence"`
	Candidates []Candidate `json:"candidates"`
}

// BudgetStatus is the per-request budget snapshot carried on the state.
type BudgetStatus struct {
	Elapsed         time.Duration            `json:"elapsed"`
	TokensUsed      int                      `json:"tokens_used"`
	NodeTime        map[string]time.Duration `json:"node_time,omitempty"`
	NodeTokens      map[string]int           `json:"node_tokens,omitempty"`
	Exhausted       bool                     `json:"exhausted"`
	ExhaustedReason ErrorKind                `json:"exhausted_reason,omitempty"`
}

// TranscriptEntry is one tool output with provenance.
type TranscriptEntry struct {
	Domain  string `json:"domain"`
	Tool    string `json:"tool"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
	// Empty marks a tool that ran but found nothing.
	Empty bool `json:"empty,omitempty"`
}

// Tag returns the domain/tool provenance tag.
func (t TranscriptEntry) Tag() string {
	return t.Domain + "/" + t.Tool
}

// RequestState is threaded through every pipeline node for one question.
type RequestState struct {
	RequestID string `json:"request_id"`
	ThreadID  string `json:"thread_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`

	SelectedDomain    string      `json:"selected_domain"`
	RoutingConfidence float64     `json:"routing_confidence"`
	RoutingCandidates []Candidate `json:"routing_candidates"`
	VisitedDomains    []string    `json:"visited_domains"`
	HopCount          int         `json:"hop_count"`
	Routed            bool        `json:"routed"`
	RerouteRequested  bool        `json:"reroute_requested"`
	SkipValidation    bool        `json:"skip_validation"`
	Strategy          Strategy    `json:"strategy"`

	Validation            ValidationResult `json:"validation"`
	PendingDisambiguation bool             `json:"pending_disambiguation"`
	DisambiguationOptions []Entity         `json:"disambiguation_options,omitempty"`

	Budget             BudgetStatus             `json:"budget"`
	DomainStatus       DomainStatus             `json:"domain_status"`
	Error              *PipelineError           `json:"error,omitempty"`
	ToolExecutionTimes map[string]time.Duration `json:"tool_execution_times"`
	Transcript         []TranscriptEntry        `json:"transcript,omitempty"`
}

// New creates the state for an incoming question. An empty threadID gets a generated one.
func New(question, threadID string) *RequestState {
	if threadID == "" {
		threadID = uuid.New().String()
	}
	return &RequestState{
		RequestID:          uuid.New().String(),
		ThreadID:           threadID,
		Question:           question,
		ToolExecutionTimes: make(map[string]time.Duration),
		Budget: BudgetStatus{
			NodeTime:   make(map[string]time.Duration),
			NodeTokens: make(map[string]int),
		},
	}
}

// Clone returns a deep copy so speculative branches never share mutable state.
func (s *RequestState) Clone() *RequestState {
	c := *s
	c.RoutingCandidates = append([]Candidate(nil), s.RoutingCandidates...)
	c.VisitedDomains = append([]string(nil), s.VisitedDomains...)
	c.DisambiguationOptions = append([]Entity(nil), s.DisambiguationOptions...)
	c.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	c.Validation.Options = append([]Entity(nil), s.Validation.Options...)
	if s.Validation.Entity != nil {
		e := *s.Validation.Entity
		c.Validation.Entity = &e
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	c.ToolExecutionTimes = make(map[string]time.Duration, len(s.ToolExecutionTimes))
	for k, v := range s.ToolExecutionTimes {
		c.ToolExecutionTimes[k] = v
	}
	c.Budget.NodeTime = make(map[string]time.Duration, len(s.Budget.NodeTime))
	for k, v := range s.Budget.NodeTime {
		c.Budget.NodeTime[k] = v
	}
	c.Budget.NodeTokens = make(map[string]int, len(s.Budget.NodeTokens))
	for k, v := range s.Budget.NodeTokens {
		c.Budget.NodeTokens[k] = v
	}
	return &c
}

// VisitCount reports how many times domain appears in VisitedDomains.
func (s *RequestState) VisitCount(domain string) int {
	n := 0
	for _, d := range s.VisitedDomains {
		if d == domain {
			n++
		}
	}
	return n
}

// Visited reports whether domain was routed to at least once.
func (s *RequestState) Visited(domain string) bool {
	return s.VisitCount(domain) > 0
}

// MarkVisited appends domain to the visited list and selects it.
func (s *RequestState) MarkVisited(domain string) error {
	if s.VisitCount(domain) >= MaxVisitsPerDomain {
		return fmt.Errorf("domain %q already visited %d times", domain, MaxVisitsPerDomain)
	}
	s.VisitedDomains = append(s.VisitedDomains, domain)
	s.SelectedDomain = domain
	return nil
}

// RecordToolTime stores a tool's execution time under its domain/tool key.
func (s *RequestState) RecordToolTime(domain, tool string, d time.Duration) {
	if s.ToolExecutionTimes == nil {
		s.ToolExecutionTimes = make(map[string]time.Duration)
	}
	s.ToolExecutionTimes[domain+"/"+tool] += d
}

// Fail records a pipeline error on the state.
func (s *RequestState) Fail(err *PipelineError) {
	s.Error = err
	if err != nil && err.Domain != "" {
		s.DomainStatus = DomainStatusError
	}
}

// SetPending stores the disambiguation options and raises the pending flag.
func (s *RequestState) SetPending(options []Entity) {
	if len(options) > MaxDisambiguationOptions {
		options = options[:MaxDisambiguationOptions]
	}
	s.DisambiguationOptions = append([]Entity(nil), options...)
	s.PendingDisambiguation = len(s.DisambiguationOptions) > 0
}

// Validate checks the state invariants.
func (s *RequestState) Validate(maxHops int) error {
	if s.Question == "" {
		return fmt.Errorf("question cannot be empty")
	}
	if s.RoutingConfidence < 0 || s.RoutingConfidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", s.RoutingConfidence)
	}
	if maxHops > 0 && s.HopCount > maxHops {
		return fmt.Errorf("hop count %d exceeds max hops %d", s.HopCount, maxHops)
	}
	seen := make(map[string]int, len(s.VisitedDomains))
	for _, d := range s.VisitedDomains {
		seen[d]++
		if seen[d] > MaxVisitsPerDomain {
			return fmt.Errorf("domain %q visited more than %d times", d, MaxVisitsPerDomain)
		}
	}
	if s.PendingDisambiguation && len(s.DisambiguationOptions) == 0 {
		return fmt.Errorf("pending disambiguation without options")
	}
	if s.DomainStatus == DomainStatusSuccess && s.RerouteRequested {
		return fmt.Errorf("re-route requested after successful domain execution")
	}
	return nil
}

// Package validation identifies and resolves the catalog entity a question is about before a
// domain executes.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/catalog"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/resolver"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

const extractPrompt = `You identify the single catalog entity a user question is about.
Entity types: title (a movie or series), actor, director, none (no specific entity).
Reply with one JSON object and nothing else:
{"entity_type": "title|actor|director|none", "mention": "<the entity exactly as written in the question>"}
If the question names several different entities reply with {"entity_type": "...", "status": "ambiguous"}.`

// Preprocessor extracts the entity mention with one oracle call and resolves it against the
// catalog. It has no side effects beyond that call.
type Preprocessor struct {
	oracle  oracle.Oracle
	source  catalog.CandidateSource
	routing *config.RoutingConfigManager
	logger  *zap.Logger
}

// NewPreprocessor creates a preprocessor. Resolver cutoffs come from the current routing snapshot.
func NewPreprocessor(o oracle.Oracle, source catalog.CandidateSource, routing *config.RoutingConfigManager, logger *zap.Logger) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if routing == nil {
		routing = config.NewRoutingConfigManager(nil, logger)
	}
	return &Preprocessor{oracle: o, source: source, routing: routing, logger: logger}
}

// Preprocess validates question for domain. A returned error is always accompanied by a
// skipped result so the caller may continue without validation.
func (p *Preprocessor) Preprocess(ctx context.Context, question string, domain config.DomainConfig) (state.ValidationResult, error) {
	if domain.SkipValidation {
		return state.Skipped(), nil
	}

	raw, err := p.extract(ctx, question, domain)
	if err != nil {
		return state.Skipped(), state.NewError(state.ErrOracleFailure, "validate", domain.Name, err)
	}

	ex, err := oracle.ParseExtraction(raw)
	if err != nil {
		metrics.OracleParseErrors.WithLabelValues(oracle.CallSiteExtract).Inc()
		p.logger.Warn("Unparseable entity extraction; continuing without validation",
			zap.String("domain", domain.Name),
			zap.Error(err),
		)
		return state.Skipped(), nil
	}

	entityType := ex.EntityType
	if entityType == "" {
		entityType = defaultEntityType(domain)
	}
	switch {
	case entityType == catalog.EntityNone:
		return state.Skipped(), nil
	case ex.Marker == oracle.MarkerNotFound:
		p.record(entityType, state.ValidationNotFound)
		return state.NotFound(entityType, ex.Mention), nil
	case strings.TrimSpace(ex.Mention) == "":
		p.logger.Warn("Extraction carried no mention; continuing without validation",
			zap.String("domain", domain.Name),
			zap.String("marker", string(ex.Marker)),
		)
		return state.Skipped(), nil
	}

	return p.resolve(ctx, entityType, ex.Mention, domain)
}

// extract makes the oracle call, retrying once on a transport failure only.
func (p *Preprocessor) extract(ctx context.Context, question string, domain config.DomainConfig) (string, error) {
	ctx = oracle.WithCallSite(ctx, oracle.CallSiteExtract)
	user := question
	if domain.EntityType != "" {
		user = fmt.Sprintf("Expected entity kind: %s\nQuestion: %s", domain.EntityType, question)
	}

	res, err := p.oracle.Invoke(ctx, extractPrompt, user)
	if err != nil && errors.Is(err, oracle.ErrUnavailable) && ctx.Err() == nil {
		p.logger.Warn("Entity extraction failed, retrying once", zap.String("domain", domain.Name), zap.Error(err))
		res, err = p.oracle.Invoke(ctx, extractPrompt, user)
	}
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (p *Preprocessor) resolve(ctx context.Context, entityType, mention string, domain config.DomainConfig) (state.ValidationResult, error) {
	candidates, err := p.source.Candidates(ctx, entityType, mention)
	if err != nil {
		return state.Skipped(), state.NewError(state.ErrToolExecution, "validate", domain.Name, err)
	}

	rc := p.routing.Get()
	opts := rc.PeopleSearch
	if entityType == catalog.EntityTitle {
		opts = rc.TitleSearch
	}
	res := resolver.Resolve(mention, candidates, opts)

	p.logger.Debug("Entity resolved",
		zap.String("domain", domain.Name),
		zap.String("entity_type", entityType),
		zap.String("mention", mention),
		zap.String("status", string(res.Status)),
		zap.Float64("cutoff", res.Cutoff),
		zap.Int("options", len(res.Options)),
	)

	var out state.ValidationResult
	switch res.Status {
	case resolver.StatusResolved:
		out = state.Resolved(entityType, mention, toEntity(res.Match.Candidate))
	case resolver.StatusAmbiguous:
		opts := make([]state.Entity, len(res.Options))
		for i, o := range res.Options {
			opts[i] = toEntity(o.Candidate)
		}
		out = state.Ambiguous(entityType, mention, opts)
	default:
		out = state.NotFound(entityType, mention)
	}
	p.record(entityType, out.Status)
	return out, nil
}

func (p *Preprocessor) record(entityType string, status state.ValidationStatus) {
	metrics.ResolverOutcomes.WithLabelValues(entityType, string(status)).Inc()
}

func toEntity(c resolver.Candidate) state.Entity {
	return state.Entity{ID: c.ID, Name: c.Name, Kind: c.Kind, Year: c.Year}
}

func defaultEntityType(d config.DomainConfig) string {
	if d.EntityType == "person" {
		return catalog.EntityActor
	}
	return catalog.EntityTitle
}

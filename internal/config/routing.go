package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/resolver"
)

// RoutingFile is the hot-reloaded routing configuration file name.
const RoutingFile = "routing.yaml"

// DomainConfig declares one routable domain.
type DomainConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	// EntityType hints the extractor: "title" or "person".
	EntityType     string   `yaml:"entity_type" json:"entity_type"`
	SkipValidation bool     `yaml:"skip_validation" json:"skip_validation"`
	SubTasks       []string `yaml:"sub_tasks" json:"sub_tasks"`
	Tools          []string `yaml:"tools" json:"tools"`
	FallbackTool   string   `yaml:"fallback_tool" json:"fallback_tool"`
	// ParallelThreshold overrides Thresholds.ParallelConfidence when > 0.
	ParallelThreshold float64 `yaml:"parallel_threshold" json:"parallel_threshold"`
}

// Thresholds drive strategy selection.
type Thresholds struct {
	ParallelConfidence float64 `yaml:"parallel_confidence" json:"parallel_confidence"`
	MinCandidateScore  float64 `yaml:"min_candidate_score" json:"min_candidate_score"`
	MaxGap             float64 `yaml:"max_gap" json:"max_gap"`
}

// BudgetSettings are the per-request limits.
type BudgetSettings struct {
	TimeBudgetMs     int            `yaml:"time_budget_ms" json:"time_budget_ms"`
	TokenBudget      int            `yaml:"token_budget" json:"token_budget"`
	MaxHops          int            `yaml:"max_hops" json:"max_hops"`
	NodeSoftLimitsMs map[string]int `yaml:"node_soft_limits_ms" json:"node_soft_limits_ms"`
}

// TimeBudget returns the wall-clock budget as a duration.
func (b BudgetSettings) TimeBudget() time.Duration {
	return time.Duration(b.TimeBudgetMs) * time.Millisecond
}

// NodeSoftLimits converts the per-node soft limits.
func (b BudgetSettings) NodeSoftLimits() map[string]time.Duration {
	out := make(map[string]time.Duration, len(b.NodeSoftLimitsMs))
	for k, v := range b.NodeSoftLimitsMs {
		out[k] = time.Duration(v) * time.Millisecond
	}
	return out
}

// RoutingConfig is an immutable snapshot of routing behaviour. Never mutate a snapshot
// obtained from RoutingConfigManager.Get.
type RoutingConfig struct {
	Domains            []DomainConfig   `yaml:"domains" json:"domains"`
	Thresholds         Thresholds       `yaml:"thresholds" json:"thresholds"`
	TitleSearch        resolver.Options `yaml:"title_search" json:"title_search"`
	PeopleSearch       resolver.Options `yaml:"people_search" json:"people_search"`
	MaxIterations      int              `yaml:"max_iterations" json:"max_iterations"`
	MinTranscriptChars int              `yaml:"min_transcript_chars" json:"min_transcript_chars"`
	Budget             BudgetSettings   `yaml:"budget" json:"budget"`
}

// Domain looks a domain up by name.
func (rc *RoutingConfig) Domain(name string) (DomainConfig, bool) {
	for _, d := range rc.Domains {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return DomainConfig{}, false
}

// DomainNames lists the configured domains in order.
func (rc *RoutingConfig) DomainNames() []string {
	out := make([]string, len(rc.Domains))
	for i, d := range rc.Domains {
		out[i] = d.Name
	}
	return out
}

// ParallelThreshold returns the confidence threshold for domain.
func (rc *RoutingConfig) ParallelThreshold(domain string) float64 {
	if d, ok := rc.Domain(domain); ok && d.ParallelThreshold > 0 {
		return d.ParallelThreshold
	}
	return rc.Thresholds.ParallelConfidence
}

// DefaultRoutingConfig returns the shipped domains and limits.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		Domains: []DomainConfig{
			{
				Name:         "content",
				Description:  "Catalog metadata about a specific title: details, genres, runtime, cast list.",
				EntityType:   "title",
				SubTasks:     []string{"details", "cast", "genres"},
				Tools:        []string{"title_details", "title_cast", "title_genres"},
				FallbackTool: "title_details",
			},
			{
				Name:         "talent",
				Description:  "People in the catalog: actors, directors and their filmographies.",
				EntityType:   "person",
				SubTasks:     []string{"biography", "filmography"},
				Tools:        []string{"person_details", "person_filmography"},
				FallbackTool: "person_filmography",
			},
			{
				Name:         "pricing",
				Description:  "Rental and purchase prices of a title per region.",
				EntityType:   "title",
				SubTasks:     []string{"price_lookup"},
				Tools:        []string{"title_prices"},
				FallbackTool: "title_prices",
			},
			{
				Name:         "availability",
				Description:  "Which streaming platforms and regions carry a title.",
				EntityType:   "title",
				SubTasks:     []string{"where_to_watch"},
				Tools:        []string{"title_availability"},
				FallbackTool: "title_availability",
			},
			{
				Name:           "discovery",
				Description:    "Open-ended browsing and recommendations, e.g. top rated comedies.",
				SkipValidation: true,
				SubTasks:       []string{"search", "top_rated"},
				Tools:          []string{"search_titles", "top_rated"},
				FallbackTool:   "search_titles",
			},
		},
		Thresholds: Thresholds{
			ParallelConfidence: 0.75,
			MinCandidateScore:  0.5,
			MaxGap:             0.10,
		},
		TitleSearch:        resolver.TitleSearchOptions(),
		PeopleSearch:       resolver.DefaultOptions(),
		MaxIterations:      3,
		MinTranscriptChars: 20,
		Budget: BudgetSettings{
			TimeBudgetMs: 30000,
			TokenBudget:  8000,
			MaxHops:      3,
			NodeSoftLimitsMs: map[string]int{
				"route":     3000,
				"validate":  3000,
				"execute":   15000,
				"parallel":  20000,
				"aggregate": 500,
			},
		},
	}
}

// ParseRoutingConfig decodes YAML (or JSON) over the defaults and applies env overrides.
// Keys missing from data keep their default value; a non-empty domains list replaces the
// default domains entirely.
func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	rc := DefaultRoutingConfig()
	rc.Domains = nil
	if err := yaml.Unmarshal(data, rc); err != nil {
		return nil, fmt.Errorf("parse routing config: %w", err)
	}
	if len(rc.Domains) == 0 {
		rc.Domains = DefaultRoutingConfig().Domains
	}
	ApplyRoutingEnv(rc)
	return rc, nil
}

// RoutingConfigFromMap converts a ConfigManager payload into a RoutingConfig.
func RoutingConfigFromMap(m map[string]interface{}) (*RoutingConfig, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode routing config: %w", err)
	}
	return ParseRoutingConfig(data)
}

// LoadRoutingConfig reads dir/routing.yaml. A missing file yields the defaults.
func LoadRoutingConfig(dir string) (*RoutingConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, RoutingFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			rc := DefaultRoutingConfig()
			ApplyRoutingEnv(rc)
			return rc, nil
		}
		return nil, fmt.Errorf("read routing config: %w", err)
	}
	rc, err := ParseRoutingConfig(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateRoutingConfig(rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// ApplyRoutingEnv merges ROUTING_TIME_BUDGET_MS, ROUTING_TOKEN_BUDGET and ROUTING_MAX_HOPS.
func ApplyRoutingEnv(rc *RoutingConfig) {
	envInt("ROUTING_TIME_BUDGET_MS", &rc.Budget.TimeBudgetMs)
	envInt("ROUTING_TOKEN_BUDGET", &rc.Budget.TokenBudget)
	envInt("ROUTING_MAX_HOPS", &rc.Budget.MaxHops)
}

// ValidateRoutingConfig checks a snapshot before it is applied.
func ValidateRoutingConfig(rc *RoutingConfig) error {
	if rc == nil {
		return errors.New("routing config is nil")
	}
	if len(rc.Domains) == 0 {
		return errors.New("at least one domain is required")
	}
	seen := make(map[string]bool, len(rc.Domains))
	for i, d := range rc.Domains {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			return fmt.Errorf("domain %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate domain %q", d.Name)
		}
		seen[name] = true
		if len(d.Tools) == 0 {
			return fmt.Errorf("domain %q has no tools", d.Name)
		}
		if len(d.SubTasks) == 0 {
			return fmt.Errorf("domain %q has no sub_tasks", d.Name)
		}
		if d.FallbackTool != "" && !containsFold(d.Tools, d.FallbackTool) {
			return fmt.Errorf("domain %q: fallback_tool %q is not in its tools", d.Name, d.FallbackTool)
		}
		if !d.SkipValidation && d.EntityType != "title" && d.EntityType != "person" {
			return fmt.Errorf("domain %q: entity_type must be title or person when validation runs", d.Name)
		}
		if d.ParallelThreshold < 0 || d.ParallelThreshold > 1 {
			return fmt.Errorf("domain %q: parallel_threshold must be within [0,1]", d.Name)
		}
	}
	t := rc.Thresholds
	for name, v := range map[string]float64{
		"parallel_confidence": t.ParallelConfidence,
		"min_candidate_score": t.MinCandidateScore,
		"max_gap":             t.MaxGap,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("thresholds.%s must be within [0,1], got %v", name, v)
		}
	}
	for name, o := range map[string]resolver.Options{"title_search": rc.TitleSearch, "people_search": rc.PeopleSearch} {
		if o.Cutoff < 0 || o.Cutoff > 100 {
			return fmt.Errorf("%s.cutoff must be within [0,100]", name)
		}
		for _, r := range o.Relaxations {
			if r <= 0 || r > 1 {
				return fmt.Errorf("%s.relaxations must be within (0,1]", name)
			}
		}
		if o.AmbiguousLimit > resolver.MaxOptions {
			return fmt.Errorf("%s.ambiguous_limit must not exceed %d", name, resolver.MaxOptions)
		}
	}
	if rc.MaxIterations < 1 {
		return errors.New("max_iterations must be at least 1")
	}
	if rc.MinTranscriptChars < 0 {
		return errors.New("min_transcript_chars must not be negative")
	}
	if rc.Budget.TimeBudgetMs <= 0 || rc.Budget.TokenBudget <= 0 || rc.Budget.MaxHops <= 0 {
		return errors.New("budget limits must be positive")
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ValidateRoutingMap adapts ValidateRoutingConfig for ConfigManager.RegisterValidator.
func ValidateRoutingMap(m map[string]interface{}) error {
	rc, err := RoutingConfigFromMap(m)
	if err != nil {
		return err
	}
	return ValidateRoutingConfig(rc)
}

// RoutingConfigManager hands out routing snapshots. Updates swap the pointer atomically so
// an in-flight request keeps the snapshot it started with.
type RoutingConfigManager struct {
	current   atomic.Pointer[RoutingConfig]
	logger    *zap.Logger
	mu        sync.Mutex
	listeners []func(*RoutingConfig)
}

// NewRoutingConfigManager starts from initial, or the defaults when initial is nil.
func NewRoutingConfigManager(initial *RoutingConfig, logger *zap.Logger) *RoutingConfigManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initial == nil {
		initial = DefaultRoutingConfig()
	}
	m := &RoutingConfigManager{logger: logger}
	m.current.Store(initial)
	return m
}

// Get returns the current snapshot.
func (m *RoutingConfigManager) Get() *RoutingConfig {
	return m.current.Load()
}

// OnUpdate registers a listener called after each applied snapshot.
func (m *RoutingConfigManager) OnUpdate(fn func(*RoutingConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Update validates rc and makes it current. An invalid snapshot leaves the previous one in place.
func (m *RoutingConfigManager) Update(rc *RoutingConfig) error {
	if err := ValidateRoutingConfig(rc); err != nil {
		m.logger.Warn("Rejected routing config", zap.Error(err))
		return err
	}
	m.current.Store(rc)

	m.mu.Lock()
	listeners := make([]func(*RoutingConfig), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(rc)
	}

	m.logger.Info("Routing config applied",
		zap.Strings("domains", rc.DomainNames()),
		zap.Float64("parallel_confidence", rc.Thresholds.ParallelConfidence),
		zap.Int("max_iterations", rc.MaxIterations),
		zap.Int("max_hops", rc.Budget.MaxHops),
	)
	return nil
}

// HandleChange is a ConfigManager ChangeHandler for routing.yaml. Deletions keep the last
// good snapshot.
func (m *RoutingConfigManager) HandleChange(event ChangeEvent) error {
	if event.Action == "delete" {
		m.logger.Warn("Routing config removed; keeping last snapshot", zap.String("file", event.File))
		return nil
	}
	rc, err := RoutingConfigFromMap(event.Config)
	if err != nil {
		return err
	}
	return m.Update(rc)
}

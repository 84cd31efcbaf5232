package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/tracing"
)

const maxResponseBytes = 1 << 20

// textPaths are the response shapes the completion endpoint is known to produce.
var textPaths = []string{"completion", "text", "content", "choices.0.message.content", "choices.0.text", "response"}

var tokenPaths = []string{"usage.total_tokens", "total_tokens", "tokens_used", "usage.tokens"}

// Config configures the HTTP oracle.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Model       string        `mapstructure:"model"`
}

// ConfigFromEnv fills unset fields from LLM_SERVICE_URL and ORACLE_TIMEOUT_SECONDS.
func ConfigFromEnv(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("LLM_SERVICE_URL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://llm-service:8000"
	}
	if v := os.Getenv("ORACLE_TIMEOUT_SECONDS"); v != "" && cfg.Timeout <= 0 {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return cfg
}

// HTTPClient posts prompts to the LLM service completion endpoint.
type HTTPClient struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewHTTPClient builds a client guarded by the oracle circuit breaker.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = ConfigFromEnv(cfg)
	hc := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(hc, "oracle", "llm-service", logger),
		logger: logger,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Model       string    `json:"model,omitempty"`
}

// Invoke sends one completion request.
func (c *HTTPClient) Invoke(ctx context.Context, systemPrompt, userText string) (Result, error) {
	site := CallSite(ctx)
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/completions/"

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(completionRequest{
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userText},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Model:       c.cfg.Model,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordOracleCall(site, "error", time.Since(start).Seconds())
		c.logger.Warn("Oracle request failed", zap.String("call_site", site), zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RecordOracleCall(site, "error", time.Since(start).Seconds())
		return Result{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		metrics.RecordOracleCall(site, "http_"+strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	res, err := decodeCompletion(raw)
	if err != nil {
		metrics.RecordOracleCall(site, "empty", time.Since(start).Seconds())
		return Result{}, err
	}
	metrics.RecordOracleCall(site, "ok", time.Since(start).Seconds())
	return res, nil
}

// BreakerState reports the oracle breaker position for health checks.
func (c *HTTPClient) BreakerState() circuitbreaker.State {
	return c.http.State()
}

// decodeCompletion accepts any of the known response shapes. A body that is not JSON is taken
// as plain text.
func decodeCompletion(raw []byte) (Result, error) {
	if !gjson.ValidBytes(raw) {
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return Result{}, ErrEmptyResponse
		}
		return Result{Text: text}, nil
	}

	doc := gjson.ParseBytes(raw)
	var res Result
	for _, p := range textPaths {
		if v := doc.Get(p); v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			res.Text = v.String()
			break
		}
	}
	if res.Text == "" && doc.Type == gjson.String {
		res.Text = doc.String()
	}
	if strings.TrimSpace(res.Text) == "" {
		return Result{}, ErrEmptyResponse
	}
	for _, p := range tokenPaths {
		if v := doc.Get(p); v.Exists() && v.Int() > 0 {
			res.TokensUsed = int(v.Int())
			break
		}
	}
	return res, nil
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.HTTPPort)
	assert.Equal(t, 600*time.Second, cfg.Session.TTL)
	assert.Equal(t, 15*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, "sqlite3", cfg.Catalog.Driver)
	assert.Equal(t, dir, cfg.RoutingDir)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogrouter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
redis:
  addr: file-redis:6379
session:
  ttl: 120s
postgres:
  host: pg
  user: router
  database: runs
`), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("POSTGRES_PORT", "6543")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 120*time.Second, cfg.Session.TTL)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "host=pg port=6543 user=router password= dbname=runs sslmode=disable", cfg.Postgres.DSN())
}

func TestPostgresDSNEmptyWithoutHost(t *testing.T) {
	assert.Empty(t, PostgresConfig{Port: 5432}.DSN())
}

func TestDefaultRoutingConfigIsValid(t *testing.T) {
	rc := DefaultRoutingConfig()
	require.NoError(t, ValidateRoutingConfig(rc))
	assert.Equal(t, []string{"content", "talent", "pricing", "availability", "discovery"}, rc.DomainNames())

	d, ok := rc.Domain("DISCOVERY")
	require.True(t, ok)
	assert.True(t, d.SkipValidation)
	assert.Equal(t, 30*time.Second, rc.Budget.TimeBudget())
	assert.Equal(t, 3*time.Second, rc.Budget.NodeSoftLimits()["route"])
	assert.Equal(t, 0.75, rc.ParallelThreshold("talent"))
}

func TestParseRoutingConfigMergesOverDefaults(t *testing.T) {
	rc, err := ParseRoutingConfig([]byte(`
thresholds:
  parallel_confidence: 0.6
max_iterations: 5
domains:
  - name: content
    entity_type: title
    sub_tasks: [details]
    tools: [title_details]
    fallback_tool: title_details
    parallel_threshold: 0.9
`))
	require.NoError(t, err)
	require.NoError(t, ValidateRoutingConfig(rc))
	assert.Equal(t, 0.6, rc.Thresholds.ParallelConfidence)
	assert.Equal(t, 0.5, rc.Thresholds.MinCandidateScore)
	assert.Equal(t, 5, rc.MaxIterations)
	assert.Equal(t, []string{"content"}, rc.DomainNames())
	assert.Equal(t, 0.9, rc.ParallelThreshold("content"))
	assert.Equal(t, 8000, rc.Budget.TokenBudget)
	assert.Equal(t, []float64{0.3, 0.2}, rc.TitleSearch.Relaxations)
}

func TestParseRoutingConfigEnvOverrides(t *testing.T) {
	t.Setenv("ROUTING_MAX_HOPS", "5")
	t.Setenv("ROUTING_TIME_BUDGET_MS", "1000")
	rc, err := ParseRoutingConfig([]byte(`max_iterations: 2`))
	require.NoError(t, err)
	assert.Equal(t, 5, rc.Budget.MaxHops)
	assert.Equal(t, time.Second, rc.Budget.TimeBudget())
	assert.Len(t, rc.Domains, 5)
}

func TestValidateRoutingConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RoutingConfig)
	}{
		{"no domains", func(rc *RoutingConfig) { rc.Domains = nil }},
		{"duplicate domain", func(rc *RoutingConfig) { rc.Domains = append(rc.Domains, rc.Domains[0]) }},
		{"no tools", func(rc *RoutingConfig) { rc.Domains[0].Tools = nil }},
		{"fallback not whitelisted", func(rc *RoutingConfig) { rc.Domains[0].FallbackTool = "drop_tables" }},
		{"missing entity type", func(rc *RoutingConfig) { rc.Domains[1].EntityType = "" }},
		{"threshold above one", func(rc *RoutingConfig) { rc.Thresholds.MaxGap = 1.5 }},
		{"relaxation out of range", func(rc *RoutingConfig) { rc.TitleSearch.Relaxations = []float64{30} }},
		{"zero iterations", func(rc *RoutingConfig) { rc.MaxIterations = 0 }},
		{"zero hops", func(rc *RoutingConfig) { rc.Budget.MaxHops = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := DefaultRoutingConfig()
			tt.mutate(rc)
			assert.Error(t, ValidateRoutingConfig(rc))
		})
	}
}

func TestLoadRoutingConfigMissingFile(t *testing.T) {
	rc, err := LoadRoutingConfig(t.TempDir())
	require.NoError(t, err)
	assert.Len(t, rc.Domains, 5)
}

func TestRoutingConfigManagerUpdate(t *testing.T) {
	m := NewRoutingConfigManager(nil, zaptest.NewLogger(t))
	first := m.Get()

	var notified *RoutingConfig
	m.OnUpdate(func(rc *RoutingConfig) { notified = rc })

	bad := DefaultRoutingConfig()
	bad.MaxIterations = 0
	require.Error(t, m.Update(bad))
	assert.Same(t, first, m.Get())
	assert.Nil(t, notified)

	good := DefaultRoutingConfig()
	good.MaxIterations = 4
	require.NoError(t, m.Update(good))
	assert.Same(t, good, m.Get())
	assert.Same(t, good, notified)
	assert.Equal(t, 3, first.MaxIterations)

	require.NoError(t, m.HandleChange(ChangeEvent{File: RoutingFile, Action: "delete"}))
	assert.Same(t, good, m.Get())

	require.NoError(t, m.HandleChange(ChangeEvent{
		File:   RoutingFile,
		Action: "modify",
		Config: map[string]interface{}{"max_iterations": 2},
	}))
	assert.Equal(t, 2, m.Get().MaxIterations)
}

func TestConfigManagerHotReloadsRouting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, RoutingFile)
	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 5\n"), 0o644))

	logger := zap.NewNop()
	rcm := NewRoutingConfigManager(nil, logger)
	cm, err := NewConfigManager(dir, logger)
	require.NoError(t, err)
	cm.RegisterValidator(RoutingFile, ValidateRoutingMap)
	cm.RegisterHandler(RoutingFile, rcm.HandleChange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cm.Start(ctx))
	defer cm.Stop()

	assert.Eventually(t, func() bool { return rcm.Get().MaxIterations == 5 }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 2\n"), 0o644))
	assert.Eventually(t, func() bool { return rcm.Get().MaxIterations == 2 }, 3*time.Second, 20*time.Millisecond)

	cfg, ok := cm.GetConfig(RoutingFile)
	require.True(t, ok)
	assert.Equal(t, 2, cfg["max_iterations"])
}

func TestConfigManagerSetConfigValidates(t *testing.T) {
	cm, err := NewConfigManager(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	cm.RegisterValidator(RoutingFile, ValidateRoutingMap)

	err = cm.SetConfig(RoutingFile, map[string]interface{}{"max_iterations": 0})
	assert.Error(t, err)
	_, ok := cm.GetConfig(RoutingFile)
	assert.False(t, ok)

	require.NoError(t, cm.SetConfig(RoutingFile, map[string]interface{}{"max_iterations": 3}))
	_, ok = cm.GetConfig(RoutingFile)
	assert.True(t, ok)
}

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreatesAndUpdates(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(WithConfigDir(dir))
	require.NoError(t, err)

	path := filepath.Join(dir, "config.json")
	_, err = os.Stat(path)
	require.NoError(t, err, "config file not created")

	cfg := mgr.Get()
	cfg.DataDir = filepath.Join(dir, "data2")
	cfg.RunTimeout = Duration(2 * time.Minute)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateFromJSON(string(data)))

	updated := mgr.Get()
	assert.Equal(t, cfg.DataDir, updated.DataDir)
	assert.Equal(t, 2*time.Minute, updated.RunTimeout.Std())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"run_timeout": "2m0s"`)
}

func TestManagerRejectsInvalidUpdate(t *testing.T) {
	mgr, err := NewManager(WithConfigDir(t.TempDir()))
	require.NoError(t, err)

	cfg := mgr.Get()
	cfg.ProviderConcurrency = 0
	err = mgr.Update(cfg)
	require.Error(t, err)
	assert.Equal(t, 4, mgr.Get().ProviderConcurrency)
}

func TestManagerWatchReloads(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(WithConfigDir(dir), WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 1)
	require.NoError(t, mgr.Watch(ctx, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))

	cfg := mgr.Get()
	cfg.DataDir = filepath.Join(dir, "changed")
	require.NoError(t, writeConfigFile(mgr.Path(), cfg))

	select {
	case got := <-reloaded:
		assert.Equal(t, cfg.DataDir, got.DataDir)
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not fire on config change")
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(WithConfigDir(dir))
	require.NoError(t, err)

	var seen []Config
	mgr.onChange = func(cfg Config) { seen = append(seen, cfg) }

	cfg := mgr.Get()
	cfg.ToolRetries = 7
	require.NoError(t, writeConfigFile(mgr.Path(), cfg))
	require.NoError(t, mgr.Reload())
	assert.Equal(t, 7, mgr.Get().ToolRetries)

	// unchanged file applies nothing
	require.NoError(t, mgr.Reload())

	require.NoError(t, os.WriteFile(mgr.Path(), []byte(`{"provider_concurrency": 0}`), 0o644))
	require.Error(t, mgr.Reload())
	assert.Equal(t, 7, mgr.Get().ToolRetries, "invalid file must not replace the config")

	require.NoError(t, os.Remove(mgr.Path()))
	require.NoError(t, mgr.Reload())
	_, err = os.Stat(mgr.Path())
	require.NoError(t, err, "deleted config not recreated")
	assert.Equal(t, DefaultConfigWithRoot(dir).ToolRetries, mgr.Get().ToolRetries)
	assert.Len(t, seen, 2)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"node_timeout": "45s", "tool_retries": 5}`), 0o644))

	mgr, err := NewManager(WithConfigPath(path))
	require.NoError(t, err)

	cfg := mgr.Get()
	assert.Equal(t, 45*time.Second, cfg.NodeTimeout.Std())
	assert.Equal(t, 5, cfg.ToolRetries)
	assert.Equal(t, 2, cfg.MaxParseRetries)
	assert.Equal(t, 0.15, cfg.BuyThreshold)
}

func TestDurationAcceptsSeconds(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`1.5`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	require.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfigWithRoot(t.TempDir())
	require.NoError(t, cfg.Validate())

	cfg.CacheBackend = "memcached"
	cfg.BuyThreshold = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_backend")
	assert.Contains(t, err.Error(), "thresholds")

	cfg = DefaultConfigWithRoot(t.TempDir())
	cfg.RiskRounds = 11
	require.ErrorContains(t, cfg.Validate(), "risk_rounds")
	cfg.RiskRounds, cfg.DebateRounds = 0, 3
	require.NoError(t, cfg.Validate())
	assert.Equal(t, map[string]int{"investment": 3, "risk": 0}, cfg.Rounds())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRADEFLOW_RUN_TIMEOUT", "90s")
	t.Setenv("TRADEFLOW_CACHE_BACKEND", "redis")
	t.Setenv("FINNHUB_API_KEY", "fh-key")

	cfg := DefaultConfigWithRoot(t.TempDir())
	cfg.LoadFromEnv()
	assert.Equal(t, 90*time.Second, cfg.RunTimeout.Std())
	assert.Equal(t, "redis", cfg.CacheBackend)
	assert.Equal(t, "fh-key", cfg.FinnhubAPIKey)
}

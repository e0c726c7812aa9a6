package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dyike/tradeflow/consts"
)

type Config struct {
	ProjectDir   string `json:"project_dir"`
	DataDir      string `json:"data_dir"`
	DataCacheDir string `json:"data_cache_dir"`
	HistoryDB    string `json:"history_db"`
	RosterPath   string `json:"roster_path"`

	// Debate rounds per speaker. Zero keeps the roster's own setting.
	DebateRounds int `json:"debate_rounds"`
	RiskRounds   int `json:"risk_rounds"`

	LLMProvider string  `json:"llm_provider"`
	LLMModel    string  `json:"llm_model"`
	BackendURL  string  `json:"backend_url"`
	LLMAPIKey   string  `json:"llm_api_key"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`

	// Scheduler
	RunTimeout      Duration `json:"run_timeout"`
	NodeTimeout     Duration `json:"node_timeout"`
	AggregatorGrace Duration `json:"aggregator_grace"`

	// Agent runner
	MaxParseRetries    int      `json:"max_parse_retries"`
	MaxGenerateRetries int      `json:"max_generate_retries"`
	GenerateBackoff    Duration `json:"generate_backoff"`
	MaxToolRounds      int      `json:"max_tool_rounds"`
	MaxContextChars    int      `json:"max_context_chars"`

	// Tool gateway
	ToolTimeout         Duration `json:"tool_timeout"`
	ToolRetries         int      `json:"tool_retries"`
	ToolBackoff         Duration `json:"tool_backoff"`
	ProviderConcurrency int      `json:"provider_concurrency"`
	ProviderRPS         float64  `json:"provider_rps"`

	MarketTTL       Duration `json:"market_ttl"`
	FundamentalsTTL Duration `json:"fundamentals_ttl"`
	NewsTTL         Duration `json:"news_ttl"`
	SentimentTTL    Duration `json:"sentiment_ttl"`

	CacheBackend  string `json:"cache_backend"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// Aggregator
	BuyThreshold  float64 `json:"buy_threshold"`
	SellThreshold float64 `json:"sell_threshold"`

	LogLevel    string `json:"log_level"`
	LogEnv      string `json:"log_env"`
	MetricsAddr string `json:"metrics_addr"`

	// Longport API Configuration
	LongportAppKey      string `json:"longport_app_key"`
	LongportAppSecret   string `json:"longport_app_secret"`
	LongportAccessToken string `json:"longport_access_token"`

	FinnhubAPIKey string `json:"finnhub_api_key"`
}

// DefaultConfigWithRoot returns defaults with every path below root.
func DefaultConfigWithRoot(root string) *Config {
	return &Config{
		ProjectDir:   root,
		DataDir:      filepath.Join(root, "data"),
		DataCacheDir: filepath.Join(root, "data", "cache"),
		HistoryDB:    filepath.Join(root, "data", "history.db"),

		LLMProvider: "deepseek",
		LLMModel:    "deepseek-chat",
		BackendURL:  "https://api.deepseek.com/v1",
		MaxTokens:   2048,
		Temperature: 0.2,

		RunTimeout:      Duration(10 * time.Minute),
		NodeTimeout:     Duration(3 * time.Minute),
		AggregatorGrace: Duration(30 * time.Second),

		MaxParseRetries:    2,
		MaxGenerateRetries: 3,
		GenerateBackoff:    Duration(time.Second),
		MaxToolRounds:      4,
		MaxContextChars:    6000,

		ToolTimeout:         Duration(20 * time.Second),
		ToolRetries:         2,
		ToolBackoff:         Duration(500 * time.Millisecond),
		ProviderConcurrency: 4,

		MarketTTL:       Duration(24 * time.Hour),
		FundamentalsTTL: Duration(24 * time.Hour),
		NewsTTL:         Duration(time.Hour),
		SentimentTTL:    Duration(6 * time.Hour),

		CacheBackend: "memory",
		RedisAddr:    "localhost:6379",

		BuyThreshold:  0.15,
		SellThreshold: 0.15,

		LogLevel: "info",
		LogEnv:   "development",
	}
}

func DefaultConfig() *Config {
	currentDir, _ := os.Getwd()
	cfg := DefaultConfigWithRoot(currentDir)

	// Load environment variables from .env file
	_ = godotenv.Load()
	cfg.LoadFromEnv()
	return cfg
}

// LoadFromEnv overrides fields from TRADEFLOW_* and provider variables.
func (c *Config) LoadFromEnv() {
	setString(&c.ProjectDir, "TRADEFLOW_PROJECT_DIR")
	setString(&c.DataDir, "TRADEFLOW_DATA_DIR")
	setString(&c.DataCacheDir, "TRADEFLOW_DATA_CACHE_DIR")
	setString(&c.HistoryDB, "TRADEFLOW_HISTORY_DB")
	setString(&c.RosterPath, "TRADEFLOW_ROSTER")
	setInt(&c.DebateRounds, "TRADEFLOW_DEBATE_ROUNDS")
	setInt(&c.RiskRounds, "TRADEFLOW_RISK_ROUNDS")

	setString(&c.LLMProvider, "TRADEFLOW_LLM_PROVIDER")
	setString(&c.LLMModel, "TRADEFLOW_LLM_MODEL")
	setString(&c.BackendURL, "TRADEFLOW_BACKEND_URL")
	setString(&c.LLMAPIKey, "DEEPSEEK_API_KEY")
	setString(&c.LLMAPIKey, "OPENAI_API_KEY")
	setString(&c.LLMAPIKey, "TRADEFLOW_LLM_API_KEY")
	setInt(&c.MaxTokens, "TRADEFLOW_MAX_TOKENS")

	setDuration(&c.RunTimeout, "TRADEFLOW_RUN_TIMEOUT")
	setDuration(&c.NodeTimeout, "TRADEFLOW_NODE_TIMEOUT")
	setDuration(&c.ToolTimeout, "TRADEFLOW_TOOL_TIMEOUT")
	setInt(&c.ProviderConcurrency, "TRADEFLOW_PROVIDER_CONCURRENCY")
	if val := os.Getenv("TRADEFLOW_PROVIDER_RPS"); val != "" {
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			c.ProviderRPS = v
		}
	}

	setString(&c.CacheBackend, "TRADEFLOW_CACHE_BACKEND")
	setString(&c.RedisAddr, "TRADEFLOW_REDIS_ADDR")
	setString(&c.RedisPassword, "TRADEFLOW_REDIS_PASSWORD")
	setInt(&c.RedisDB, "TRADEFLOW_REDIS_DB")

	setString(&c.LogLevel, "TRADEFLOW_LOG_LEVEL")
	setString(&c.LogEnv, "TRADEFLOW_LOG_ENV")
	setString(&c.MetricsAddr, "TRADEFLOW_METRICS_ADDR")

	setString(&c.LongportAppKey, "LONGPORT_APP_KEY")
	setString(&c.LongportAppSecret, "LONGPORT_APP_SECRET")
	setString(&c.LongportAccessToken, "LONGPORT_ACCESS_TOKEN")
	setString(&c.FinnhubAPIKey, "FINNHUB_API_KEY")
	setString(&c.FinnhubAPIKey, "TRADEFLOW_FINNHUB_API_KEY")
}

func (c *Config) Validate() error {
	var errs []error
	if c.RunTimeout <= 0 {
		errs = append(errs, errors.New("run_timeout must be positive"))
	}
	if c.NodeTimeout <= 0 {
		errs = append(errs, errors.New("node_timeout must be positive"))
	}
	if c.ToolTimeout <= 0 {
		errs = append(errs, errors.New("tool_timeout must be positive"))
	}
	if c.MaxParseRetries < 0 || c.MaxGenerateRetries < 0 || c.ToolRetries < 0 {
		errs = append(errs, errors.New("retry counts must not be negative"))
	}
	if c.DebateRounds < 0 || c.DebateRounds > consts.MaxDebateRounds || c.RiskRounds < 0 || c.RiskRounds > consts.MaxDebateRounds {
		errs = append(errs, fmt.Errorf("debate_rounds and risk_rounds must be between 0 and %d", consts.MaxDebateRounds))
	}
	if c.MaxToolRounds < 1 {
		errs = append(errs, errors.New("max_tool_rounds must be at least 1"))
	}
	if c.ProviderConcurrency < 1 {
		errs = append(errs, errors.New("provider_concurrency must be at least 1"))
	}
	if c.ProviderRPS < 0 {
		errs = append(errs, errors.New("provider_rps must not be negative"))
	}
	if c.BuyThreshold <= 0 || c.BuyThreshold > 1 || c.SellThreshold <= 0 || c.SellThreshold > 1 {
		errs = append(errs, errors.New("buy/sell thresholds must be in (0, 1]"))
	}
	switch c.CacheBackend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache_backend %q", c.CacheBackend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) EnsureDirectories() error {
	dirs := []string{c.ProjectDir, c.DataDir, c.DataCacheDir}
	if c.HistoryDB != "" {
		dirs = append(dirs, filepath.Dir(c.HistoryDB))
	}
	for _, dir := range dirs {
		path := strings.TrimSpace(dir)
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}
	}
	return nil
}

// Duration is a time.Duration that reads and writes as "30s" in JSON.
// Bare numbers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number: %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			*dst = v
		}
	}
}

func setDuration(dst *Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if v, err := time.ParseDuration(val); err == nil {
			*dst = Duration(v)
		}
	}
}

// Rounds maps debate names to the configured round overrides.
func (c *Config) Rounds() map[string]int {
	return map[string]int{
		consts.InvestmentDebate: c.DebateRounds,
		consts.RiskDebate:       c.RiskRounds,
	}
}

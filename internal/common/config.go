package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	LLM         LLMConfig       `toml:"llm"`
	Search      SearchConfig    `toml:"search"`
	Scraper     ScraperConfig   `toml:"scraper"`
	Stages      StagesConfig    `toml:"stages"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Prompts     PromptsConfig   `toml:"prompts"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

// BadgerConfig holds the progress store settings. InMemory skips the data directory entirely.
type BadgerConfig struct {
	Path     string `toml:"path"`
	InMemory bool   `toml:"in_memory"`
}

// SQLiteConfig points at the relational store that holds requirements and stage rows
type SQLiteConfig struct {
	Path string `toml:"path" validate:"required"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output"` // "stdout", "console", "file"
	TimeFormat string   `toml:"time_format"`
}

// PipelineConfig controls orchestration and completion polling timings.
// Durations are strings parsed with time.ParseDuration.
type PipelineConfig struct {
	PollInterval           string `toml:"poll_interval"`
	SettleDelay            string `toml:"settle_delay"`
	SummarizeDelay         string `toml:"summarize_delay"`
	CompletionDelay        string `toml:"completion_delay"`
	StageTimeout           string `toml:"stage_timeout"` // empty or "0" disables the per-stage deadline
	SummarizeMaxAttempts   int    `toml:"summarize_max_attempts" validate:"min=1"`
	SummarizeBatchSize     int    `toml:"summarize_batch_size" validate:"min=1"`
	FallbackSearchTotal    int    `toml:"fallback_search_total" validate:"min=1"`
	FallbackScrapeTotal    int    `toml:"fallback_scrape_total" validate:"min=1"`
	FallbackSummarizeTotal int    `toml:"fallback_summarize_total" validate:"min=1"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	LLMProviderOpenAI LLMProvider = "openai"
	LLMProviderClaude LLMProvider = "claude"
	LLMProviderGemini LLMProvider = "gemini"
)

// LLMConfig selects the completion provider used by the analysis stages
type LLMConfig struct {
	Provider    LLMProvider  `toml:"provider" validate:"oneof=openai claude gemini"`
	Timeout     string       `toml:"timeout"`
	Temperature float32      `toml:"temperature"`
	OpenAI      OpenAIConfig `toml:"openai"`
	Claude      ClaudeConfig `toml:"claude"`
	Gemini      GeminiConfig `toml:"gemini"`
}

type OpenAIConfig struct {
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"` // optional, for OpenAI-compatible gateways
}

type ClaudeConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// SearchConfig controls the process-queries stage
type SearchConfig struct {
	MaxResults         int    `toml:"max_results" validate:"min=1"`
	QueriesPerWorkflow int    `toml:"queries_per_workflow" validate:"min=1"`
	RateLimit          string `toml:"rate_limit"` // minimum gap between searches
}

// ScraperConfig controls the scrape stage
type ScraperConfig struct {
	UserAgent         string  `toml:"user_agent"`
	Timeout           string  `toml:"timeout"`
	MaxSources        int     `toml:"max_sources" validate:"min=1"`
	MaxContentChars   int     `toml:"max_content_chars"`
	Concurrency       int     `toml:"concurrency" validate:"min=0"` // parallel fetches per workflow
	RenderJavaScript  bool    `toml:"render_javascript"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// StagesConfig selects where the five remote stages execute.
// Mode "local" runs them in-process, "http" posts to hosted functions.
type StagesConfig struct {
	Mode    string `toml:"mode" validate:"oneof=local http"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type SchedulerConfig struct {
	Enabled           bool   `toml:"enabled"`
	ReconcileSchedule string `toml:"reconcile_schedule"`
	CompactSchedule   string `toml:"compact_schedule"` // empty disables progress store GC
}

type PromptsConfig struct {
	File string `toml:"file"` // optional YAML file overriding built-in prompts
}

type WebSocketConfig struct {
	ThrottleInterval string `toml:"throttle_interval"` // e.g. "250ms"; empty disables throttling
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/progress",
			},
			SQLite: SQLiteConfig{
				Path: "./data/reqflow.db",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Pipeline: PipelineConfig{
			PollInterval:           "10s",
			SettleDelay:            "3s",
			SummarizeDelay:         "1s",
			CompletionDelay:        "2s",
			SummarizeMaxAttempts:   30,
			SummarizeBatchSize:     3,
			FallbackSearchTotal:    5,
			FallbackScrapeTotal:    9,
			FallbackSummarizeTotal: 9,
		},
		LLM: LLMConfig{
			Provider:    LLMProviderOpenAI,
			Timeout:     "2m",
			Temperature: 0.4,
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
			Claude: ClaudeConfig{
				Model:     "claude-3-5-haiku-latest",
				MaxTokens: 4096,
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Search: SearchConfig{
			MaxResults:         3,
			QueriesPerWorkflow: 5,
			RateLimit:          "1s",
		},
		Scraper: ScraperConfig{
			UserAgent:         "Mozilla/5.0 (compatible; reqflow/1.0)",
			Timeout:           "20s",
			MaxSources:        9,
			MaxContentChars:   12000,
			Concurrency:       3,
			RequestsPerSecond: 2,
		},
		Stages: StagesConfig{
			Mode: "local",
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			ReconcileSchedule: "*/5 * * * *",
			CompactSchedule:   "0 * * * *",
		},
	}
}

// LoadFromFile loads a single config file. See LoadFromFiles.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: defaults -> files (in order) -> env.
// Command-line flags are applied afterwards by the caller via ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Later files override earlier ones
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("REQFLOW_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("REQFLOW_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("REQFLOW_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage
	if badgerPath := os.Getenv("REQFLOW_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if sqlitePath := os.Getenv("REQFLOW_SQLITE_PATH"); sqlitePath != "" {
		config.Storage.SQLite.Path = sqlitePath
	}

	// Logging
	if level := os.Getenv("REQFLOW_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("REQFLOW_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Pipeline
	if v := os.Getenv("REQFLOW_POLL_INTERVAL"); v != "" {
		config.Pipeline.PollInterval = v
	}
	if v := os.Getenv("REQFLOW_SETTLE_DELAY"); v != "" {
		config.Pipeline.SettleDelay = v
	}
	if v := os.Getenv("REQFLOW_SUMMARIZE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pipeline.SummarizeMaxAttempts = n
		}
	}

	// LLM
	if provider := os.Getenv("REQFLOW_LLM_PROVIDER"); provider != "" {
		config.LLM.Provider = LLMProvider(strings.ToLower(provider))
	}
	if key := firstEnv("REQFLOW_OPENAI_API_KEY", "OPENAI_API_KEY"); key != "" {
		config.LLM.OpenAI.APIKey = key
	}
	if key := firstEnv("REQFLOW_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"); key != "" {
		config.LLM.Claude.APIKey = key
	}
	if key := firstEnv("REQFLOW_GEMINI_API_KEY", "GOOGLE_API_KEY"); key != "" {
		config.LLM.Gemini.APIKey = key
	}

	// Stages
	if mode := os.Getenv("REQFLOW_STAGES_MODE"); mode != "" {
		config.Stages.Mode = mode
	}
	if baseURL := os.Getenv("REQFLOW_STAGES_BASE_URL"); baseURL != "" {
		config.Stages.BaseURL = baseURL
	}
	if key := os.Getenv("REQFLOW_STAGES_API_KEY"); key != "" {
		config.Stages.APIKey = key
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, logLevel string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Validate checks struct tags and cross-field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"pipeline.poll_interval":      c.Pipeline.PollInterval,
		"pipeline.settle_delay":       c.Pipeline.SettleDelay,
		"pipeline.summarize_delay":    c.Pipeline.SummarizeDelay,
		"pipeline.completion_delay":   c.Pipeline.CompletionDelay,
		"pipeline.stage_timeout":      c.Pipeline.StageTimeout,
		"llm.timeout":                 c.LLM.Timeout,
		"search.rate_limit":           c.Search.RateLimit,
		"scraper.timeout":             c.Scraper.Timeout,
		"websocket.throttle_interval": c.WebSocket.ThrottleInterval,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q: %w", name, value, err)
		}
	}

	if c.Stages.Mode == "http" && c.Stages.BaseURL == "" {
		return fmt.Errorf("stages.base_url is required when stages.mode is \"http\"")
	}

	if c.Scheduler.Enabled {
		if err := ValidateSchedule(c.Scheduler.ReconcileSchedule); err != nil {
			return fmt.Errorf("scheduler.reconcile_schedule: %w", err)
		}
		if c.Scheduler.CompactSchedule != "" {
			if err := ValidateSchedule(c.Scheduler.CompactSchedule); err != nil {
				return fmt.Errorf("scheduler.compact_schedule: %w", err)
			}
		}
	}

	return nil
}

// ValidateSchedule validates a standard 5-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDurationOr parses value, returning fallback when value is empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}


const redacted = "********"

// Redacted returns a copy with every secret masked, safe to print or log
func (c *Config) Redacted() *Config {
	out := *c
	out.Logging.Output = append([]string(nil), c.Logging.Output...)
	for _, key := range []*string{
		&out.LLM.OpenAI.APIKey,
		&out.LLM.Claude.APIKey,
		&out.LLM.Gemini.APIKey,
		&out.Stages.APIKey,
	} {
		if *key != "" {
			*key = redacted
		}
	}
	return &out
}

// EncodeTOML renders the configuration as TOML
func (c *Config) EncodeTOML() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

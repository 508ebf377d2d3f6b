// Package config loads the runtime configuration: defaults, layered under an
// optional TOML file, layered under ATOLL_* environment overrides.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Model      ModelConfig      `toml:"model"`
	Fallback   ModelConfig      `toml:"fallback"`
	Embedding  EmbeddingConfig  `toml:"embedding"`
	Engine     EngineConfig     `toml:"engine"`
	Prompt     PromptConfig     `toml:"prompt"`
	Retrieval  RetrievalConfig  `toml:"retrieval"`
	Router     RouterConfig     `toml:"router"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Agents     AgentsConfig     `toml:"agents"`
	Host       HostConfig       `toml:"host"`
	Observer   ObserverConfig   `toml:"observer"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the sqlite file path ("" = atoll.db).
	Path string `toml:"path"`
	// URL is the postgres connection string.
	URL string `toml:"url"`
}

// ModelConfig describes one provider lane.
type ModelConfig struct {
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
	Thinking    *bool    `toml:"thinking"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	Dimensions int    `toml:"dimensions"`
}

type EngineConfig struct {
	PrimaryBudget    int    `toml:"primary_budget"`
	FallbackBudget   int    `toml:"fallback_budget"`
	CompactThreshold int    `toml:"compact_threshold"`
	StateDir         string `toml:"state_dir"`
	WorkspacePath    string `toml:"workspace_path"`
	// TokenEncoding is the tiktoken encoding name; "" falls back to the
	// length estimator.
	TokenEncoding string `toml:"token_encoding"`
}

// PromptConfig holds the section budget percentages for full and minimal
// assembly. Each set must sum to 100.
type PromptConfig struct {
	Full    SectionPercents `toml:"full"`
	Minimal SectionPercents `toml:"minimal"`
}

type SectionPercents struct {
	SummaryShort int `toml:"summary_short"`
	State        int `toml:"state"`
	Skills       int `toml:"skills"`
	Context      int `toml:"context"`
	Tail         int `toml:"tail"`
}

type RetrievalConfig struct {
	// Memory fusion weights, normalized at use.
	VectorWeight  float64 `toml:"vector_weight"`
	KeywordWeight float64 `toml:"keyword_weight"`
	RecencyWeight float64 `toml:"recency_weight"`
	TopK          int     `toml:"top_k"`
}

type RouterConfig struct {
	CooldownSeconds int `toml:"cooldown_seconds"`
	ProbeTTLSeconds int `toml:"probe_ttl_seconds"`
}

type DispatcherConfig struct {
	QueueBuffer     int `toml:"queue_buffer"`
	PriorityWorkers int `toml:"priority_workers"`
	DefaultWorkers  int `toml:"default_workers"`
	IOWorkers       int `toml:"io_workers"`
}

type SchedulerConfig struct {
	TickSeconds int `toml:"tick_seconds"`
	MaxCatchup  int `toml:"max_catchup"`
}

type AgentsConfig struct {
	BundleDir      string `toml:"bundle_dir"`
	UnlockCodePath string `toml:"unlock_code_path"`
}

// HostConfig controls the host.exec sandbox. An empty SandboxImage runs
// commands as subprocesses on the host.
type HostConfig struct {
	SandboxImage  string `toml:"sandbox_image"`
	ContainerName string `toml:"container_name"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "atoll.db"},
		Model:    ModelConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Embedding: EmbeddingConfig{
			Provider:   "gemini",
			Model:      "gemini-embedding-001",
			Dimensions: 1536,
		},
		Engine: EngineConfig{
			PrimaryBudget:    12000,
			FallbackBudget:   6000,
			CompactThreshold: 25,
			StateDir:         filepath.Join(home, ".atoll"),
			WorkspacePath:    filepath.Join(home, "atoll-workspace"),
			TokenEncoding:    "cl100k_base",
		},
		Prompt: PromptConfig{
			Full:    SectionPercents{SummaryShort: 6, State: 14, Skills: 10, Context: 15, Tail: 55},
			Minimal: SectionPercents{SummaryShort: 6, State: 14, Skills: 8, Context: 12, Tail: 60},
		},
		Retrieval: RetrievalConfig{
			VectorWeight:  0.40,
			KeywordWeight: 0.35,
			RecencyWeight: 0.25,
			TopK:          8,
		},
		Router:     RouterConfig{CooldownSeconds: 300, ProbeTTLSeconds: 30},
		Dispatcher: DispatcherConfig{QueueBuffer: 256, PriorityWorkers: 2, DefaultWorkers: 4, IOWorkers: 4},
		Scheduler:  SchedulerConfig{TickSeconds: 30, MaxCatchup: 5},
		Agents:     AgentsConfig{BundleDir: filepath.Join(home, ".atoll", "agents")},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "atoll.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	applyEnv(&cfg)

	// Fallbacks: the embedding lane borrows the primary key, the fallback
	// lane stays optional.
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Model.APIKey
	}
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ATOLL_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("ATOLL_FALLBACK_API_KEY"); v != "" {
		cfg.Fallback.APIKey = v
	}
	if v := os.Getenv("ATOLL_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ATOLL_DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("ATOLL_DATABASE_PATH"); v != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = v
	}
	if v := os.Getenv("ATOLL_BUNDLE_DIR"); v != "" {
		cfg.Agents.BundleDir = v
	}
	if v := os.Getenv("ATOLL_STATE_DIR"); v != "" {
		cfg.Engine.StateDir = v
	}
	switch os.Getenv("ATOLL_OBSERVER_ENABLED") {
	case "true", "1":
		cfg.Observer.Enabled = true
	case "false", "0":
		cfg.Observer.Enabled = false
	}
}

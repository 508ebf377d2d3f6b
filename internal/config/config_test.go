package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Model.Provider != "gemini" {
		t.Errorf("expected gemini, got %s", cfg.Model.Provider)
	}
	if cfg.Embedding.Dimensions != 1536 {
		t.Errorf("expected 1536, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if got := cfg.Prompt.Full; got.SummaryShort+got.State+got.Skills+got.Context+got.Tail != 100 {
		t.Errorf("full budgets do not sum to 100: %+v", got)
	}
	if got := cfg.Prompt.Minimal; got.SummaryShort+got.State+got.Skills+got.Context+got.Tail != 100 {
		t.Errorf("minimal budgets do not sum to 100: %+v", got)
	}
	sum := cfg.Retrieval.VectorWeight + cfg.Retrieval.KeywordWeight + cfg.Retrieval.RecencyWeight
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("retrieval weights sum to %v", sum)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[model]
provider = "gemini"
model = "gemini-2.5-pro"
api_key = "key-from-file"

[fallback]
provider = "groq"
model = "llama-3.3-70b-versatile"

[engine]
compact_threshold = 40

[observer]
enabled = true

[observer.pricing."custom-model"]
input = 1.5
output = 3.0
`), 0644)

	cfg := Load(path)
	if cfg.Model.Model != "gemini-2.5-pro" || cfg.Model.APIKey != "key-from-file" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Fallback.Provider != "groq" {
		t.Errorf("fallback = %+v", cfg.Fallback)
	}
	if cfg.Engine.CompactThreshold != 40 {
		t.Errorf("compact threshold = %d", cfg.Engine.CompactThreshold)
	}
	// Defaults preserved for untouched sections.
	if cfg.Engine.PrimaryBudget != 12000 {
		t.Errorf("primary budget = %d", cfg.Engine.PrimaryBudget)
	}
	if cfg.Scheduler.TickSeconds != 30 {
		t.Errorf("tick = %d", cfg.Scheduler.TickSeconds)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
	if p, ok := cfg.Observer.Pricing["custom-model"]; !ok || p.Input != 1.5 || p.Output != 3.0 {
		t.Errorf("pricing = %+v", cfg.Observer.Pricing)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Model.Provider != "gemini" || cfg.Database.Path != "atoll.db" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ATOLL_MODEL_API_KEY", "key-from-env")
	t.Setenv("ATOLL_DATABASE_URL", "postgres://atoll@localhost/atoll")
	t.Setenv("ATOLL_OBSERVER_ENABLED", "1")

	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[model]
api_key = "key-from-file"
`), 0644)

	cfg := Load(path)
	if cfg.Model.APIKey != "key-from-env" {
		t.Errorf("env must win over file, got %q", cfg.Model.APIKey)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.URL == "" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled from env")
	}
}

func TestEmbeddingKeyFallsBackToModelKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[model]
api_key = "shared-key"
`), 0644)

	cfg := Load(path)
	if cfg.Embedding.APIKey != "shared-key" {
		t.Errorf("embedding key = %q", cfg.Embedding.APIKey)
	}
}

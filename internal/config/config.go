// Package config loads runtime configuration from a YAML file with
// environment overrides. A .env file in the working directory is folded
// into the environment first, so local setups need no shell exports.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names. Env always wins over the YAML file.
const (
	EnvDBPath       = "RECALL_DB_PATH"
	EnvEmbedBaseURL = "RECALL_EMBED_BASE_URL"
	EnvEmbedAPIKey  = "RECALL_EMBED_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvRerankURL    = "RECALL_RERANK_URL"
	EnvLogLevel     = "RECALL_LOG_LEVEL"
)

// Duration parses YAML duration strings like "30s" or "5m". Bare numbers
// are read as seconds.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Archives  []ArchiveConfig `yaml:"archives"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Search    SearchConfig    `yaml:"search"`
	Expansion ExpansionConfig `yaml:"expansion"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig locates the live history database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ArchiveConfig attaches one read-only chat-export database.
type ArchiveConfig struct {
	Label string `yaml:"label"`
	Path  string `yaml:"path"`
}

// EmbeddingConfig configures the dense-vector provider. An empty BaseURL
// disables dense retrieval entirely.
type EmbeddingConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Normalize bool          `yaml:"normalize"`
	CacheSize int           `yaml:"cache_size"`
	Timeout   Duration      `yaml:"timeout"`
}

// RerankConfig configures the optional cross-encoder. An empty BaseURL
// disables reranking.
type RerankConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	ScoreThreshold float64       `yaml:"score_threshold"`
	Timeout        Duration      `yaml:"timeout"`
}

// SearchConfig tunes hybrid retrieval.
type SearchConfig struct {
	TopK            int           `yaml:"top_k"`
	BranchLimit     int           `yaml:"branch_limit"`
	MinSimilarity   float64       `yaml:"min_similarity"`
	WeightEmbedding float64       `yaml:"weight_embedding"`
	WeightLexical   float64       `yaml:"weight_lexical"`
	Fusion          string        `yaml:"fusion"`
	BranchTimeout   Duration      `yaml:"branch_timeout"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        Duration      `yaml:"cache_ttl"`
}

// ExpansionConfig tunes query expansion.
type ExpansionConfig struct {
	MaxVariants int `yaml:"max_variants"`
}

// BackfillConfig tunes the embedding backfill worker.
type BackfillConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  Duration      `yaml:"interval"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Default returns the configuration used when no file and no env are
// present: lexical-only retrieval against a local database.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "data/history.db"},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			CacheSize: 10000,
			Timeout:   Duration(30 * time.Second),
		},
		Rerank: RerankConfig{Timeout: Duration(15 * time.Second)},
		Search: SearchConfig{
			TopK:            4,
			BranchLimit:     10,
			MinSimilarity:   0.6,
			WeightEmbedding: 0.55,
			WeightLexical:   0.45,
			Fusion:          "weighted",
			BranchTimeout:   Duration(3 * time.Second),
			CacheSize:       128,
			CacheTTL:        Duration(time.Minute),
		},
		Expansion: ExpansionConfig{MaxVariants: 3},
		Backfill: BackfillConfig{
			BatchSize: 32,
			Interval:  Duration(time.Minute),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration in ascending precedence: defaults, then the YAML
// file at path (skipped when path is empty or missing), then environment
// variables. A .env file is loaded into the environment first, best-effort.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine, env and defaults carry the day.
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvEmbedBaseURL); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv(EnvEmbedAPIKey); v != "" {
		cfg.Embedding.APIKey = v
	} else if v := os.Getenv(EnvOpenAIAPIKey); v != "" && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv(EnvRerankURL); v != "" {
		cfg.Rerank.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Search.Fusion != "weighted" && c.Search.Fusion != "rrf" {
		return fmt.Errorf("search.fusion must be weighted or rrf, got %q", c.Search.Fusion)
	}
	if c.Search.WeightEmbedding < 0 || c.Search.WeightLexical < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	for _, a := range c.Archives {
		if a.Label == "" || a.Path == "" {
			return fmt.Errorf("archives entries need both label and path")
		}
		// "discord" labels live-history candidates; an archive using it
		// would collide with them in composite candidate ids.
		if a.Label == "discord" {
			return fmt.Errorf("archives label %q is reserved for live history", a.Label)
		}
	}
	return nil
}

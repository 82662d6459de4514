// Package config loads deployment configuration from defaults, an optional
// config file and ASSISTANT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix  = "ASSISTANT"
	configName = "assistant"
)

type LLM struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheSize   int           `mapstructure:"cache_size"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// Embed selects the single embedding space shared by memory and the
// semantic intent classifier.
type Embed struct {
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// Intent.EmbedTimeout bounds each embedding call of the semantic strategy;
// zero falls back to memory.embed_timeout.
type Intent struct {
	Strategy     string        `mapstructure:"strategy"`
	EmbedTimeout time.Duration `mapstructure:"embed_timeout"`
}

type Memory struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	TopK                int           `mapstructure:"top_k"`
	CandidateCap        int           `mapstructure:"candidate_cap"`
	CrossSessionMin     int           `mapstructure:"cross_session_min"`
	SummaryInterval     int           `mapstructure:"summary_interval"`
	SummaryWindow       int           `mapstructure:"summary_window"`
	RecentPairs         int           `mapstructure:"recent_pairs"`
	SummaryLimit        int           `mapstructure:"summary_limit"`
	EmbedTimeout        time.Duration `mapstructure:"embed_timeout"`
	StoreTimeout        time.Duration `mapstructure:"store_timeout"`
}

// Vectors configures the vector similarity backend.
type Vectors struct {
	Backend       string `mapstructure:"backend"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	MongoIndex    string `mapstructure:"mongo_index"`
}

// Sessions configures where events, summaries and execution records live.
type Sessions struct {
	Backend       string `mapstructure:"backend"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	Neo4jURI      string `mapstructure:"neo4j_uri"`
	Neo4jUser     string `mapstructure:"neo4j_user"`
	Neo4jPassword string `mapstructure:"neo4j_password"`
	Neo4jDatabase string `mapstructure:"neo4j_database"`
}

type Stream struct {
	ChunkSize  int           `mapstructure:"chunk_size"`
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
}

type Product struct {
	Enabled       bool   `mapstructure:"enabled"`
	ProvidersFile string `mapstructure:"providers_file"`
	CatalogTool   string `mapstructure:"catalog_tool"`
	MaxProducts   int    `mapstructure:"max_products"`
}

type Pool struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	LLM      LLM      `mapstructure:"llm"`
	Embed    Embed    `mapstructure:"embed"`
	Intent   Intent   `mapstructure:"intent"`
	Memory   Memory   `mapstructure:"memory"`
	Vectors  Vectors  `mapstructure:"vectors"`
	Sessions Sessions `mapstructure:"sessions"`
	Stream   Stream   `mapstructure:"stream"`
	Product  Product  `mapstructure:"product"`
	Pool     Pool     `mapstructure:"pool"`
	Server   Server   `mapstructure:"server"`
	Log      Log      `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "dummy")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.cache_size", 0)
	v.SetDefault("llm.cache_ttl", 10*time.Minute)

	v.SetDefault("embed.provider", "dummy")
	v.SetDefault("embed.model", "")
	v.SetDefault("embed.cache_size", 1024)
	v.SetDefault("embed.cache_ttl", time.Hour)

	v.SetDefault("intent.strategy", "rules")
	v.SetDefault("intent.embed_timeout", 0)

	v.SetDefault("memory.similarity_threshold", 0.45)
	v.SetDefault("memory.top_k", 8)
	v.SetDefault("memory.candidate_cap", 200)
	v.SetDefault("memory.cross_session_min", 50)
	v.SetDefault("memory.summary_interval", 10)
	v.SetDefault("memory.summary_window", 12)
	v.SetDefault("memory.recent_pairs", 6)
	v.SetDefault("memory.summary_limit", 3)
	v.SetDefault("memory.embed_timeout", 10*time.Second)
	v.SetDefault("memory.store_timeout", 5*time.Second)

	v.SetDefault("vectors.backend", "memory")
	v.SetDefault("vectors.postgres_dsn", "")
	v.SetDefault("vectors.mongo_uri", "")
	v.SetDefault("vectors.mongo_database", "assistant")
	v.SetDefault("vectors.mongo_index", "vector_index")

	v.SetDefault("sessions.backend", "memory")
	v.SetDefault("sessions.mongo_uri", "")
	v.SetDefault("sessions.mongo_database", "assistant")
	v.SetDefault("sessions.neo4j_uri", "")
	v.SetDefault("sessions.neo4j_user", "neo4j")
	v.SetDefault("sessions.neo4j_password", "")
	v.SetDefault("sessions.neo4j_database", "")

	v.SetDefault("stream.chunk_size", 50)
	v.SetDefault("stream.chunk_delay", 20*time.Millisecond)

	v.SetDefault("product.enabled", true)
	v.SetDefault("product.providers_file", "")
	v.SetDefault("product.catalog_tool", "")
	v.SetDefault("product.max_products", 5)

	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.queue_size", 256)
	v.SetDefault("pool.task_timeout", 30*time.Second)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration with nothing overridden.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads path when given, otherwise looks for assistant.{yaml,toml,json}
// in the working directory and $HOME/.assistant. Environment variables such
// as ASSISTANT_MEMORY_TOP_K override both. Only an explicitly named file is
// required to exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.assistant")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	providers        = []string{"dummy", "openai", "anthropic", "claude", "gemini", "google", "ollama"}
	embedProviders   = []string{"dummy", "openai", "gemini", "google", "ollama", "fastembed"}
	intentStrategies = []string{"rules", "rule", "rule_based", "semantic", "embedding"}
	vectorBackends   = []string{"memory", "postgres", "mongo"}
	sessionBackends  = []string{"memory", "mongo", "neo4j"}
	logLevels        = []string{"debug", "info", "warn", "error"}
)

// Validate rejects values no component can run with. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(field, value string, allowed []string) {
		v := strings.ToLower(strings.TrimSpace(value))
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %s)", field, value, strings.Join(allowed, ", ")))
	}

	oneOf("llm.provider", c.LLM.Provider, providers)
	oneOf("embed.provider", c.Embed.Provider, embedProviders)
	oneOf("intent.strategy", c.Intent.Strategy, intentStrategies)
	oneOf("vectors.backend", c.Vectors.Backend, vectorBackends)
	oneOf("sessions.backend", c.Sessions.Backend, sessionBackends)
	oneOf("log.level", c.Log.Level, logLevels)

	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "llm.temperature must be within [0,2], got %v", c.LLM.Temperature)
	check(c.Memory.SimilarityThreshold > 0 && c.Memory.SimilarityThreshold <= 1, "memory.similarity_threshold must be within (0,1], got %v", c.Memory.SimilarityThreshold)
	check(c.Memory.TopK > 0, "memory.top_k must be positive")
	check(c.Memory.CandidateCap >= c.Memory.TopK, "memory.candidate_cap must be at least top_k")
	check(c.Memory.CrossSessionMin > 0, "memory.cross_session_min must be positive")
	check(c.Memory.SummaryInterval > 0, "memory.summary_interval must be positive")
	check(c.Memory.SummaryWindow > 0, "memory.summary_window must be positive")
	check(c.Memory.RecentPairs > 0, "memory.recent_pairs must be positive")
	check(c.Memory.SummaryLimit > 0, "memory.summary_limit must be positive")
	check(c.Intent.EmbedTimeout >= 0, "intent.embed_timeout must not be negative")
	check(c.Stream.ChunkSize > 0, "stream.chunk_size must be positive")
	check(c.Stream.ChunkDelay >= 0, "stream.chunk_delay must not be negative")
	check(c.Pool.Workers > 0, "pool.workers must be positive")
	check(c.Pool.QueueSize > 0, "pool.queue_size must be positive")

	switch strings.ToLower(c.Vectors.Backend) {
	case "postgres":
		check(c.Vectors.PostgresDSN != "", "vectors.postgres_dsn is required for the postgres backend")
	case "mongo":
		check(c.Vectors.MongoURI != "", "vectors.mongo_uri is required for the mongo backend")
	}
	switch strings.ToLower(c.Sessions.Backend) {
	case "mongo":
		check(c.Sessions.MongoURI != "", "sessions.mongo_uri is required for the mongo backend")
	case "neo4j":
		check(c.Sessions.Neo4jURI != "", "sessions.neo4j_uri is required for the neo4j backend")
	}
	if c.Product.CatalogTool != "" {
		check(c.Product.ProvidersFile != "", "product.providers_file is required when product.catalog_tool is set")
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.Log.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

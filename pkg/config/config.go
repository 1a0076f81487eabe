package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Pool modes understood by the storage manager.
const (
	PoolModeNone    = "none"
	PoolModeBounded = "bounded"
)

// Embedding providers.
const (
	EmbeddingOpenAI = "openai"
	EmbeddingHash   = "hash"
	EmbeddingNone   = "none"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Search    SearchConfig    `mapstructure:"search"`
	Log       LogConfig       `mapstructure:"log"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Topics    TopicsConfig    `mapstructure:"topics"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

type AppConfig struct {
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	PoolMode        string        `mapstructure:"pool_mode"`
	PoolSize        int           `mapstructure:"pool_size"`
	MaxOverflow     int           `mapstructure:"max_overflow"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PrePing         bool          `mapstructure:"pre_ping"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Echo            bool          `mapstructure:"-"`

	// Copied from the embedding and search sections so the storage layer
	// does not need the whole Config.
	EmbeddingDimension int     `mapstructure:"-"`
	MinSimilarity      float64 `mapstructure:"-"`
	TopK               int     `mapstructure:"-"`
}

type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Dimension int    `mapstructure:"dimension"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	// CacheSize bounds the number of cached embeddings; 0 disables the cache.
	CacheSize int `mapstructure:"cache_size"`
}

type SearchConfig struct {
	MinSimilarity float64 `mapstructure:"min_similarity"`
	TopK          int     `mapstructure:"top_k"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type TopicsConfig struct {
	Max int `mapstructure:"max"`
}

type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DSN returns a postgres:// URL accepted by both lib/pq and pgx.
func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.DBName,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

// EffectivePoolMode resolves an empty pool mode from the environment name.
func (c DatabaseConfig) EffectivePoolMode(env string) string {
	if c.PoolMode != "" {
		return c.PoolMode
	}
	if env == EnvDevelopment {
		return PoolModeNone
	}
	return PoolModeBounded
}

func parseDatabaseURL(dbURL string, base DatabaseConfig) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	cfg := base
	cfg.Host = u.Hostname()
	cfg.Port = 5432 // default PostgreSQL port
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
		cfg.Port = port
	}
	cfg.User = u.User.Username()
	cfg.Password, _ = u.User.Password()

	// Remove leading slash from path to get database name
	cfg.DBName = strings.TrimPrefix(u.Path, "/")

	cfg.SSLMode = "disable"
	if mode := u.Query().Get("sslmode"); mode != "" {
		cfg.SSLMode = mode
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", EnvDevelopment)
	v.SetDefault("app.debug", false)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.user", "wingman")
	v.SetDefault("database.password", "dev_password")
	v.SetDefault("database.dbname", "ai_wingman")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.pool_mode", "")
	v.SetDefault("database.pool_size", 5)
	v.SetDefault("database.max_overflow", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.pre_ping", true)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("embedding.provider", EmbeddingOpenAI)
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.model", "all-minilm")
	v.SetDefault("embedding.base_url", "http://localhost:11434/v1")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.cache_size", 1000)

	v.SetDefault("search.min_similarity", 0.7)
	v.SetDefault("search.top_k", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("telegram.token", "")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 150)
	v.SetDefault("openai.temperature", 0.7)

	v.SetDefault("topics.max", 5)

	v.SetDefault("ops.addr", ":8080")
}

// legacyEnv maps config keys to the unprefixed variable names used by
// existing deployments (.env files).
var legacyEnv = map[string]string{
	"app.env":               "APP_ENV",
	"app.debug":             "DEBUG",
	"database.host":         "POSTGRES_HOST",
	"database.port":         "POSTGRES_PORT",
	"database.user":         "POSTGRES_USER",
	"database.password":     "POSTGRES_PASSWORD",
	"database.dbname":       "POSTGRES_DB",
	"embedding.dimension":   "EMBEDDING_DIMENSION",
	"embedding.model":       "EMBEDDING_MODEL",
	"search.top_k":          "TOP_K_RESULTS",
	"search.min_similarity": "MIN_SIMILARITY_SCORE",
	"log.level":             "LOG_LEVEL",
	"log.file":              "LOG_FILE",
	"telegram.token":        "TELEGRAM_TOKEN",
	"openai.api_key":        "OPENAI_API_KEY",
}

// LoadConfig reads the optional config file at path, then applies
// environment overrides. An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable support
	v.SetEnvPrefix("WINGMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "WINGMAN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, err
		}
	}
	if err := v.BindEnv("database_url", "WINGMAN_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("database_url"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL, config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	config.Database.Echo = config.App.Debug
	config.Database.EmbeddingDimension = config.Embedding.Dimension
	config.Database.MinSimilarity = config.Search.MinSimilarity
	config.Database.TopK = config.Search.TopK

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks value ranges that would otherwise surface as confusing
// database errors much later.
func (c *Config) Validate() error {
	switch c.App.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("app.env must be one of development, staging, production, got %q", c.App.Env)
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverPgx:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverPgx, c.Database.Driver)
	}
	switch c.Database.PoolMode {
	case "", PoolModeNone, PoolModeBounded:
	default:
		return fmt.Errorf("database.pool_mode must be %q or %q, got %q", PoolModeNone, PoolModeBounded, c.Database.PoolMode)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive, got %d", c.Database.PoolSize)
	}
	if c.Database.MaxOverflow < 0 {
		return fmt.Errorf("database.max_overflow must not be negative, got %d", c.Database.MaxOverflow)
	}
	switch c.Embedding.Provider {
	case EmbeddingOpenAI, EmbeddingHash, EmbeddingNone:
	default:
		return fmt.Errorf("embedding.provider must be one of openai, hash, none, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.CacheSize < 0 {
		return fmt.Errorf("embedding.cache_size must not be negative, got %d", c.Embedding.CacheSize)
	}
	if c.Search.MinSimilarity < 0 || c.Search.MinSimilarity > 1 {
		return fmt.Errorf("search.min_similarity must be between 0.0 and 1.0, got %v", c.Search.MinSimilarity)
	}
	if c.Search.TopK <= 0 {
		return fmt.Errorf("search.top_k must be positive, got %d", c.Search.TopK)
	}
	if c.Topics.Max <= 0 {
		return fmt.Errorf("topics.max must be positive, got %d", c.Topics.Max)
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Importer  ImporterConfig  `mapstructure:"importer"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Search    SearchConfig    `mapstructure:"search"`
	Sources   SourcesConfig   `mapstructure:"sources"`
}

type ServerConfig struct {
	Port       int        `mapstructure:"port"`
	Mode       string     `mapstructure:"mode"`
	AdminToken string     `mapstructure:"admin_token"`
	CORS       CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
	}
	// SQLite: wait up to 5s on the writer lock.
	return c.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

type QdrantConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	APIKey           string `mapstructure:"api_key"`
	UseTLS           bool   `mapstructure:"use_tls"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

type StorageConfig struct {
	Type         string `mapstructure:"type"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	UploadPrefix string `mapstructure:"upload_prefix"`
}

type ImporterConfig struct {
	ProgressEvery   int           `mapstructure:"progress_every"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ErrorMessageMax int           `mapstructure:"error_message_max"`
}

type IndexerConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	FinalWaitTimeout time.Duration `mapstructure:"final_wait_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DailyImportTime string `mapstructure:"daily_import_time"`
}

type AuthConfig struct {
	StateTTL        time.Duration `mapstructure:"state_ttl"`
	MaxPending      int           `mapstructure:"max_pending"`
	RedirectBaseURL string        `mapstructure:"redirect_base_url"`
}

type SourcesConfig struct {
	GitHubClientID string `mapstructure:"github_client_id"`
	GitHubAPIBase  string `mapstructure:"github_api_base"`
}

type SearchConfig struct {
	TopK           int     `mapstructure:"top_k"`
	ScoreThreshold float32 `mapstructure:"score_threshold"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment knobs come from the environment
	v.BindEnv("server.admin_token", "ADMIN_TOKEN")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("embedding.api_key", "JINA_API_KEY")
	v.BindEnv("scheduler.daily_import_time", "DAILY_IMPORT_TIME")
	v.BindEnv("sources.github_client_id", "GITHUB_CLIENT_ID")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/vectorinfinity.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "vectorinfinity")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection_prefix", "vi_account_")

	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.bucket", "vectorinfinity")
	v.SetDefault("storage.upload_prefix", "uploads")

	v.SetDefault("embedding.model", "jina-embeddings-v3")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.base_url", defaultJinaEndpoint)
	v.SetDefault("embedding.batch_size", 64)

	v.SetDefault("importer.progress_every", 10)
	v.SetDefault("importer.fetch_timeout", 30*time.Minute)
	v.SetDefault("importer.error_message_max", 200)

	v.SetDefault("indexer.batch_size", 500)
	v.SetDefault("indexer.final_wait_timeout", 120*time.Second)
	v.SetDefault("indexer.poll_interval", 2*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.daily_import_time", "02:00")

	v.SetDefault("auth.state_ttl", 10*time.Minute)
	v.SetDefault("auth.max_pending", 1000)
	v.SetDefault("auth.redirect_base_url", "http://localhost:8080")

	v.SetDefault("search.top_k", 8)
	v.SetDefault("search.score_threshold", 0.0)

	v.SetDefault("sources.github_api_base", "https://api.github.com")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Importer.ProgressEvery <= 0 {
		return fmt.Errorf("importer.progress_every must be positive")
	}
	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("indexer.batch_size must be positive")
	}
	if _, _, err := ParseClock(c.Scheduler.DailyImportTime); c.Scheduler.Enabled && err != nil {
		return fmt.Errorf("scheduler.daily_import_time: %w", err)
	}
	return c.Embedding.Validate()
}

// ParseClock parses an "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

// Supported backends.
const (
	CheckpointFile     = "file"
	CheckpointPostgres = "postgres"
	CheckpointSQLite   = "sqlite"
	CheckpointMemory   = "memory"

	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// DefaultFormats are swept when no formats are configured.
var DefaultFormats = []string{"gen9ou", "gen9vgc2024regh", "gen9vgc2025regg", "gen9randombattle"}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Harvest    HarvestConfig    `mapstructure:"harvest"`
	Showdown   ShowdownConfig   `mapstructure:"showdown"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HarvestConfig governs sweeps.
type HarvestConfig struct {
	Formats              []string `mapstructure:"formats"`
	Direction            string   `mapstructure:"direction"`
	MaxPages             int      `mapstructure:"max_pages"`
	CheckpointEveryPages int      `mapstructure:"checkpoint_every_pages"`
	DownloadConcurrency  int      `mapstructure:"download_concurrency"`
	FormatConcurrency    int      `mapstructure:"format_concurrency"`
	FlushTimeoutSeconds  int      `mapstructure:"flush_timeout_seconds"`
}

// ShowdownConfig points at the replay server.
type ShowdownConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	PageSize int    `mapstructure:"page_size"`
}

// HTTPConfig configures HTTP client retry and pacing behavior.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	UserAgent         string  `mapstructure:"user_agent"`
}

// CheckpointConfig selects where boundaries are kept.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// StorageConfig sets where replay documents are persisted.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for sweep notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load over a caller-provided Viper instance, so CLI flags bound
// to v take precedence over file and environment values.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Harvest.Formats = splitFormats(cfg.Harvest.Formats)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("harvest.formats", DefaultFormats)
	v.SetDefault("harvest.direction", harvest.Newer.String())
	v.SetDefault("harvest.max_pages", harvest.DefaultMaxPages)
	v.SetDefault("harvest.checkpoint_every_pages", 5)
	v.SetDefault("harvest.download_concurrency", 8)
	v.SetDefault("harvest.format_concurrency", 2)
	v.SetDefault("harvest.flush_timeout_seconds", 10)
	v.SetDefault("showdown.base_url", "https://replay.pokemonshowdown.com")
	v.SetDefault("showdown.page_size", 51)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 10000)
	v.SetDefault("http.requests_per_second", 4.0)
	v.SetDefault("http.burst", 4)
	v.SetDefault("http.user_agent", "replay-harvester/0.1")
	v.SetDefault("checkpoint.backend", CheckpointFile)
	v.SetDefault("checkpoint.path", "data/checkpoints.json")
	v.SetDefault("db.table", "harvest_checkpoints")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.base_dir", "data/replays")
	v.SetDefault("logging.development", true)
}

// splitFormats accepts both list values and the comma separated string an
// environment variable yields.
func splitFormats(in []string) []string {
	var out []string
	for _, raw := range in {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if len(c.Harvest.Formats) == 0 {
		return fmt.Errorf("harvest.formats must not be empty")
	}
	if _, err := harvest.ParseDirection(c.Harvest.Direction); err != nil {
		return fmt.Errorf("harvest.direction: %w", err)
	}
	if c.Harvest.MaxPages <= 0 {
		return fmt.Errorf("harvest.max_pages must be > 0")
	}
	if c.Harvest.CheckpointEveryPages <= 0 {
		return fmt.Errorf("harvest.checkpoint_every_pages must be > 0")
	}
	if c.Harvest.DownloadConcurrency <= 0 {
		return fmt.Errorf("harvest.download_concurrency must be > 0")
	}
	if c.Harvest.FormatConcurrency <= 0 {
		return fmt.Errorf("harvest.format_concurrency must be > 0")
	}
	if c.Showdown.PageSize <= 0 {
		return fmt.Errorf("showdown.page_size must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		return fmt.Errorf("http.requests_per_second must be > 0")
	}
	switch c.Checkpoint.Backend {
	case CheckpointFile, CheckpointSQLite:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path must be set for the %s backend", c.Checkpoint.Backend)
		}
	case CheckpointPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case CheckpointMemory:
	default:
		return fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend)
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Direction returns the parsed default sweep direction.
func (c Config) Direction() harvest.Direction {
	d, _ := harvest.ParseDirection(c.Harvest.Direction)
	return d
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// FlushTimeout bounds the checkpoint flush issued after an interrupt.
func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.Harvest.FlushTimeoutSeconds) * time.Second
}

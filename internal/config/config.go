// Package config loads service settings from defaults, an optional config
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Match     MatchConfig     `mapstructure:"match"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Image     ImageConfig     `mapstructure:"image"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type DetectorConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MatchConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

type EmbeddingConfig struct {
	Dim int `mapstructure:"dim"`
}

type ImageConfig struct {
	MaxBytes int `mapstructure:"max_bytes"`
	// MaxSide is the longest side passed to the detector; 0 disables downscaling.
	MaxSide int `mapstructure:"max_side"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=face_attendance port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "faceAttendanceDB")
	v.SetDefault("mongo.collection", "students")
	v.SetDefault("detector.addr", "localhost:50051")
	v.SetDefault("detector.timeout", 10*time.Second)
	v.SetDefault("match.threshold", 0.6)
	v.SetDefault("embedding.dim", 512)
	v.SetDefault("image.max_bytes", 5<<20)
	v.SetDefault("image.max_side", 1280)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
}

// Load reads configuration. Environment variables override file values:
// "match.threshold" is read from FACEATTEND_MATCH_THRESHOLD. A .env file in
// the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FACEATTEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validating config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// Validate returns every problem found rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres backend"))
		}
	case BackendMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" || c.Mongo.Collection == "" {
			errs = append(errs, errors.New("mongo.uri, mongo.database and mongo.collection are required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of %s, %s", c.Store.Backend, BackendPostgres, BackendMongo))
	}
	if c.Detector.Addr == "" {
		errs = append(errs, errors.New("detector.addr must not be empty"))
	}
	if c.Match.Threshold <= -1 || c.Match.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("match.threshold %v must lie strictly between -1 and 1", c.Match.Threshold))
	}
	if c.Embedding.Dim <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim))
	}
	if c.Image.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("image.max_bytes must be positive, got %d", c.Image.MaxBytes))
	}
	if c.Image.MaxSide < 0 {
		errs = append(errs, fmt.Errorf("image.max_side must not be negative, got %d", c.Image.MaxSide))
	}
	if c.Cache.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when cache.enabled is set"))
	}

	return errs
}

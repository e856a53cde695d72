// Package config loads configuration from an optional YAML file, a .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultChunkSize is the S3 multipart part size used by the cloud API.
const DefaultChunkSize = 10_000_000

// Config holds all client configuration.
type Config struct {
	// Remote backend
	RemoteAPIURL   string        `yaml:"remote_api_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst      int           `yaml:"rate_burst"`
	TokenFile      string        `yaml:"token_file"`

	// Local backend
	ProjectManagerURL  string `yaml:"project_manager_url"`
	LocalServerURL     string `yaml:"local_server_url"`
	LocalRootDirectory string `yaml:"local_root_directory"`
	WatchLocalRoot     bool   `yaml:"watch_local_root"`

	// Uploads
	ChunkSize        int64 `yaml:"chunk_size"`
	UploadRetries    int   `yaml:"upload_retries"`
	ChunkConcurrency int   `yaml:"chunk_concurrency"`

	// Synchronization
	BulkParallelism int    `yaml:"bulk_parallelism"`
	MultiProject    bool   `yaml:"multi_project"`
	StatePath       string `yaml:"state_path"`

	// Logging and metrics
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		RemoteAPIURL:       "http://localhost:8090",
		RequestTimeout:     30 * time.Second,
		RateBurst:          10,
		TokenFile:          filepath.Join(home, ".assetsync", "token.json"),
		ProjectManagerURL:  "ws://127.0.0.1:30535",
		LocalServerURL:     "http://127.0.0.1:8080",
		LocalRootDirectory: filepath.Join(home, "assetsync_projects"),
		WatchLocalRoot:     true,
		ChunkSize:          DefaultChunkSize,
		UploadRetries:      3,
		ChunkConcurrency:   1,
		BulkParallelism:    8,
		StatePath:          filepath.Join(home, ".assetsync", "state.db"),
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load reads .env (if present), then the YAML file named by ASSETSYNC_CONFIG
// (if set), then environment variables, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("ASSETSYNC_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.RemoteAPIURL = envOr("REMOTE_API_URL", c.RemoteAPIURL)
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.RateLimit = envFloat("RATE_LIMIT", c.RateLimit)
	c.RateBurst = envInt("RATE_BURST", c.RateBurst)
	c.TokenFile = envOr("TOKEN_FILE", c.TokenFile)
	c.ProjectManagerURL = envOr("PROJECT_MANAGER_URL", c.ProjectManagerURL)
	c.LocalServerURL = envOr("LOCAL_SERVER_URL", c.LocalServerURL)
	c.LocalRootDirectory = envOr("LOCAL_ROOT_DIRECTORY", c.LocalRootDirectory)
	c.WatchLocalRoot = envBool("WATCH_LOCAL_ROOT", c.WatchLocalRoot)
	c.ChunkSize = envInt64("CHUNK_SIZE", c.ChunkSize)
	c.UploadRetries = envInt("UPLOAD_RETRIES", c.UploadRetries)
	c.ChunkConcurrency = envInt("CHUNK_CONCURRENCY", c.ChunkConcurrency)
	c.BulkParallelism = envInt("BULK_PARALLELISM", c.BulkParallelism)
	c.MultiProject = envBool("MULTI_PROJECT", c.MultiProject)
	c.StatePath = envOr("STATE_PATH", c.StatePath)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RemoteAPIURL, validation.Required, is.URL),
		validation.Field(&c.RequestTimeout, validation.Min(time.Second)),
		validation.Field(&c.RateLimit, validation.Min(0.0)),
		validation.Field(&c.RateBurst, validation.Min(1)),
		validation.Field(&c.ProjectManagerURL, validation.Required),
		validation.Field(&c.LocalRootDirectory, validation.Required),
		validation.Field(&c.ChunkSize, validation.Required, validation.Min(int64(5<<20))),
		validation.Field(&c.UploadRetries, validation.Min(0), validation.Max(20)),
		validation.Field(&c.ChunkConcurrency, validation.Min(1), validation.Max(32)),
		validation.Field(&c.BulkParallelism, validation.Min(1)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("json", "console")),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Package config loads the server, worker and client settings from the
// environment. A .env file in the working directory is read first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env      string
	LogLevel string
	Redis    RedisConfig
	Server   ServerConfig
	Worker   WorkerConfig
	Results  ResultsConfig
	S3       S3Config
	OPGEE    OPGEEConfig
}

// RedisConfig describes the broker connection and task retention.
type RedisConfig struct {
	URL    string
	Queues []string
	// TaskTTL is how long a task record survives after its last transition.
	TaskTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr          string
	APIKey        string
	SessionSecret string
	// Users maps login names to passwords.
	Users       map[string]string
	SubmitRate  int
	SubmitBurst int
}

// WorkerConfig holds worker process settings.
type WorkerConfig struct {
	MetricsAddr string
	MaxRetries  int
	RunTimeout  time.Duration
}

// ResultsConfig selects and tunes the result store.
type ResultsConfig struct {
	Backend   string // "local" or "s3"
	Dir       string
	TTL       time.Duration
	SweepSpec string
}

// S3Config holds S3 connection details
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Optional: for S3-compatible services like MinIO
}

// OPGEEConfig controls how the simulation runner invokes the model.
type OPGEEConfig struct {
	Command string
	// Args is split on whitespace; {analysis} and {output} are substituted.
	Args     string
	Analysis string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()

	users, err := parseUsers(getEnv("USERS", "test_user:test_password"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
			Queues:  splitList(getEnv("QUEUES", "default")),
			TaskTTL: getDuration("TASK_TTL", 24*time.Hour),
		},
		Server: ServerConfig{
			Addr:          getEnv("SERVER_ADDR", ":8081"),
			APIKey:        os.Getenv("API_KEY"),
			SessionSecret: getEnv("SESSION_SECRET", "change-me"),
			Users:         users,
			SubmitRate:    getInt("SUBMIT_RATE", 0),
			SubmitBurst:   getInt("SUBMIT_BURST", 0),
		},
		Worker: WorkerConfig{
			MetricsAddr: getEnv("METRICS_ADDR", ":8080"),
			MaxRetries:  getInt("MAX_RETRIES", 0),
			RunTimeout:  getDuration("RUN_TIMEOUT", 30*time.Minute),
		},
		Results: ResultsConfig{
			Backend:   getEnv("RESULT_BACKEND", "local"),
			Dir:       getEnv("RESULT_DIR", "results"),
			TTL:       getDuration("RESULT_TTL", 7*24*time.Hour),
			SweepSpec: getEnv("RESULT_SWEEP_SPEC", "@every 1h"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
		},
		OPGEE: OPGEEConfig{
			Command:  getEnv("OPGEE_COMMAND", "opgee"),
			Args:     getEnv("OPGEE_ARGS", "run -a {analysis} -p {output}"),
			Analysis: getEnv("OPGEE_ANALYSIS", "example"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if len(c.Redis.Queues) == 0 {
		return fmt.Errorf("QUEUES must name at least one queue")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	switch c.Results.Backend {
	case "local":
		if c.Results.Dir == "" {
			return fmt.Errorf("RESULT_DIR is required for the local result backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required")
		}
		if c.S3.AccessKeyID == "" {
			return fmt.Errorf("S3_ACCESS_KEY_ID is required")
		}
		if c.S3.SecretAccessKey == "" {
			return fmt.Errorf("S3_SECRET_ACCESS_KEY is required")
		}
	default:
		return fmt.Errorf("unknown RESULT_BACKEND %q", c.Results.Backend)
	}
	if c.Env == "production" && c.Server.SessionSecret == "change-me" {
		return fmt.Errorf("SESSION_SECRET must be set in production")
	}
	return nil
}

// parseUsers reads "name:password,name2:password2".
func parseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range splitList(raw) {
		name, pw, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid USERS entry %q", entry)
		}
		users[name] = pw
	}
	return users, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

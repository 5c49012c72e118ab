// Package config loads coderelay settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPort              = 5000
	DefaultModel             = "claude-3-5-sonnet-20241022"
	DefaultUploadPath        = "/api/files/upload"
	DefaultAiderBin          = "aider"
	DefaultGenerationTimeout = 30 * time.Minute
	DefaultUploadWorkers     = 2
)

// Upload backends.
const (
	BackendNone = "none"
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config is the process configuration. It is read once at start.
type Config struct {
	Port              int
	Debug             bool
	DefaultModel      string
	AiderBin          string
	GenerationTimeout time.Duration
	DBPath            string
	Upload            UploadConfig
}

// UploadConfig selects and configures the archive upload backend.
type UploadConfig struct {
	Backend    string
	BackendURL string
	Path       string
	Workers    int
	S3         S3Config
}

// S3Config mirrors the ARTIFACT_S3_* variables.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Addr returns the listen address for Port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads envFile (if present, overriding the process environment) and
// then the environment. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Overload(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	port, err := intEnv("PORT", DefaultPort)
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("PORT out of range: %d", port)
	}

	timeout := DefaultGenerationTimeout
	if raw := env("GENERATION_TIMEOUT"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid GENERATION_TIMEOUT %q: %w", raw, err)
		}
		if timeout <= 0 {
			return nil, fmt.Errorf("GENERATION_TIMEOUT must be positive")
		}
	}

	workers, err := intEnv("UPLOAD_WORKERS", DefaultUploadWorkers)
	if err != nil {
		return nil, err
	}

	upload, err := loadUploadConfig(workers)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:              port,
		Debug:             boolEnv("DEBUG", false),
		DefaultModel:      firstNonEmpty(env("DEFAULT_MODEL"), DefaultModel),
		AiderBin:          firstNonEmpty(env("AIDER_BIN"), DefaultAiderBin),
		GenerationTimeout: timeout,
		DBPath:            firstNonEmpty(env("CODERELAY_DB"), DefaultDBPath()),
		Upload:            upload,
	}, nil
}

// DefaultDBPath returns ~/.coderelay/coderelay.db, or a relative path when
// the home directory is unknown.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".coderelay", "coderelay.db")
	}
	return filepath.Join(home, ".coderelay", "coderelay.db")
}

func loadUploadConfig(workers int) (UploadConfig, error) {
	cfg := UploadConfig{
		BackendURL: env("BACKEND_URL"),
		Path:       firstNonEmpty(env("UPLOAD_PATH"), DefaultUploadPath),
		Workers:    workers,
		S3: S3Config{
			Endpoint:  env("ARTIFACT_S3_ENDPOINT"),
			Region:    firstNonEmpty(env("ARTIFACT_S3_REGION"), "us-east-1"),
			AccessKey: firstNonEmpty(env("ARTIFACT_S3_ACCESS_KEY"), env("MINIO_ROOT_USER")),
			SecretKey: firstNonEmpty(env("ARTIFACT_S3_SECRET_KEY"), env("MINIO_ROOT_PASSWORD")),
			Bucket:    firstNonEmpty(env("ARTIFACT_S3_BUCKET"), "coderelay-artifacts"),
			UseSSL:    boolEnv("ARTIFACT_S3_USE_SSL", true),
		},
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultUploadWorkers
	}

	backend := strings.ToLower(env("UPLOAD_BACKEND"))
	switch backend {
	case "":
		switch {
		case cfg.BackendURL != "":
			backend = BackendHTTP
		case cfg.S3.Endpoint != "":
			backend = BackendS3
		default:
			backend = BackendNone
		}
	case BackendHTTP:
		if cfg.BackendURL == "" {
			return cfg, fmt.Errorf("UPLOAD_BACKEND=http requires BACKEND_URL")
		}
	case BackendS3:
		if cfg.S3.Endpoint == "" {
			return cfg, fmt.Errorf("UPLOAD_BACKEND=s3 requires ARTIFACT_S3_ENDPOINT")
		}
	case BackendNone:
	default:
		return cfg, fmt.Errorf("unknown UPLOAD_BACKEND %q", backend)
	}
	cfg.Backend = backend
	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func intEnv(key string, def int) (int, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func boolEnv(key string, def bool) bool {
	raw := env(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

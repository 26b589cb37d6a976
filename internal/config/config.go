// Package config loads the orchestrator's typed configuration from process
// environment, optionally pre-loaded from a .env file in local development.
package config

import (
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the single struct every component receives at construction,
// replacing the source's implicit globals for API keys and endpoints.
type Config struct {
	// HTTP transport
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	JWTPublicKeyPath string `env:"JWT_PUBLIC_KEY_PATH,required"`

	// Logging
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// Postgres DocStore (A5)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Redis distributed lock (A6)
	RedisURL string `env:"REDIS_URL,default=redis://localhost:6379/0"`

	// BlobStore (C2)
	BlobStoreRoot string `env:"BLOB_STORE_ROOT,default=./data/blobs"`
	BlobBaseURL   string `env:"BLOB_BASE_URL,default=http://localhost:8080/blobs"`

	// Vision API (C4)
	VisionAPIKey      string `env:"VISION_API_KEY,required"`
	VisionAPIBaseURL  string `env:"VISION_API_BASE_URL,default=https://vision.example.internal"`
	VisionStaggerMs   int    `env:"VISION_STAGGER_MS,default=500"`
	VisionMaxPerSecond int   `env:"VISION_MAX_PER_SECOND,default=4"`

	// Mesh providers (C3) — one API key + base URL per provider.
	MeshyAPIKey     string `env:"MESHY_API_KEY"`
	MeshyBaseURL    string `env:"MESHY_BASE_URL,default=https://api.meshy.ai"`
	TripoAPIKey     string `env:"TRIPO_API_KEY"`
	TripoBaseURL    string `env:"TRIPO_BASE_URL,default=https://api.tripo3d.ai"`
	HunyuanAPIKey   string `env:"HUNYUAN_API_KEY"`
	HunyuanBaseURL  string `env:"HUNYUAN_BASE_URL,default=https://api.hunyuan3d.tencent.com"`
	RodinAPIKey     string `env:"RODIN_API_KEY"`
	RodinBaseURL    string `env:"RODIN_BASE_URL,default=https://api.hyper3d.ai"`

	// Background poll worker (A9)
	PollCron         string `env:"POLL_CRON,default=*/5 * * * * *"`
	PollMaxPerTick    int   `env:"POLL_MAX_PER_TICK,default=50"`

	// Rate limiting (A7) for the command API, per user id.
	APIRateLimitPerSecond int `env:"API_RATE_LIMIT_PER_SECOND,default=10"`
	APIRateLimitBurst     int `env:"API_RATE_LIMIT_BURST,default=20"`

	// Metrics (A4)
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`
}

// Load reads a .env file if present (ignored if absent — production sets
// real environment variables) and decodes Config from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; dev convenience only

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// ProviderKey returns the API key configured for the named mesh provider.
func (c *Config) ProviderKey(provider string) (string, bool) {
	switch provider {
	case "meshy":
		return c.MeshyAPIKey, c.MeshyAPIKey != ""
	case "tripo":
		return c.TripoAPIKey, c.TripoAPIKey != ""
	case "hunyuan":
		return c.HunyuanAPIKey, c.HunyuanAPIKey != ""
	case "rodin":
		return c.RodinAPIKey, c.RodinAPIKey != ""
	default:
		return "", false
	}
}

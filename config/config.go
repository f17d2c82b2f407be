// Package config loads service configuration from the environment, with an
// optional YAML file for development setups.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	// Config is the full service configuration shared by the API worker and
	// the background render worker.
	Config struct {
		HTTP   HTTP   `yaml:"http"`
		Redis  Redis  `yaml:"redis"`
		Auth   Auth   `yaml:"auth"`
		Stream Stream `yaml:"stream"`
		Render Render `yaml:"render"`
		Queue  Queue  `yaml:"queue"`
		Debug  bool   `yaml:"debug" env:"RB_DEBUG" env-default:"false"`
	}

	// HTTP configures the API listener.
	HTTP struct {
		Addr            string        `yaml:"addr" env:"RB_HTTP_ADDR" env-default:":8787"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RB_HTTP_SHUTDOWN_TIMEOUT" env-default:"30s"`
		RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RB_RATE_LIMIT_RPS" env-default:"10"`
		RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RB_RATE_LIMIT_BURST" env-default:"20"`
		// AllowedOrigins enables CORS for the listed origins. Empty
		// disables cross-origin access entirely.
		AllowedOrigins []string `yaml:"allowed_origins" env:"RB_ALLOWED_ORIGINS" env-separator:","`
	}

	// Redis configures the shared store.
	Redis struct {
		Addr     string `yaml:"addr" env:"RB_REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"RB_REDIS_PASSWORD"`
		PoolSize int    `yaml:"pool_size" env:"RB_REDIS_POOL_SIZE" env-default:"10"`
		// Channel is the cross-worker pub/sub channel name.
		Channel string `yaml:"channel" env:"RB_PUBSUB_CHANNEL" env-default:"sse_events"`
	}

	// Auth configures API-key authentication. Keys may be given in the
	// clear or as SHA-256 hex digests; DevMode skips authentication
	// entirely for local development.
	Auth struct {
		APIKeys    []string `yaml:"api_keys" env:"RB_API_KEYS" env-separator:","`
		KeyHashes  []string `yaml:"key_hashes" env:"RB_API_KEY_HASHES" env-separator:","`
		DevMode    bool     `yaml:"dev_mode" env:"RB_AUTH_DEV_MODE" env-default:"false"`
		HeaderName string   `yaml:"header_name" env:"RB_AUTH_HEADER" env-default:"X-API-Key"`
	}

	// Stream configures SSE connection management.
	Stream struct {
		// Enabled mounts the SSE surface. When false the service only
		// answers health checks.
		Enabled           bool          `yaml:"enabled" env:"RB_SSE_ENABLED" env-default:"true"`
		BufferSize        int           `yaml:"buffer_size" env:"RB_BUFFER_SIZE" env-default:"100"`
		BufferTTL         time.Duration `yaml:"buffer_ttl" env:"RB_BUFFER_TTL" env-default:"1h"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"RB_HEARTBEAT_INTERVAL" env-default:"30s"`
		ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"RB_CONNECTION_TIMEOUT" env-default:"5m"`
		CleanupInterval   time.Duration `yaml:"cleanup_interval" env:"RB_CLEANUP_INTERVAL" env-default:"1m"`
	}

	// Render configures tool execution and the headless renderer.
	Render struct {
		SyncTimeout   time.Duration `yaml:"sync_timeout" env:"RB_RENDER_SYNC_TIMEOUT" env-default:"60s"`
		PollInterval  time.Duration `yaml:"poll_interval" env:"RB_RENDER_POLL_INTERVAL" env-default:"2s"`
		MonitorBudget time.Duration `yaml:"monitor_budget" env:"RB_RENDER_MONITOR_BUDGET" env-default:"5m"`
	}

	// Queue configures the background task queue.
	Queue struct {
		Name        string `yaml:"name" env:"RB_QUEUE_NAME" env-default:"renders"`
		Concurrency int    `yaml:"concurrency" env:"RB_QUEUE_CONCURRENCY" env-default:"4"`
	}
)

// Load reads configuration from the environment. When path is non-empty the
// file is read first and environment variables override it.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return &cfg, nil
}

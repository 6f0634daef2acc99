package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Role holds the backend selection for one generation role. Empty fields are
// filled from the provider catalogue at startup.
type Role struct {
	Provider string
	Model    string
	APIKey   string
}

type Config struct {
	// Server
	Host string // default: 127.0.0.1
	Port int    // default: 3001

	// Providers
	Text  Role
	Image Role
	Video Role

	// Prompts and pricing
	PromptsDir  string
	PricingFile string // TOML override table
	PricingURL  string // LiteLLM-style JSON document

	// Cache
	RedisAddr          string // empty keeps the cache in memory
	CacheTTL           time.Duration
	PosterWaitTimeout  time.Duration
	PosterPollInterval time.Duration

	// Video jobs
	VideoPollInterval time.Duration
	VideoMaxWait      time.Duration

	// Rate limiting, generations per client per minute. 0 disables it.
	RateLimitPerMinute int

	// Browser
	BrowserBin string
	Headless   bool
	DevTools   bool

	// Observability
	OTELExporterType     string // "none", "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	Debug                bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Host: getEnv("HOST", "127.0.0.1"),
		Text: Role{
			Provider: getEnv("TEXT_PROVIDER", "google"),
			Model:    os.Getenv("TEXT_MODEL"),
			APIKey:   os.Getenv("TEXT_API_KEY"),
		},
		Image: Role{
			Provider: os.Getenv("IMAGE_PROVIDER"),
			Model:    os.Getenv("IMAGE_MODEL"),
			APIKey:   os.Getenv("IMAGE_API_KEY"),
		},
		Video: Role{
			Provider: os.Getenv("VIDEO_PROVIDER"),
			Model:    os.Getenv("VIDEO_MODEL"),
			APIKey:   os.Getenv("VIDEO_API_KEY"),
		},
		PromptsDir:           os.Getenv("PROMPTS_DIR"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		PricingURL:           os.Getenv("PRICING_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		BrowserBin:           os.Getenv("BROWSER_BIN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 3001); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 0); err != nil {
		return nil, err
	}
	if cfg.Headless, err = getBool("HEADLESS", false); err != nil {
		return nil, err
	}
	if cfg.DevTools, err = getBool("DEVTOOLS", false); err != nil {
		return nil, err
	}
	if cfg.Debug, err = getBool("DEBUG", false); err != nil {
		return nil, err
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"CACHE_TTL", 5 * time.Minute, &cfg.CacheTTL},
		{"POSTER_WAIT_TIMEOUT", 30 * time.Second, &cfg.PosterWaitTimeout},
		{"POSTER_POLL_INTERVAL", time.Second, &cfg.PosterPollInterval},
		{"VIDEO_POLL_INTERVAL", 10 * time.Second, &cfg.VideoPollInterval},
		{"VIDEO_MAX_WAIT", 10 * time.Minute, &cfg.VideoMaxWait},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that flags may have changed after Load.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	switch c.OTELExporterType {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q (want none, stdout or otlp)", c.OTELExporterType)
	}
	if c.VideoPollInterval <= 0 {
		return fmt.Errorf("VIDEO_POLL_INTERVAL must be positive")
	}
	if c.VideoMaxWait <= 0 {
		return fmt.Errorf("VIDEO_MAX_WAIT must be positive")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

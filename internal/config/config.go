// Package config loads the service settings: a JSON settings file merged
// with defaults, overridable from the environment. The resulting Config is
// an immutable snapshot; the core never re-reads settings at runtime.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pagemill/pagemill/pkg/logger"
)

// Config holds the merged application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	PDF       PDFConfig
	Queue     QueueConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	API       APIConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BrowserConfig controls the shared headless browser per render kind.
type BrowserConfig struct {
	MaxConcurrent  int           // parallel renders per kind, 1..10
	DefaultTimeout time.Duration // navigation timeout, 1s..120s
	ViewportWidth  int
	ViewportHeight int
	Headless       bool
	Args           []string // extra chromium flags, "--flag" or "--flag=value"
	AllowPrivate   bool     // permit URLs into private address space (dev only)
}

type PDFConfig struct {
	DefaultFormat   string
	MarginTop       string
	MarginRight     string
	MarginBottom    string
	MarginLeft      string
	PrintBackground bool
}

type QueueConfig struct {
	MaxSize           int           // store capacity, 1..1000
	ProcessingTimeout time.Duration // per attempt, 5s..300s
	RetryAttempts     int           // 0..5
	RetryDelay        time.Duration // 100ms..30s
}

type StorageConfig struct {
	OutputDir         string
	SnapshotDir       string // job snapshot files live here
	CleanupAfterHours int    // terminal job retention, 1..720
}

// RateLimitConfig controls the global limiter on the HTTP surface.
type RateLimitConfig struct {
	Enabled       bool
	RPS           float64
	Burst         int
	UseRedis      bool
	WindowSeconds int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

// APIConfig holds the optional shared API key; empty disables the check.
type APIConfig struct {
	Key string
}

// Load reads the settings file (SETTINGS_FILE, default ./settings.json) when
// present, applies defaults and environment overrides, and clamps every
// tunable into its allowed range.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", "3000")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.environment", "development")

	v.SetDefault("browser.maxConcurrent", 3)
	v.SetDefault("browser.defaultTimeout", 30000)
	v.SetDefault("browser.viewportWidth", 1280)
	v.SetDefault("browser.viewportHeight", 720)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.allowPrivate", false)

	v.SetDefault("pdf.defaultFormat", "A4")
	v.SetDefault("pdf.defaultMargin.top", "10mm")
	v.SetDefault("pdf.defaultMargin.right", "10mm")
	v.SetDefault("pdf.defaultMargin.bottom", "10mm")
	v.SetDefault("pdf.defaultMargin.left", "10mm")
	v.SetDefault("pdf.printBackground", true)

	v.SetDefault("queue.maxSize", 100)
	v.SetDefault("queue.processingTimeout", 60000)
	v.SetDefault("queue.retryAttempts", 1)
	v.SetDefault("queue.retryDelay", 2000)

	v.SetDefault("storage.outputDir", "./output")
	v.SetDefault("storage.snapshotDir", "./data")
	v.SetDefault("storage.cleanupAfterHours", 72)

	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.rps", 10)
	v.SetDefault("rateLimit.burst", 40)
	v.SetDefault("rateLimit.useRedis", false)
	v.SetDefault("rateLimit.windowSeconds", 1)

	settingsFile := os.Getenv("SETTINGS_FILE")
	if settingsFile == "" {
		settingsFile = "settings.json"
	}
	if _, err := os.Stat(settingsFile); err == nil {
		v.SetConfigFile(settingsFile)
		if err := v.MergeInConfig(); err != nil {
			// A broken settings file is logged and ignored; defaults and
			// environment still apply.
			logger.Warnf("config: cannot read %s: %v", settingsFile, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("server.port"),
			Host:         v.GetString("server.host"),
			Environment:  v.GetString("server.environment"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Browser: BrowserConfig{
			MaxConcurrent:  clampInt(v.GetInt("browser.maxConcurrent"), 1, 10, "browser.maxConcurrent"),
			DefaultTimeout: time.Duration(clampInt(v.GetInt("browser.defaultTimeout"), 1000, 120000, "browser.defaultTimeout")) * time.Millisecond,
			ViewportWidth:  v.GetInt("browser.viewportWidth"),
			ViewportHeight: v.GetInt("browser.viewportHeight"),
			Headless:       v.GetBool("browser.headless"),
			Args:           v.GetStringSlice("browser.launchArgs"),
			AllowPrivate:   v.GetBool("browser.allowPrivate"),
		},
		PDF: PDFConfig{
			DefaultFormat:   v.GetString("pdf.defaultFormat"),
			MarginTop:       v.GetString("pdf.defaultMargin.top"),
			MarginRight:     v.GetString("pdf.defaultMargin.right"),
			MarginBottom:    v.GetString("pdf.defaultMargin.bottom"),
			MarginLeft:      v.GetString("pdf.defaultMargin.left"),
			PrintBackground: v.GetBool("pdf.printBackground"),
		},
		Queue: QueueConfig{
			MaxSize:           clampInt(v.GetInt("queue.maxSize"), 1, 1000, "queue.maxSize"),
			ProcessingTimeout: time.Duration(clampInt(v.GetInt("queue.processingTimeout"), 5000, 300000, "queue.processingTimeout")) * time.Millisecond,
			RetryAttempts:     clampInt(v.GetInt("queue.retryAttempts"), 0, 5, "queue.retryAttempts"),
			RetryDelay:        time.Duration(clampInt(v.GetInt("queue.retryDelay"), 100, 30000, "queue.retryDelay")) * time.Millisecond,
		},
		Storage: StorageConfig{
			OutputDir:         v.GetString("storage.outputDir"),
			SnapshotDir:       v.GetString("storage.snapshotDir"),
			CleanupAfterHours: clampInt(v.GetInt("storage.cleanupAfterHours"), 1, 720, "storage.cleanupAfterHours"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("rateLimit.enabled"),
			RPS:           v.GetFloat64("rateLimit.rps"),
			Burst:         v.GetInt("rateLimit.burst"),
			UseRedis:      v.GetBool("rateLimit.useRedis"),
			WindowSeconds: v.GetInt("rateLimit.windowSeconds"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		API: APIConfig{
			Key: os.Getenv("API_KEY"),
		},
	}

	return cfg, nil
}

// clampInt forces v into [lo, hi], logging when the configured value is out
// of range.
func clampInt(v, lo, hi int, name string) int {
	if v < lo {
		logger.Warnf("config: %s=%d below minimum, using %d", name, v, lo)
		return lo
	}
	if v > hi {
		logger.Warnf("config: %s=%d above maximum, using %d", name, v, hi)
		return hi
	}
	return v
}

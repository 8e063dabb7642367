// Package config reads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/cutout/internal/blob"
)

const (
	BackendLocal = "local"
	BackendGRPC  = "grpc"
	BackendHTTP  = "http"

	BlobMemory = "memory"
	BlobRedis  = "redis"
)

// Config holds every knob the binary reads at startup.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	SegmenterBackend  string
	SegmenterGRPCAddr string
	SegmenterHTTPURL  string
	ProcessTimeout    time.Duration

	BlobBackend  string
	BlobMaxBytes int64
	BlobTTL      time.Duration
	RedisAddr    string

	DatabaseDSN string

	JWTSecret   string
	JWTAudience string

	MaxUploadBytes       int64
	MaxImagePixels       int64
	SessionIdleTimeout   time.Duration
	SessionSweepSchedule string
	CookieSecure         bool
}

// Load reads envFile (when present) into the process environment and then
// builds a Config. A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, so tests need not touch
// the real environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		HTTPAddr:        p.str("HTTP_ADDR", ":8080"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        p.str("LOG_LEVEL", ""),

		SegmenterBackend:  strings.ToLower(p.str("SEGMENTER_BACKEND", BackendLocal)),
		SegmenterGRPCAddr: p.str("SEGMENTER_GRPC_ADDR", "segmenter:50051"),
		SegmenterHTTPURL:  p.str("SEGMENTER_HTTP_URL", "http://rembg:7000/api/remove"),
		ProcessTimeout:    p.duration("PROCESS_TIMEOUT", 0),

		BlobBackend:  strings.ToLower(p.str("BLOB_BACKEND", BlobMemory)),
		BlobMaxBytes: p.int64("BLOB_MAX_BYTES", 256<<20),
		BlobTTL:      p.duration("BLOB_TTL", 2*time.Hour),
		RedisAddr:    p.str("REDIS_ADDR", "redis:6379"),

		DatabaseDSN: p.str("DATABASE_DSN", ""),

		JWTSecret:   strings.TrimSpace(p.str("JWT_SECRET", "")),
		JWTAudience: strings.TrimSpace(p.str("JWT_AUDIENCE", "")),

		MaxUploadBytes:       p.int64("MAX_UPLOAD_BYTES", 10<<20),
		MaxImagePixels:       p.int64("MAX_IMAGE_PIXELS", 40_000_000),
		SessionIdleTimeout:   p.duration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepSchedule: p.str("SESSION_SWEEP_SCHEDULE", "@every 1m"),
		CookieSecure:         p.bool("COOKIE_SECURE", false),
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and limits that the parser cannot.
func (c *Config) Validate() error {
	switch c.SegmenterBackend {
	case BackendLocal, BackendGRPC, BackendHTTP:
	default:
		return fmt.Errorf("SEGMENTER_BACKEND: unknown backend %q", c.SegmenterBackend)
	}
	switch c.BlobBackend {
	case BlobMemory, BlobRedis:
	default:
		return fmt.Errorf("BLOB_BACKEND: unknown backend %q", c.BlobBackend)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return errors.New("MAX_IMAGE_PIXELS must be positive")
	}
	// one session holds a source and a result at the same time
	if need := 2 * (c.MaxUploadBytes + blob.EntryOverhead); c.BlobMaxBytes < need {
		return fmt.Errorf("BLOB_MAX_BYTES must be at least %d to hold an upload and its result", need)
	}
	if c.BlobTTL > 0 {
		if c.SessionIdleTimeout <= 0 || c.BlobTTL <= c.SessionIdleTimeout {
			return errors.New("BLOB_TTL must exceed a positive SESSION_IDLE_TIMEOUT")
		}
	}
	return nil
}

// AuthEnabled reports whether bearer tokens are required.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, fallback string) string {
	if value := p.getenv(key); value != "" {
		return value
	}
	return fallback
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	value := p.getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) int64(key string, fallback int64) int64 {
	value := p.getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	value := p.getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

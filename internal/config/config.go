package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/obslog"
)

type AppConfig struct {
	HTTPAddr    string
	RedisURL    string
	DatabaseURL string

	CommitRetries     int
	RankingCacheTTL   time.Duration
	ReconcileInterval time.Duration
	MessagesDir       string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Log obslog.Options
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr:          ":8080",
		CommitRetries:     3,
		RankingCacheTTL:   30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	if v := strings.TrimSpace(os.Getenv("COMMIT_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.Newf("COMMIT_RETRIES must be a non-negative integer, got %q", v)
		}
		cfg.CommitRetries = n
	}

	var err error
	if cfg.RankingCacheTTL, err = durationEnv("RANKING_CACHE_TTL", cfg.RankingCacheTTL); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = durationEnv("HTTP_READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = durationEnv("HTTP_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return nil, err
	}

	cfg.Log = obslog.Options{
		Level:   getenvDefault("LOG_LEVEL", "info"),
		Format:  getenvDefault("LOG_FORMAT", "legacy"),
		Console: boolEnv("LOG_TO_CONSOLE", true),
		Caller:  boolEnv("LOG_CALLER", false),
	}
	if boolEnv("LOG_TO_FILE", false) {
		cfg.Log.File = getenvDefault("LOG_FILE", filepath.Join("logs", "match-engine.log"))
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

// durationEnv accepts Go durations ("30s") or bare seconds ("30").
// Zero is allowed and means disabled where the caller supports it.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errors.Newf("%s must be a non-negative duration, got %q", key, v)
	}
	return d, nil
}

func boolEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDefault(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

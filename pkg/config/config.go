package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the sync engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Credential vault. Empty means derive the key from the machine id.
	VaultSecret string

	// Job queue
	Workers           int
	WorkerMaxJobs     int
	HeartbeatInterval time.Duration

	// Default historical sync lookback when a request gives no range.
	LookbackDays int

	// Per-exchange REST request budgets, requests per minute. Exchanges
	// absent from the map get the shared default budget.
	RateLimits map[string]int
}

// fileConfig is the optional YAML overlay (CONFIG_FILE, default
// config.yaml). It only carries settings that are awkward as env vars.
type fileConfig struct {
	RateLimits map[string]int `yaml:"rate_limits"`
}

// Load reads environment variables (optionally via .env) into Config,
// then applies the YAML overlay if the file exists.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/tradesync.db"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		VaultSecret:       os.Getenv("VAULT_APP_SECRET"),
		Workers:           getEnvInt("SYNC_WORKERS", 4),
		WorkerMaxJobs:     getEnvInt("WORKER_MAX_JOBS", 2),
		HeartbeatInterval: time.Duration(getEnvInt("WORKER_HEARTBEAT_SECONDS", 10)) * time.Second,
		LookbackDays:      getEnvInt("SYNC_LOOKBACK_DAYS", 90),
		RateLimits:        map[string]int{},
	}

	path := getEnv("CONFIG_FILE", "config.yaml")
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for exchange, perMin := range fc.RateLimits {
		c.RateLimits[exchange] = perMin
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds everything read from the environment at startup.
type Config struct {
	Env  string // development | production | test
	Port int

	// Upstream (Notion-shaped API). Token may be empty: the persisted
	// per-environment config document is the fallback.
	NotionBaseURL string
	NotionToken   string

	// Stores
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	// Security
	JWTSecret     string
	EncryptionKey string // 32-byte hex preferred; shorter secrets get SHA-256'd

	FrontendOrigins []string
}

// Load reads .env (best effort) and the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg := &Config{
		Env:           getEnv("NODE_ENV", "development"),
		Port:          getEnvInt("PORT", 8080),
		NotionBaseURL: getEnv("NOTION_BASE_URL", "https://api.notion.com"),
		NotionToken:   os.Getenv("NOTION_TOKEN"),
		DatabaseURL:   getEnv("DATABASE_URL", "postgres://localhost:5432/syncd"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
	}

	origins := getEnv("FRONTEND_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.FrontendOrigins = append(cfg.FrontendOrigins, o)
		}
	}

	return cfg
}

// Validate fails fast on configuration that would make the process insecure
// or unable to start.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if c.Env == "production" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		log.Printf("WARNING: JWT_SECRET not set, using insecure development default")
		c.JWTSecret = "insecure_default_secret_for_dev_mode_only_32bytes"
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.EncryptionKey == "" {
		if c.Env == "production" {
			return fmt.Errorf("ENCRYPTION_KEY is required in production")
		}
		log.Printf("WARNING: ENCRYPTION_KEY not set, using insecure development default")
		c.EncryptionKey = "dev_only_encryption_key_do_not_use"
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		log.Printf("config: invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted in STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config holds all configuration for the chat server.
type Config struct {
	Env      string
	LogLevel string

	// WebSocket / HTTP listener
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ServerName     string

	// Collaborators; empty disables the optional ones.
	NATSURL       string
	RedisAddr     string
	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	JWTSecret      string
	UploadDir      string
	MaxUploadBytes int64
	CORSOrigins    []string
}

// Load reads configuration from environment variables, loading a .env file
// first when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "chat-1"
	}

	cfg := &Config{
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		ListenAddr:     getEnv("LISTEN_ADDR", ":"+getEnv("PORT", "5000")),
		WorkerPoolSize: getInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:    getDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 10*time.Second),
		ServerName:     getEnv("SERVER_NAME", hostname),
		NATSURL:        os.Getenv("NATS_URL"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		StoreDriver:    getEnv("STORE_DRIVER", DriverMemory),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MongoURI:       os.Getenv("MONGO_URI"),
		MongoDatabase:  getEnv("MONGO_DATABASE", "parley"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
		MaxUploadBytes: int64(getInt("MAX_UPLOAD_BYTES", 25<<20)),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("config: MONGO_URI is required for store driver %q", c.StoreDriver)
		}
	case DriverMemory:
		if c.Env == "production" {
			return fmt.Errorf("config: store driver %q is not allowed in production", c.StoreDriver)
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.JWTSecret == "" {
		if c.Env == "production" {
			return fmt.Errorf("config: JWT_SECRET is required in production")
		}
		c.JWTSecret = "dev-secret"
	}
	if c.WorkerPoolSize <= 0 || c.MaxConnections <= 0 {
		return fmt.Errorf("config: worker pool and connection limits must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

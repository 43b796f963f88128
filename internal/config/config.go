package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string // empty runs the in-memory store
	HTTPPort    string
	LogLevel    string
	JWTSecret   string
	APIKey      string
	DataDir     string

	CooldownWindow time.Duration
	AssignmentTTL  time.Duration
	SweepInterval  time.Duration // 0 disables the sweep
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		APIKey:         getEnv("API_KEY", ""),
		DataDir:        getEnv("DATA_DIR", "data"),
		CooldownWindow: getEnvAsDuration("COOLDOWN_WINDOW", 48*time.Hour),
		AssignmentTTL:  getEnvAsDuration("ASSIGNMENT_TTL", 24*time.Hour),
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", time.Hour),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY environment variable is required")
	}
	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

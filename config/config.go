// Package config loads environment-style settings, optionally from a .env
// file. Command line flags in cmd/ take precedence over these values.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      string

	MaxParticipantsPerRoom int

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("error loading .env file: %v", err)
	}

	return &Config{
		APIListenAddr:          getEnvOrDefault("API_LISTEN_ADDR", ":8080"),
		WSListenAddr:           getEnvOrDefault("WS_LISTEN_ADDR", ":8888"),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
		MaxParticipantsPerRoom: getIntOrDefault("MAX_PARTICIPANTS_PER_ROOM", 10),
		RateLimitWindow:        getDurationOrDefault("RATE_LIMIT_WINDOW", "15m"),
		RateLimitMaxRequests:   getIntOrDefault("RATE_LIMIT_MAX_REQUESTS", 100),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("invalid integer for %s: %v", key, err)
	}
	return intValue
}

func getDurationOrDefault(key, defaultValue string) time.Duration {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("invalid duration for %s: %v", key, err)
	}
	return duration
}

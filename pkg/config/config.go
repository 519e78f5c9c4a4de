package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Environment          string
	ServerPort           int
	LogLevel             string
	RedisURL             string
	SweepIntervalMinutes int
	JWTSecret            string

	Database Database
	Mpesa    Mpesa
}

// Database holds PostgreSQL connection settings
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Mpesa holds the Daraja gateway settings
type Mpesa struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	WebhookSecret  string
	Timeout        time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	sweepInterval, err := strconv.Atoi(getEnv("SWEEP_INTERVAL_MINUTES", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL_MINUTES: %w", err)
	}

	gatewayTimeout, err := strconv.Atoi(getEnv("MPESA_TIMEOUT_SECONDS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid MPESA_TIMEOUT_SECONDS: %w", err)
	}

	return &Config{
		Environment:          getEnv("ENVIRONMENT", "development"),
		ServerPort:           port,
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379"),
		SweepIntervalMinutes: sweepInterval,
		JWTSecret:            os.Getenv("JWT_SECRET"),
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "rentledger"),
			Password: getEnv("DB_PASSWORD", "dev"),
			Name:     getEnv("DB_NAME", "rentledger"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Mpesa: Mpesa{
			BaseURL:        getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      getEnv("MPESA_SHORTCODE", "174379"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", "http://localhost:8080/api/payments/callback"),
			WebhookSecret:  os.Getenv("MPESA_WEBHOOK_SECRET"),
			Timeout:        time.Duration(gatewayTimeout) * time.Second,
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

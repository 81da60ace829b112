package config

import (
	"fmt"
	"os"
	"strconv"
)

// Default values for optional settings.
const (
	DefaultJWTExpirationSecs = 259200
	DefaultIDLength          = 8
	DefaultBusCapacity       = 100
	DefaultPort              = "4000"
)

type Config struct {
	AppEnv            string
	LogLevel          string
	Host              string
	Port              string
	RedisURL          string
	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	JWTSecret         string
	JWTExpirationSecs int
	IDLength          int
	BusCapacity       int
	AllowedOrigins    string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            os.Getenv("APP_ENV"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		Host:              os.Getenv("HOST"),
		Port:              os.Getenv("PORT"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RedisHost:         os.Getenv("REDIS_HOST"),
		RedisPort:         os.Getenv("REDIS_PORT"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTExpirationSecs: DefaultJWTExpirationSecs,
		IDLength:          DefaultIDLength,
		BusCapacity:       DefaultBusCapacity,
		AllowedOrigins:    os.Getenv("WS_ALLOWED_ORIGINS"),
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.RedisHost == "" {
		cfg.RedisHost = "localhost"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	var err error
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}
	if v := os.Getenv("JWT_EXPIRATION_SECS"); v != "" {
		cfg.JWTExpirationSecs, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_EXPIRATION_SECS: %w", err)
		}
	}
	if v := os.Getenv("ID_LENGTH"); v != "" {
		cfg.IDLength, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ID_LENGTH: %w", err)
		}
	}
	if v := os.Getenv("BUS_CAPACITY"); v != "" {
		cfg.BusCapacity, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BUS_CAPACITY: %w", err)
		}
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required environment variable JWT_SECRET")
	}
	return cfg, nil
}

// RedisAddr returns the host:port address for Redis when no REDIS_URL is set.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// ListenAddr returns the host:port address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return c.Host + ":" + c.Port
}

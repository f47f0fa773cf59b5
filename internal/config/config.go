// Package config provides client and dev server configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIURL           = "http://localhost:8000"
	DefaultWSURL            = "ws://localhost:8080"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second

	// dev server listeners line up with DefaultAPIURL and DefaultWSURL
	DefaultListen     = ":8000"
	DefaultPushListen = ":8080"
)

// Config holds application configuration
type Config struct {
	APIURL         string        // Base URL of the agent backend HTTP API
	WSURL          string        // Base URL of the push channel host
	RequestTimeout time.Duration // Per-call timeout for HTTP requests
	Debug          bool

	ReconnectInitial time.Duration // First backoff delay after a dropped push connection
	ReconnectMax     time.Duration // Backoff ceiling

	LogDir string

	Server ServerConfig
}

// ServerConfig configures the development backend
type ServerConfig struct {
	Listen        string // HTTP API
	PushListen    string // push channel; empty or equal to Listen serves both on one port
	DBPath        string
	AgentName     string
	AllowedOrigin string
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	reconnectMax, err := getEnvDuration("VENTURECHAT_RECONNECT_MAX", DefaultReconnectMax)
	if err != nil {
		return nil, err
	}
	timeout, err := getEnvDuration("VENTURECHAT_REQUEST_TIMEOUT", DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIURL:           getEnv(DefaultAPIURL, "VENTURECHAT_API_URL", "REACT_APP_API_URL"),
		WSURL:            getEnv(DefaultWSURL, "VENTURECHAT_WS_URL", "REACT_APP_WS_URL"),
		RequestTimeout:   timeout,
		ReconnectInitial: DefaultReconnectInitial,
		ReconnectMax:     reconnectMax,
		LogDir:           getEnv("logs", "VENTURECHAT_LOG_DIR"),
		Server: ServerConfig{
			Listen:        getEnv(DefaultListen, "VENTURECHAT_LISTEN"),
			PushListen:    getEnv(DefaultPushListen, "VENTURECHAT_PUSH_LISTEN"),
			DBPath:        getEnv("venturechat.db", "VENTURECHAT_DB_PATH"),
			AgentName:     getEnv("VentureBot", "VENTURECHAT_AGENT_NAME"),
			AllowedOrigin: getEnv("http://localhost:3000", "VENTURECHAT_ALLOWED_ORIGIN"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are usable.
func (c *Config) Validate() error {
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("api url: %w", err)
	}
	if err := checkURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("ws url: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial <= max")
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}

// getEnv returns the first set variable among keys, or fallback.
func getEnv(fallback string, keys ...string) string {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			return value
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

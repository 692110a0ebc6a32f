package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds the settings of the provider host and the dev backend.
type Config struct {
	// Wallet backend
	BackendURL         string
	JSONRPCChannel     string
	DialTimeoutSeconds int

	// Provider
	MaxEventListeners int
	SetOnWindow       bool
	SendMetadata      bool
	SiteName          string
	SiteIcon          string
	RateLimitRPS      int
	RateLimitBurst    int

	// Observability
	MetricsAddr string

	// Dev backend
	DevBackendAddr string
	DevChainID     int
	DevAccounts    []string
	DevLocked      bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		BackendURL:         getEnv("PROVIDER_BACKEND_URL", "ws://127.0.0.1:8546/ws"),
		JSONRPCChannel:     getEnv("PROVIDER_JSONRPC_CHANNEL", "metamask-provider"),
		DialTimeoutSeconds: getEnvInt("PROVIDER_DIAL_TIMEOUT_SECONDS", 10),
		MaxEventListeners:  getEnvInt("PROVIDER_MAX_EVENT_LISTENERS", 100),
		SetOnWindow:        getEnvBool("PROVIDER_SET_ON_WINDOW", true),
		SendMetadata:       getEnvBool("PROVIDER_SEND_METADATA", true),
		SiteName:           getEnv("PROVIDER_SITE_NAME", "inpage-provider"),
		SiteIcon:           getEnv("PROVIDER_SITE_ICON", ""),
		RateLimitRPS:       getEnvInt("PROVIDER_RATE_LIMIT_RPS", 0),
		RateLimitBurst:     getEnvInt("PROVIDER_RATE_LIMIT_BURST", 0),
		MetricsAddr:        getEnv("PROVIDER_METRICS_ADDR", ""),
		DevBackendAddr:     getEnv("DEV_BACKEND_ADDR", "127.0.0.1:8546"),
		DevChainID:         getEnvInt("DEV_BACKEND_CHAIN_ID", 1),
		DevAccounts:        getEnvList("DEV_BACKEND_ACCOUNTS"),
		DevLocked:          getEnvBool("DEV_BACKEND_LOCKED", false),
	}

	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("PROVIDER_BACKEND_URL is required")
	}

	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("PROVIDER_BACKEND_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("PROVIDER_BACKEND_URL must use ws or wss, got: %s", u.Scheme)
	}

	if c.JSONRPCChannel == "" {
		return fmt.Errorf("PROVIDER_JSONRPC_CHANNEL is required")
	}

	if c.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("PROVIDER_DIAL_TIMEOUT_SECONDS must be positive, got: %d", c.DialTimeoutSeconds)
	}

	if c.MaxEventListeners < 0 {
		return fmt.Errorf("PROVIDER_MAX_EVENT_LISTENERS must not be negative, got: %d", c.MaxEventListeners)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT_RPS and PROVIDER_RATE_LIMIT_BURST must not be negative")
	}

	if c.DevChainID <= 0 {
		return fmt.Errorf("DEV_BACKEND_CHAIN_ID must be positive, got: %d", c.DevChainID)
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvList splits a comma separated environment variable, dropping
// empty entries.
func getEnvList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

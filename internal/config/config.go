package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates everything the service needs from the environment.
type Config struct {
	Server  ServerConfig
	Backend BackendConfig
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

// BackendConfig describes the conversational-processing backend.
type BackendConfig struct {
	ServerToken string
	ServerURL   string
	WebhookBase string
	Timeout     time.Duration
	Retries     int
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Backend: backend}, nil
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadBackendConfig() (BackendConfig, error) {
	token := strings.TrimSpace(os.Getenv("SERVER_TOKEN"))
	serverURL := strings.TrimSpace(os.Getenv("SERVER_URL"))
	webhook := strings.TrimSpace(os.Getenv("WEBHOOK"))

	var missing []string
	if token == "" {
		missing = append(missing, "SERVER_TOKEN")
	}
	if serverURL == "" {
		missing = append(missing, "SERVER_URL")
	}
	if webhook == "" {
		missing = append(missing, "WEBHOOK")
	}
	if len(missing) > 0 {
		return BackendConfig{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	timeoutSeconds := 10
	if override, err := parseOptionalIntEnv("BACKEND_TIMEOUT"); err != nil {
		return BackendConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return BackendConfig{}, fmt.Errorf("BACKEND_TIMEOUT must be at least 1 second")
		}
		timeoutSeconds = *override
	}

	retries := 2
	if override, err := parseOptionalIntEnv("BACKEND_RETRIES"); err != nil {
		return BackendConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return BackendConfig{}, fmt.Errorf("BACKEND_RETRIES must not be negative")
		}
		retries = *override
	}

	return BackendConfig{
		ServerToken: token,
		ServerURL:   strings.TrimRight(serverURL, "/"),
		WebhookBase: strings.TrimRight(webhook, "/"),
		Timeout:     time.Duration(timeoutSeconds) * time.Second,
		Retries:     retries,
	}, nil
}

// CallbackURL is the address the backend posts callbacks to.
func (c BackendConfig) CallbackURL() string {
	return c.WebhookBase + "/api/webhook/out"
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"mediaRelay/relay"
	"mediaRelay/store"
)

// Config holds the settings from server.json.
type Config struct {
	ServerPort     string   `json:"serverPort"`
	LogLevel       string   `json:"logLevel"`
	ReadTimeout    int      `json:"readTimeout"`
	WriteTimeout   int      `json:"writeTimeout"`
	IdleTimeout    int      `json:"idleTimeout"`
	AllowedOrigins []string `json:"allowedOrigins"`

	// AuditDatabase is the SQLite file for the dispatch trail; empty disables.
	AuditDatabase string `json:"auditDatabase"`

	Mongo      store.Config           `json:"mongo"`
	Dispatcher relay.DispatcherConfig `json:"dispatcher"`
	Recaptcha  relay.ValidatorConfig  `json:"recaptcha"`

	// Seconds; zero picks the dispatcher defaults (30s generation, 10s status).
	RequestTimeout int `json:"requestTimeout"`
	StatusTimeout  int `json:"statusTimeout"`
}

func loadConfig(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file '%s': %w", filePath, err)
	}
	defer file.Close()

	config := &Config{}
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file '%s': %w", filePath, err)
	}

	if config.Dispatcher.ServerURL == "" {
		return nil, errors.New("config must include dispatcher.serverURL")
	}
	if config.ServerPort == "" {
		config.ServerPort = "3001"
	}
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 120
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 60
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30
	}
	if config.StatusTimeout == 0 {
		config.StatusTimeout = 10
	}

	config.Dispatcher.RequestTimeout = time.Duration(config.RequestTimeout) * time.Second
	return config, nil
}

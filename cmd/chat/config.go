package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type clientConfig struct {
	BaseURL                  string        `yaml:"baseURL"`
	NewConversationPath      string        `yaml:"newConversationPath"`
	ContinueConversationPath string        `yaml:"continueConversationPath"`
	ConversationsPath        string        `yaml:"conversationsPath"`
	Token                    string        `yaml:"token"`
	IdleTimeout              time.Duration `yaml:"idleTimeout"`
	LogLevel                 string        `yaml:"logLevel"`
	HighlightStyle           string        `yaml:"highlightStyle"`
}

const (
	defaultBaseURL                  = "http://localhost:8080"
	defaultNewConversationPath      = "/api/conversations"
	defaultContinueConversationPath = "/api/conversations/continue"
	defaultConversationsPath        = "/api/conversations"
)

// loadClientConfig reads the client configuration from path, or from client.yaml in the user config
// directory when path is empty. A missing default file is not an error. The token and base URL fall
// back to the CHATTURN_TOKEN and CHATTURN_URL environment variables.
func loadClientConfig(path string) (clientConfig, error) {
	explicit := path != ""
	if !explicit {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return clientConfig{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "chatturn", "client.yaml")
	}

	var cfg clientConfig
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return clientConfig{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return clientConfig{}, fmt.Errorf("error reading config file: %w", err)
	}

	cfg.applyDefaults()
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return clientConfig{}, fmt.Errorf("invalid baseURL %q: %w", cfg.BaseURL, err)
	}
	return cfg, nil
}

func (c *clientConfig) applyDefaults() {
	if c.Token == "" {
		c.Token = os.Getenv("CHATTURN_TOKEN")
	}
	if c.BaseURL == "" {
		c.BaseURL = os.Getenv("CHATTURN_URL")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.NewConversationPath == "" {
		c.NewConversationPath = defaultNewConversationPath
	}
	if c.ContinueConversationPath == "" {
		c.ContinueConversationPath = defaultContinueConversationPath
	}
	if c.ConversationsPath == "" {
		c.ConversationsPath = defaultConversationsPath
	}
}

func (c clientConfig) endpoint(path string) string {
	u, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return c.BaseURL + path
	}
	return u
}

func (c clientConfig) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelWarn
	}
	return level
}

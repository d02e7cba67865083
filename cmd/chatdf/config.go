package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerURL    string `yaml:"server_url"`
	WebSocketURL string `yaml:"websocket_url"`
	LogLevel     string `yaml:"log_level"`
	HistoryPath  string `yaml:"history_path"`
	Reconnect    struct {
		InitialSeconds int `yaml:"initial_seconds"`
		MaxSeconds     int `yaml:"max_seconds"`
	} `yaml:"reconnect"`
}

// loadConfig reads the YAML config file when present and fills defaults.
// Environment variable CHATDF_SERVER_URL overrides the file.
func loadConfig(path string) (*Config, error) {
	c := &Config{}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".chatdf.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if env := os.Getenv("CHATDF_SERVER_URL"); env != "" {
		c.ServerURL = env
	}
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8080"
	}
	if c.WebSocketURL == "" {
		c.WebSocketURL = deriveWebSocketURL(c.ServerURL)
	}
	if c.HistoryPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.HistoryPath = filepath.Join(home, ".chatdf.db")
		}
	}
	return c, nil
}

func deriveWebSocketURL(serverURL string) string {
	ws := serverURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/ws"
}

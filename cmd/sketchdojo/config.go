package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/CTAG07/SketchDojo/pkg/webtoon"
	"github.com/natefinch/atomic"
)

// ServerConfig holds the configuration for the HTTP server and its storage.
type ServerConfig struct {
	ServerAddr           string `json:"server_addr"`
	LogLevel             string `json:"log_level"`
	RootDir              string `json:"root_dir"`
	DatabasePath         string `json:"database_path"`
	TemplateDir          string `json:"template_dir"`
	WatchTemplates       bool   `json:"watch_templates"`
	ReadHeaderTimeoutSec int    `json:"read_header_timeout_sec"`
	MaxBodyBytes         int64  `json:"max_body_bytes"`
	TempMaxAgeHours      int    `json:"temp_max_age_hours"`
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server *ServerConfig         `json:"server_config"`
	Render *webtoon.RenderConfig `json:"render_config"`
}

// DefaultServerConfig creates a server configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ServerAddr:           "0.0.0.0:8000",
		LogLevel:             "info",
		RootDir:              ".",
		DatabasePath:         "./server/sketchdojo.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		TemplateDir:          "./server/templates",
		WatchTemplates:       true,
		ReadHeaderTimeoutSec: 10,
		MaxBodyBytes:         8 << 20,
		TempMaxAgeHours:      24,
	}
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: DefaultServerConfig(),
		Render: webtoon.DefaultConfig(),
	}
}

func (c *ServerConfig) readHeaderTimeout() time.Duration {
	if c.ReadHeaderTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ReadHeaderTimeoutSec) * time.Second
}

// LoadConfig reads the configuration from a JSON file at the given path.
// If the file doesn't exist, it creates one with default values and reports created.
func LoadConfig(path string) (config *Config, created bool, err error) {
	config = DefaultConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			var data []byte
			data, err = json.MarshalIndent(config, "", "  ")
			if err != nil {
				return nil, false, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
				return nil, false, fmt.Errorf("failed to write default config file: %w", err)
			}
			return config, true, nil
		}
		return nil, false, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = json.Unmarshal(file, config); err != nil {
		return nil, false, fmt.Errorf("failed to parse config file: %w", err)
	}
	// Sections missing from an older file fall back to their defaults.
	if config.Server == nil {
		config.Server = DefaultServerConfig()
	}
	if config.Render == nil {
		config.Render = webtoon.DefaultConfig()
	}
	return config, false, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigManager handles thread-safe access to the configuration and keeps the
// renderer in step with it.
type ConfigManager struct {
	config     *Config
	mu         sync.RWMutex
	configPath string
	renderer   *webtoon.Renderer
}

// NewConfigManager loads the config and initializes the manager.
func NewConfigManager(path string) (*ConfigManager, error) {
	cfg, _, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &ConfigManager{config: cfg, configPath: path}, nil
}

// SetRenderer registers the renderer to receive render config updates.
func (cm *ConfigManager) SetRenderer(r *webtoon.Renderer) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.renderer = r
	if r != nil {
		r.SetConfig(cm.config.Render)
	}
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	server := *cm.config.Server
	render := *cm.config.Render
	return Config{Server: &server, Render: &render}
}

// Update replaces the configuration, applies the render section and saves it to disk.
// Server settings take effect on the next restart.
func (cm *ConfigManager) Update(newConfig Config) error {
	if newConfig.Server == nil || newConfig.Render == nil {
		return fmt.Errorf("config must contain server_config and render_config")
	}
	if newConfig.Render.MaxPanels < 0 {
		return fmt.Errorf("render_config.max_panels must not be negative")
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	server := *newConfig.Server
	render := *newConfig.Render
	cm.config = &Config{Server: &server, Render: &render}
	if cm.renderer != nil {
		cm.renderer.SetConfig(cm.config.Render)
	}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

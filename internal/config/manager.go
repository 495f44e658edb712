package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/spf13/viper"
)

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/facekeypoints/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "facekeypoints", "config.yaml"), nil
}

// NewManager loads the config file, creating it with defaults if it does not exist
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	m := &Manager{
		configPath: path,
		v:          v,
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := m.reload(); err != nil {
		return nil, err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("detector", m.config.Detector.WSURL).
		Msg("Config loaded")

	return m, nil
}

// reload decodes the viper settings into a fresh Config
func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Capture.Sources = append([]string(nil), m.config.Capture.Sources...)
	return &cfg
}

// GetViper exposes the underlying viper instance for key-level get/set
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Settings returns every setting as a nested map, as it would be written to disk
func (m *Manager) Settings() map[string]interface{} {
	return m.v.AllSettings()
}

// GetConfigPath returns the path of the backing config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// Set overrides a single key in memory; call Save to persist it
func (m *Manager) Set(key string, value interface{}) error {
	m.v.Set(key, value)
	return m.reload()
}

// SetPort overrides the viewer server port
func (m *Manager) SetPort(port int) error {
	return m.Set("server_port", port)
}

// SetLogLevel overrides the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.Set("log_level", level)
}

// SetDetectorURL overrides the realtime detector endpoint
func (m *Manager) SetDetectorURL(wsURL string) error {
	return m.Set("detector.ws_url", wsURL)
}

// Save writes the current settings to disk
func (m *Manager) Save() error {
	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := m.v.WriteConfigAs(m.configPath); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

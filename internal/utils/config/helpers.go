package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigHelpers provides convenient access to global configuration
type ConfigHelpers struct {
	config *GlobalConfig
}

// NewConfigHelpers creates a new config helpers instance
func NewConfigHelpers(config *GlobalConfig) *ConfigHelpers {
	return &ConfigHelpers{config: config}
}

// Workers returns the number of concurrent downloads
func (c *ConfigHelpers) Workers() int {
	if c.config.MaxParallelDownloads < 1 {
		return 1
	}
	return c.config.MaxParallelDownloads
}

// StorageRoot returns the absolute path of content storage
func (c *ConfigHelpers) StorageRoot() (string, error) {
	return filepath.Abs(c.config.Storage.Root)
}

// DatabasePath returns the unit database path, inside storage by default
func (c *ConfigHelpers) DatabasePath() (string, error) {
	if c.config.Storage.Database != "" {
		return filepath.Abs(c.config.Storage.Database)
	}
	root, err := c.StorageRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "reposync.db"), nil
}

// WorkDir returns the absolute path to the work directory
func (c *ConfigHelpers) WorkDir() (string, error) {
	return filepath.Abs(c.config.WorkDir)
}

// ReportDir returns the absolute path reports are written to
func (c *ConfigHelpers) ReportDir() (string, error) {
	return filepath.Abs(c.config.ReportDir)
}

// AuthQuery returns the query string appended to every request
func (c *ConfigHelpers) AuthQuery() string {
	return strings.TrimPrefix(c.config.QueryAuthToken, "?")
}

// LogLevel returns the configured log level
func (c *ConfigHelpers) LogLevel() string {
	return c.config.Logging.Level
}

// IsDebugMode returns true if debug logging is enabled
func (c *ConfigHelpers) IsDebugMode() bool {
	return c.config.Logging.Level == "debug"
}

// GetConfig returns the underlying global config (for advanced usage)
func (c *ConfigHelpers) GetConfig() *GlobalConfig {
	return c.config
}

// CreateStorageRoot ensures the storage directory exists
func (c *ConfigHelpers) CreateStorageRoot() error {
	root, err := c.StorageRoot()
	if err != nil {
		return fmt.Errorf("resolving storage root: %w", err)
	}
	return createDirIfNotExists(root)
}

// CreateWorkDir ensures the work directory exists
func (c *ConfigHelpers) CreateWorkDir() error {
	workDir, err := c.WorkDir()
	if err != nil {
		return fmt.Errorf("resolving work directory: %w", err)
	}
	return createDirIfNotExists(workDir)
}

// Helper function to create directories
func createDirIfNotExists(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data directory is required")
	}
	if err := isWritable(c.Storage.DataDir); err != nil {
		return fmt.Errorf("storage data directory is not writable: %w", err)
	}

	if c.Auth.AccessKey == "" {
		return fmt.Errorf("auth access key is required")
	}
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("auth secret key is required")
	}
	if len(c.Auth.SecretKey) < 8 {
		return fmt.Errorf("auth secret key must be at least 8 characters")
	}

	if c.Lifecycle.SweepInterval < 1 {
		return fmt.Errorf("lifecycle sweep interval must be positive")
	}

	return nil
}

// isWritable checks if a directory is writable, creating it if absent.
func isWritable(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte(""), 0644); err != nil {
		return err
	}
	os.Remove(testFile)

	return nil
}

// GetDataDir returns the absolute path to the data directory.
func (c *Config) GetDataDir() string {
	if filepath.IsAbs(c.Storage.DataDir) {
		return c.Storage.DataDir
	}
	absPath, _ := filepath.Abs(c.Storage.DataDir)
	return absPath
}

// GetAddr returns the server listen address.
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SetDefaults fills unset fields with their default values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.MaxObjectSize == 0 {
		c.Storage.MaxObjectSize = 5 * 1024 * 1024 * 1024 // 5GB
	}
	if c.Storage.MaxBuckets == 0 {
		c.Storage.MaxBuckets = 100
	}

	if c.Lifecycle.SweepInterval == 0 {
		c.Lifecycle.SweepInterval = 3600
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Normalize normalizes configuration values.
func (c *Config) Normalize() {
	c.Storage.DataDir = filepath.Clean(c.Storage.DataDir)
	c.LogLevel = strings.ToLower(c.LogLevel)
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.Set("server", c.Server)
	v.Set("storage", c.Storage)
	v.Set("auth", c.Auth)
	v.Set("lifecycle", c.Lifecycle)
	v.Set("log_level", c.LogLevel)

	return v.WriteConfig()
}

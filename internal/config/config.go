package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the full server configuration: listen address, the on-disk
// storage root, the single root SigV4 credential, and the lifecycle
// janitor's sweep interval.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	LogLevel  string          `mapstructure:"log_level"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	MaxObjectSize int64  `mapstructure:"max_object_size"`
	MaxBuckets    int    `mapstructure:"max_buckets"`
}

// AuthConfig is the single root access/secret key pair this node verifies
// SigV4 signatures against. There is no session-token issuance or IAM user
// store here: one node, one root credential.
type AuthConfig struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
}

// LifecycleConfig controls the background expiration janitor.
type LifecycleConfig struct {
	SweepInterval int `mapstructure:"sweep_interval"` // seconds
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 60)

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.max_object_size", 5*1024*1024*1024) // 5GB
	v.SetDefault("storage.max_buckets", 100)

	v.SetDefault("auth.access_key", "")
	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.region", "us-east-1")

	v.SetDefault("lifecycle.sweep_interval", 3600)

	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("openendpoints3")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/openendpoints3")
		v.AddConfigPath("/etc/openendpoints3")

		v.SetEnvPrefix("OPENENDPOINTS3")
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The root credential follows the AWS CLI/SDK env var convention so
	// existing S3 clients and tooling can point at this server with no
	// change beyond the endpoint URL.
	if cfg.Auth.AccessKey == "" {
		cfg.Auth.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	return &cfg, nil
}

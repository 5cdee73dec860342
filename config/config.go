package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHUNKDOCK_UPLOAD_ROOT.
const EnvPrefix = "CHUNKDOCK"

// AppConfig holds the application-level configuration
type AppConfig struct {
	Port             int           `mapstructure:"port"`
	UploadRoot       string        `mapstructure:"upload_root"`
	MetadataPath     string        `mapstructure:"metadata_path"`
	MaxChunkSize     string        `mapstructure:"max_chunk_size"`
	CompressChunks   bool          `mapstructure:"compress_chunks"`
	LockWaitAttempts int           `mapstructure:"lock_wait_attempts"`
	LockWaitInitial  time.Duration `mapstructure:"lock_wait_initial"`
	LockWaitMax      time.Duration `mapstructure:"lock_wait_max"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	Debug            bool          `mapstructure:"debug"`
}

// LoadConfig reads config.yaml from path, applies environment overrides and
// fills in defaults. A missing config file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("upload_root", "./uploads")
	v.SetDefault("metadata_path", "")
	v.SetDefault("max_chunk_size", "64MB")
	v.SetDefault("compress_chunks", false)
	v.SetDefault("lock_wait_attempts", 10)
	v.SetDefault("lock_wait_initial", "50ms")
	v.SetDefault("lock_wait_max", "1s")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("debug", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if appConfig.MetadataPath == "" {
		appConfig.MetadataPath = filepath.Join(appConfig.UploadRoot, ".meta")
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}
	return &appConfig, nil
}

// Validate rejects settings the server cannot run with.
func (c *AppConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.UploadRoot == "" {
		return errors.New("upload_root is required")
	}
	if _, err := c.MaxChunkBytes(); err != nil {
		return err
	}
	return nil
}

// MaxChunkBytes parses max_chunk_size ("64MB", "512KiB", "1048576").
func (c *AppConfig) MaxChunkBytes() (int64, error) {
	size, err := units.RAMInBytes(c.MaxChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_chunk_size %q: %w", c.MaxChunkSize, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("max_chunk_size must be positive, got %q", c.MaxChunkSize)
	}
	return size, nil
}

// Addr is the listen address.
func (c *AppConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

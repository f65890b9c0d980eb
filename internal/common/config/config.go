// Package config provides configuration management for the fieldsync engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Track    TrackConfig    `mapstructure:"track"`
	Location LocationConfig `mapstructure:"location"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP control API configuration.
type ServerConfig struct {
	HTTPAddr     string        `mapstructure:"http_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TrackConfig holds track recording configuration.
type TrackConfig struct {
	ChunkSize         int     `mapstructure:"chunk_size"`          // points per storage chunk
	DisplayBufferSize int     `mapstructure:"display_buffer_size"` // most-recent points kept for rendering
	AccuracyLimitM    float64 `mapstructure:"accuracy_limit_m"`    // warm-up accuracy gate in meters
}

// LocationConfig holds location service configuration.
type LocationConfig struct {
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
	PositionTimeout   time.Duration `mapstructure:"position_timeout"`
}

// StorageConfig holds local storage configuration.
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	ExportPath string `mapstructure:"export_path"`
}

// SyncConfig holds project sync configuration.
type SyncConfig struct {
	UploadChunkBytes int    `mapstructure:"upload_chunk_bytes"` // max ciphertext bytes per fragment
	DBPath           string `mapstructure:"db_path"`            // local document store path
	ProjectID        string `mapstructure:"project_id"`
	UserID           string `mapstructure:"user_id"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Output      string `mapstructure:"output"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     ":8600",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Track: TrackConfig{
			ChunkSize:         1000,
			DisplayBufferSize: 100,
			AccuracyLimitM:    30,
		},
		Location: LocationConfig{
			PermissionTimeout: 30 * time.Second,
			PositionTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:     "./data/tracklog",
			ExportPath: "./data/export",
		},
		Sync: SyncConfig{
			UploadChunkBytes: 900 * 1024,
			DBPath:           "./data/docstore",
			ProjectID:        "default",
			UserID:           "local",
		},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			Development: false,
		},
	}
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values in Viper.
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.http_addr", defaults.Server.HTTPAddr)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)

	// Track defaults
	v.SetDefault("track.chunk_size", defaults.Track.ChunkSize)
	v.SetDefault("track.display_buffer_size", defaults.Track.DisplayBufferSize)
	v.SetDefault("track.accuracy_limit_m", defaults.Track.AccuracyLimitM)

	// Location defaults
	v.SetDefault("location.permission_timeout", defaults.Location.PermissionTimeout)
	v.SetDefault("location.position_timeout", defaults.Location.PositionTimeout)

	// Storage defaults
	v.SetDefault("storage.db_path", defaults.Storage.DBPath)
	v.SetDefault("storage.export_path", defaults.Storage.ExportPath)

	// Sync defaults
	v.SetDefault("sync.upload_chunk_bytes", defaults.Sync.UploadChunkBytes)
	v.SetDefault("sync.db_path", defaults.Sync.DBPath)
	v.SetDefault("sync.project_id", defaults.Sync.ProjectID)
	v.SetDefault("sync.user_id", defaults.Sync.UserID)

	// Logger defaults
	v.SetDefault("logger.level", defaults.Logger.Level)
	v.SetDefault("logger.format", defaults.Logger.Format)
	v.SetDefault("logger.output", defaults.Logger.Output)
	v.SetDefault("logger.development", defaults.Logger.Development)
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mkrull/storekit/internal/logger"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutDownTimeout time.Duration
	RequestTimeout  time.Duration
}

// DataConfig holds persistence settings.
type DataConfig struct {
	FilePath      string
	WatchEnabled  bool
	WatchDebounce time.Duration
}

// MiscConfig holds everything else.
type MiscConfig struct {
	LogLevel string
	GinMode  string
}

// Config is the full application configuration.
type Config struct {
	Server ServerConfig
	Data   DataConfig
	Misc   MiscConfig
}

// LoadConfig reads storekit.yaml (current dir or ./config) and environment
// variables with the STOREKIT_ prefix; env vars override file values, e.g.
// STOREKIT_SERVER_PORT overrides server.port.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("storekit")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Defaults to allow running without a config file
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)
	viper.SetDefault("server.idle_timeout", 120*time.Second)
	viper.SetDefault("server.shutdown_timeout", 5*time.Second)
	viper.SetDefault("server.request_timeout", 1000*time.Millisecond)
	viper.SetDefault("data.file_path", "./config/data/records.json")
	viper.SetDefault("data.watch_enabled", true)
	viper.SetDefault("data.watch_debounce", 200*time.Millisecond)
	viper.SetDefault("misc.log_level", "info")
	viper.SetDefault("misc.gin_mode", "release")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("STOREKIT")
	// STOREKIT_SERVER_PORT overrides server.port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.WithComponent("config").Info("No config file found, using defaults and env vars")
		} else {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            viper.GetInt("server.port"),
			ReadTimeout:     viper.GetDuration("server.read_timeout"),
			WriteTimeout:    viper.GetDuration("server.write_timeout"),
			IdleTimeout:     viper.GetDuration("server.idle_timeout"),
			ShutDownTimeout: viper.GetDuration("server.shutdown_timeout"),
			RequestTimeout:  viper.GetDuration("server.request_timeout"),
		},
		Data: DataConfig{
			FilePath:      viper.GetString("data.file_path"),
			WatchEnabled:  viper.GetBool("data.watch_enabled"),
			WatchDebounce: viper.GetDuration("data.watch_debounce"),
		},
		Misc: MiscConfig{
			LogLevel: viper.GetString("misc.log_level"),
			GinMode:  viper.GetString("misc.gin_mode"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Data.FilePath == "" {
		return errors.New("data file path is required")
	}
	if c.Data.WatchDebounce <= 0 {
		return errors.New("watch debounce must be positive")
	}
	switch c.Misc.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid gin mode: %q", c.Misc.GinMode)
	}
	return nil
}

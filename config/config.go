// Package config loads the roomkit configuration from file and environment,
// with a hot-reload hook for the log level.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Room   RoomConfig   `mapstructure:"room"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Events EventsConfig `mapstructure:"events"`
	Debug  DebugConfig  `mapstructure:"debug"`
	Log    LogConfig    `mapstructure:"log"`
}

type RoomConfig struct {
	ID              string         `mapstructure:"id"`
	ServerURL       string         `mapstructure:"server_url"`
	ThrottleDelay   time.Duration  `mapstructure:"throttle_delay"`
	InitialPresence map[string]any `mapstructure:"initial_presence"`
	Production      bool           `mapstructure:"production"`
}

type AuthConfig struct {
	Mode         string `mapstructure:"mode"`
	Endpoint     string `mapstructure:"endpoint"`
	PublicAPIKey string `mapstructure:"public_api_key"`
}

type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

type DebugConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LogLevel is the process-wide level var; the config watcher retunes it on
// file changes without a restart.
var LogLevel = new(slog.LevelVar)

// LoadConfig reads the configuration. Environment variables (prefix
// ROOMKIT_) take precedence over the file. The bound flag set is parsed from
// an empty argument list, so its flags never override either source.
func LoadConfig(configFile string) (*Config, error) {
	flags := pflag.NewFlagSet("roomkit", pflag.ContinueOnError)
	flags.String("room.id", "", "room to join")
	flags.String("room.server_url", "", "coordination server websocket URL")
	flags.String("log.level", "", "log level (debug|info|warn|error)")
	_ = flags.Parse(nil)

	v := viper.New()
	v.SetDefault("room.throttle_delay", "100ms")
	v.SetDefault("auth.mode", "public")
	v.SetDefault("log.level", "info")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("roomkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/roomkit")
	}
	v.SetEnvPrefix("ROOMKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyLogLevel(cfg.Log.Level)

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write == 0 && e.Op&fsnotify.Create == 0 {
			return
		}
		applyLogLevel(v.GetString("log.level"))
		slog.Info("configuration reloaded", "file", e.Name)
	})
	v.WatchConfig()

	return cfg, nil
}

func applyLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		LogLevel.Set(slog.LevelDebug)
	case "warn":
		LogLevel.Set(slog.LevelWarn)
	case "error":
		LogLevel.Set(slog.LevelError)
	default:
		LogLevel.Set(slog.LevelInfo)
	}
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/calacade/gocast/internal/protocol"
)

// DefaultMediaAppID is the stock media receiver application.
const DefaultMediaAppID = "CC1AD845"

type Config struct {
	AppID          string        `mapstructure:"app_id"`
	AutoJoinPolicy string        `mapstructure:"auto_join_policy"`
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	LogLevel       string        `mapstructure:"log_level"`
}

// Load reads configuration from the given file, or from gocast.yaml in
// the usual locations when path is empty. Missing files fall back to
// defaults; GOCAST_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("app_id", DefaultMediaAppID)
	v.SetDefault("auto_join_policy", "tab_and_origin_scoped")
	v.SetDefault("port", protocol.DefaultPort)
	v.SetDefault("request_timeout", "15s")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("GOCAST")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gocast")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/gocast")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

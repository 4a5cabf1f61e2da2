// Package config loads csapd's server configuration, adapted from
// marmos91-dittofs's pkg/config/config.go: the same flag > env > file >
// default precedence, built on viper, trimmed to the handful of knobs
// this server actually has (no database, telemetry, or cache sections
// to carry over).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is csapd's complete runtime configuration. Addr and Port are
// kept separate (rather than one combined "host:port" string) so they
// can each take a positional-argument override, matching spec.md §6's
// `server <root> <ip> <port>` form.
type Config struct {
	Root         string `mapstructure:"root"`
	Addr         string `mapstructure:"addr"`
	Port         int    `mapstructure:"port"`
	MaxUsers     int    `mapstructure:"max_users"`
	MaxTransfers int    `mapstructure:"max_transfers"`
	TransferTTL  int    `mapstructure:"transfer_ttl"`
	LogLevel     string `mapstructure:"log_level"`
}

// Defaults match spec.md §6 exactly: "./server_root", "127.0.0.1",
// 8080.
func Defaults() Config {
	return Config{
		Root:         "./server_root",
		Addr:         "127.0.0.1",
		Port:         8080,
		MaxUsers:     128,
		MaxTransfers: 128,
		TransferTTL:  0,
		LogLevel:     "info",
	}
}

// Load reads configuration from, in ascending precedence: defaults,
// an optional config file, CSAPD_* environment variables, then the
// already-bound flags in v. The caller (cmd/csapd) binds pflags into
// v with v.BindPFlags before calling Load, the same split dittofs's
// setupViper/readConfigFile/Unmarshal pipeline uses.
func Load(v *viper.Viper, configPath string) (Config, error) {
	def := Defaults()
	v.SetDefault("root", def.Root)
	v.SetDefault("addr", def.Addr)
	v.SetDefault("port", def.Port)
	v.SetDefault("max_users", def.MaxUsers)
	v.SetDefault("max_transfers", def.MaxTransfers)
	v.SetDefault("transfer_ttl", def.TransferTTL)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix("CSAPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

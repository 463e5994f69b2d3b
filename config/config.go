// Package config loads client settings from a file and QUASSEL_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quasseldroid/libquassel/utils"
)

type Config struct {
	Core      CoreConfig      `mapstructure:"core"`
	Account   AccountConfig   `mapstructure:"account"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type CoreConfig struct {
	Address     string        `mapstructure:"address"`
	TLS         bool          `mapstructure:"tls"`
	Compression bool          `mapstructure:"compression"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
	// Insecure accepts any certificate chain.
	Insecure bool `mapstructure:"insecure"`
}

type AccountConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	// Path of the history database; empty keeps no history.
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	// Address serves /metrics when set, e.g. "localhost:9090".
	Address string `mapstructure:"address"`
}

var ErrNoAddress = errors.New("config: core.address is required")

func defaultStoragePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quassel", "history")
}

// Load reads path when given, otherwise quassel.{toml,yaml} from the working
// directory or the user config dir if one exists. Environment variables
// override the file: QUASSEL_CORE_ADDRESS sets core.address.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("core.address", "localhost:4242")
	v.SetDefault("core.tls", true)
	v.SetDefault("core.compression", true)
	v.SetDefault("core.keep_alive", 30*time.Second)
	v.SetDefault("core.insecure", false)
	v.SetDefault("account.user", "")
	v.SetDefault("account.password", "")
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.timeout", 90*time.Second)
	v.SetDefault("storage.path", defaultStoragePath())
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.address", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quassel")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "quassel"))
		}
	}

	v.SetEnvPrefix("QUASSEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &missing) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if c.Core.Address == "" {
		return Config{}, ErrNoAddress
	}
	return c, nil
}

// LogLevel maps log.level onto slog, defaulting to info.
func (c Config) LogLevel() slog.Level {
	return utils.ParseLevel(c.Log.Level)
}

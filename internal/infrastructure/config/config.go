// Package config loads layered application configuration: built-in
// defaults, then config.yaml, then PLAYINGPACK_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/playingpack/playingpack/internal/domain/entity"
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`       // local, production
	StaticDir string `mapstructure:"static_dir"` // Control UI assets
}

// ProxyConfig holds the runtime-adjustable proxy behaviour. These are the
// initial values; the control API and config hot reload can change them
// while running.
type ProxyConfig struct {
	Upstream  string `mapstructure:"upstream"`
	CacheMode string `mapstructure:"cache_mode"` // off, read, read-write
	Intervene bool   `mapstructure:"intervene"`
}

// CacheConfig configures the record store.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig configures the session archive.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Settings converts the proxy section to runtime settings, falling back
// to defaults for unrecognised values.
func (c *Config) Settings() entity.Settings {
	s := entity.DefaultSettings()
	if mode := entity.CacheMode(c.Proxy.CacheMode); mode.Valid() {
		s.Cache = mode
	}
	s.Intervene = c.Proxy.Intervene
	if c.Proxy.Upstream != "" {
		s.Upstream = c.Proxy.Upstream
	}
	return s
}

// Load reads the layered configuration. Search order for config.yaml:
// explicit path (when given), ./config, ., ~/.playingpack. A missing file
// is fine; defaults and environment apply regardless.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath(HomeDir())
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("PLAYINGPACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Path returns the config file viper actually loaded, or "" when running
// on defaults only. Used to point the hot-reload watcher somewhere.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, dir := range []string{"./config", ".", HomeDir()} {
		p := filepath.Join(dir, "config.yaml")
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// HomeDir returns the user-level configuration directory: ~/.playingpack
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".playingpack")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.mode", "local")
	v.SetDefault("server.static_dir", "")

	v.SetDefault("proxy.upstream", "https://api.openai.com")
	v.SetDefault("proxy.cache_mode", "read-write")
	v.SetDefault("proxy.intervene", true)

	v.SetDefault("cache.dir", "cache")

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.dsn", "playingpack.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}

// Package config loads tutorsync settings from a YAML file, TUTORSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/tutorsync/internal/validation"
)

// EnvPrefix prefixes every environment variable. TUTORSYNC_SERVER_URL sets
// server.url.
const EnvPrefix = "TUTORSYNC_"

// ConfigFlag names the flag holding the optional config file path.
const ConfigFlag = "config"

type Config struct {
	DB     DBConfig     `koanf:"db"`
	Server ServerConfig `koanf:"server"`
	Listen ListenConfig `koanf:"listen"`
	Probe  ProbeConfig  `koanf:"probe"`
	Sync   SyncConfig   `koanf:"sync"`
	Log    LogConfig    `koanf:"log"`
}

type DBConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type ServerConfig struct {
	URL     string        `koanf:"url" validate:"required,url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

type ListenConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

type ProbeConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

// SyncConfig controls background passes and retry backoff.
type SyncConfig struct {
	Interval   time.Duration `koanf:"interval" validate:"gte=0"`
	BackoffMin time.Duration `koanf:"backoffmin" validate:"gt=0"`
	BackoffMax time.Duration `koanf:"backoffmax" validate:"gtefield=BackoffMin"`
}

// LogConfig controls logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `koanf:"level" validate:"oneof=debug info warn error"`
	Format     string `koanf:"format" validate:"oneof=text json"`
	File       string `koanf:"file"`
	MaxSize    int    `koanf:"maxsize" validate:"gte=0"`
	MaxBackups int    `koanf:"maxbackups" validate:"gte=0"`
	MaxAge     int    `koanf:"maxage" validate:"gte=0"`
}

// RegisterFlags defines one flag per setting. Flag defaults are the config
// defaults; --server-url maps to server.url.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFlag, "", "Path to a YAML config file")
	fs.String("db-path", "tutorsync.db", "Path to the SQLite database file")
	fs.String("server-url", "http://localhost:3000", "Backend base URL")
	fs.String("server-token", "", "Bearer token for the backend")
	fs.Duration("server-timeout", 15*time.Second, "Timeout for each backend request")
	fs.String("listen-addr", "127.0.0.1:8484", "Address for the local API")
	fs.Duration("probe-interval", 10*time.Second, "Interval between reachability probes")
	fs.Duration("sync-interval", time.Minute, "Interval between periodic sync passes (0 disables)")
	fs.Duration("sync-backoffmin", 2*time.Second, "Delay before retrying a failed submission")
	fs.Duration("sync-backoffmax", 10*time.Minute, "Maximum retry delay")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "text", "Log format: text or json")
	fs.String("log-file", "", "Log to this file with rotation instead of stderr")
	fs.Int("log-maxsize", 10, "Maximum log file size in megabytes before rotation")
	fs.Int("log-maxbackups", 3, "Number of rotated log files to keep")
	fs.Int("log-maxage", 28, "Days to keep rotated log files")
}

// Load builds the Config from the config file named by --config, the
// environment and the parsed flags in fs, then validates it.
func Load(fs *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path, _ := fs.GetString(ConfigFlag); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	err = k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
		if f.Name == ConfigFlag {
			return "", nil
		}
		return strings.ReplaceAll(f.Name, "-", "."), posflag.FlagVal(fs, f)
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validation.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

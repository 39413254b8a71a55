/*
config.go - Layered configuration for coachctl and the reference server

PURPOSE:
  Resolves every tunable from, in order of precedence:
    1. Command line flags
    2. Environment variables (COACHDESK_*, dots become underscores)
    3. A config file (COACHDESK_CONFIG, or coachdesk.yaml in . or ~/.coachdesk)
    4. Defaults below

KEYS:
  remote.url          backend base URL
  remote.timeout      per-request timeout
  mirror.path         sqlite mirror file (":memory:" for none)
  sync.interval       periodic sync while online (0 disables)
  probe.interval      health probe interval while online
  probe.max_interval  cap on the offline probe backoff
  log.level           logrus level
  log.format          text or json
  auth.session_file   where coachctl keeps the signed-in session
  auth.codes          code -> trainer id, redeemable at the server
  server.port         reference server port
  server.db           reference server database
  server.dev          mount /dev scenario routes
  server.origins      CORS origins
  redis.addr          row cache address (empty disables)
  redis.ttl           row cache TTL

SEE ALSO:
  - cmd/coachctl: client flags
  - cmd/server: server flags
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "COACHDESK"

// Config is the resolved configuration.
type Config struct {
	Remote Remote
	Mirror Mirror
	Sync   Sync
	Probe  Probe
	Log    Log
	Auth   Auth
	Server Server
	Redis  Redis
}

type Remote struct {
	URL     string
	Timeout time.Duration
}

type Mirror struct {
	Path string
}

type Sync struct {
	Interval time.Duration
}

type Probe struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

type Log struct {
	Level  string
	Format string
}

type Auth struct {
	SessionFile string
	Codes       map[string]string
}

type Server struct {
	Port    int
	DB      string
	Dev     bool
	Origins []string
}

type Redis struct {
	Addr string
	TTL  time.Duration
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"remote-url":         "remote.url",
	"remote-timeout":     "remote.timeout",
	"mirror":             "mirror.path",
	"sync-interval":      "sync.interval",
	"probe-interval":     "probe.interval",
	"probe-max-interval": "probe.max_interval",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"session-file":       "auth.session_file",
	"auth-code":          "auth.codes",
	"port":               "server.port",
	"db":                 "server.db",
	"dev":                "server.dev",
	"origins":            "server.origins",
	"redis-addr":         "redis.addr",
	"redis-ttl":          "redis.ttl",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.url", "http://localhost:8080")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("mirror.path", filepath.Join(homeDir(), "coachdesk.db"))
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("probe.interval", 30*time.Second)
	v.SetDefault("probe.max_interval", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("auth.session_file", filepath.Join(homeDir(), "session.json"))
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.db", "coachdesk-server.db")
	v.SetDefault("redis.ttl", 5*time.Minute)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coachdesk"
	}
	return filepath.Join(home, ".coachdesk")
}

// ClientFlags registers the flags coachctl understands.
func ClientFlags(fs *pflag.FlagSet) {
	commonFlags(fs)
	fs.String("remote-url", "", "backend base URL")
	fs.Duration("remote-timeout", 0, "per-request timeout")
	fs.String("mirror", "", "local mirror database path")
	fs.Duration("sync-interval", 0, "periodic sync interval (0 disables)")
	fs.Duration("probe-interval", 0, "connectivity probe interval")
	fs.Duration("probe-max-interval", 0, "maximum probe backoff while offline")
	fs.String("session-file", "", "signed-in session file")
}

// ServerFlags registers the flags the reference server understands.
func ServerFlags(fs *pflag.FlagSet) {
	commonFlags(fs)
	fs.Int("port", 0, "HTTP server port")
	fs.String("db", "", "SQLite database path (\":memory:\" for in-memory)")
	fs.Bool("dev", false, "mount /dev scenario routes")
	fs.StringSlice("origins", nil, "allowed CORS origins")
	fs.StringToString("auth-code", nil, "authorization code=trainer id (repeatable)")
	fs.String("redis-addr", "", "Redis address for the row cache")
	fs.Duration("redis-ttl", 0, "row cache TTL")
}

func commonFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, json)")
}

// Load resolves the configuration. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := readConfigFile(v, fs); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Remote: Remote{URL: v.GetString("remote.url"), Timeout: v.GetDuration("remote.timeout")},
		Mirror: Mirror{Path: v.GetString("mirror.path")},
		Sync:   Sync{Interval: v.GetDuration("sync.interval")},
		Probe: Probe{
			Interval:    v.GetDuration("probe.interval"),
			MaxInterval: v.GetDuration("probe.max_interval"),
		},
		Log:  Log{Level: v.GetString("log.level"), Format: v.GetString("log.format")},
		Auth: Auth{SessionFile: v.GetString("auth.session_file"), Codes: v.GetStringMapString("auth.codes")},
		Server: Server{
			Port:    v.GetInt("server.port"),
			DB:      v.GetString("server.db"),
			Dev:     v.GetBool("server.dev"),
			Origins: v.GetStringSlice("server.origins"),
		},
		Redis: Redis{Addr: v.GetString("redis.addr"), TTL: v.GetDuration("redis.ttl")},
	}
	return cfg, cfg.Validate()
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	path := os.Getenv(EnvPrefix + "_CONFIG")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("coachdesk")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(homeDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Validate checks values Load cannot coerce.
func (c Config) Validate() error {
	var errs []error
	if c.Remote.URL == "" {
		errs = append(errs, errors.New("remote.url is required"))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if c.Sync.Interval < 0 {
		errs = append(errs, errors.New("sync.interval must not be negative"))
	}
	if c.Probe.Interval <= 0 {
		errs = append(errs, errors.New("probe.interval must be positive"))
	}
	if c.Probe.MaxInterval < c.Probe.Interval {
		errs = append(errs, errors.New("probe.max_interval must be at least probe.interval"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

package hub

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// EnvPrefix is the prefix of environment overrides. The first underscore
// after it separates section and key: RISE_AUTH_TOKEN_EXPIRY -> auth.token_expiry.
const EnvPrefix = "RISE_"

// Config is the server configuration.
type Config struct {
	Server struct {
		Addr            string        `koanf:"addr"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	} `koanf:"server"`

	Auth struct {
		Secret      string        `koanf:"secret"`
		TokenExpiry time.Duration `koanf:"token_expiry"`
	} `koanf:"auth"`

	Hub struct {
		RateLimit float64 `koanf:"rate_limit"`
		RateBurst int     `koanf:"rate_burst"`
	} `koanf:"hub"`

	Alerts struct {
		Policy        string `koanf:"policy"`
		Store         string `koanf:"store"`
		MongoURI      string `koanf:"mongo_uri"`
		MongoDatabase string `koanf:"mongo_database"`
	} `koanf:"alerts"`

	Messages struct {
		Store        string `koanf:"store"`
		SQLitePath   string `koanf:"sqlite_path"`
		BacklogFlush string `koanf:"backlog_flush"`
	} `koanf:"messages"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`
}

func defaultValues() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":             ":8080",
		"server.shutdown_timeout": "10s",
		"auth.token_expiry":       "720h",
		"hub.rate_limit":          20.0,
		"hub.rate_burst":          40,
		"alerts.policy":           "last-writer-wins",
		"alerts.store":            "memory",
		"alerts.mongo_database":   "rise",
		"messages.store":          "memory",
		"messages.sqlite_path":    "./rise-messages.db",
		"messages.backlog_flush":  "@every 10s",
		"log.level":               "info",
		"log.pretty":              false,
	}
}

// LoadConfig layers defaults, the TOML file at path (if any) and RISE_*
// environment variables.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, p := range []string{"./rise.toml", "$HOME/.rise/server.toml"} {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err == nil {
				if err := k.Load(file.Provider(p), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (set %sAUTH_SECRET)", EnvPrefix)
	}
	switch c.Alerts.Policy {
	case "last-writer-wins", "first-activator-wins":
	default:
		return fmt.Errorf("unknown alerts.policy %q", c.Alerts.Policy)
	}
	switch c.Alerts.Store {
	case "memory":
	case "mongo":
		if c.Alerts.MongoURI == "" {
			return fmt.Errorf("alerts.mongo_uri is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown alerts.store %q", c.Alerts.Store)
	}
	switch c.Messages.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown messages.store %q", c.Messages.Store)
	}
	return nil
}

// ActivationPolicy returns the configured policy.
func (c *Config) ActivationPolicy() ActivationPolicy {
	if c.Alerts.Policy == "first-activator-wins" {
		return FirstActivatorWins
	}
	return LastWriterWins
}

// Logger builds the server logger from the log section.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || c.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

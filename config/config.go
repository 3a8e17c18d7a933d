package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the service. Durations that
// the environment expresses in seconds (SAVE_INTERVAL and friends) are
// converted once here; the rest of the code only ever sees time.Duration.
type Config struct {
	HTTP     HTTP
	Redis    Redis
	Postgres Postgres
	Worker   Worker
	Cache    Cache
	Stream   Stream
	Presence Presence
	Access   Access
	Session  Session
	Log      Log
}

type HTTP struct {
	Addr string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Postgres struct {
	DSN string
}

type Worker struct {
	// SaveInterval is the periodic durability flush interval.
	SaveInterval time.Duration
	// ShutdownGrace bounds the wait for a pad consumer to drain on stop.
	ShutdownGrace time.Duration
}

type Cache struct {
	Expiry time.Duration
}

type Stream struct {
	Expiry time.Duration
	// MaxLen caps the per-pad stream; trimming is approximate.
	MaxLen int64
}

type Presence struct {
	Expiry time.Duration
}

type Access struct {
	RecheckInterval time.Duration
}

type Session struct {
	Expiry time.Duration
}

type Log struct {
	Level  string
	Format string // "text" or "json"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("save_interval", 300)
	v.SetDefault("cache_expiry", 3600)
	v.SetDefault("stream_expiry", 3600)
	v.SetDefault("stream_maxlen", 100)
	v.SetDefault("presence_expiry", 3600)
	v.SetDefault("access_recheck_interval", 1)
	v.SetDefault("shutdown_grace", 10)
	v.SetDefault("session_expiry", 86400)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads the optional config file and the environment. Environment
// variables win over file values; the recognised names follow the deployment
// surface (SAVE_INTERVAL, CACHE_EXPIRY, STREAM_EXPIRY, STREAM_MAXLEN,
// PRESENCE_EXPIRY, ACCESS_RECHECK_INTERVAL, SHUTDOWN_GRACE, ...).
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		HTTP: HTTP{
			Addr: v.GetString("http.addr"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Postgres: Postgres{
			DSN: v.GetString("postgres.dsn"),
		},
		Worker: Worker{
			SaveInterval:  seconds(v, "save_interval"),
			ShutdownGrace: seconds(v, "shutdown_grace"),
		},
		Cache: Cache{
			Expiry: seconds(v, "cache_expiry"),
		},
		Stream: Stream{
			Expiry: seconds(v, "stream_expiry"),
			MaxLen: v.GetInt64("stream_maxlen"),
		},
		Presence: Presence{
			Expiry: seconds(v, "presence_expiry"),
		},
		Access: Access{
			RecheckInterval: seconds(v, "access_recheck_interval"),
		},
		Session: Session{
			Expiry: seconds(v, "session_expiry"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if cfg.Stream.MaxLen <= 0 {
		return nil, fmt.Errorf("config: stream_maxlen must be positive, got %d", cfg.Stream.MaxLen)
	}

	// Log level follows the config file without a restart. Only the level is
	// hot-reloaded; everything else requires a bounce.
	if configFile != "" {
		v.OnConfigChange(func(fsnotify.Event) {
			cfg.Log.Level = v.GetString("log.level")
			leveler.Set(parseLevel(cfg.Log.Level))
		})
		v.WatchConfig()
	}

	return cfg, nil
}

var leveler = new(slog.LevelVar)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Leveler returns the shared level handle used by the logger provider, set
// from Log.Level and updated on config file changes.
func (c *Config) Leveler() *slog.LevelVar {
	leveler.Set(parseLevel(c.Log.Level))
	return leveler
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Second
}

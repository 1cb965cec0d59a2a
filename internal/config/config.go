// Package config loads server settings from flags, MAM_* environment variables and an optional
// config.yaml, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"mellium.im/xmpp/jid"
)

// EnvPrefix prefixes every environment variable, e.g. MAM_DATASTORE_URI.
const EnvPrefix = "MAM"

// Config is the complete server configuration.
type Config struct {
	// Domain is the local XMPP domain; archives of its users are personal archives.
	Domain string   `mapstructure:"domain"`
	Admins []string `mapstructure:"admins"`

	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Query     QueryConfig     `mapstructure:"query"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	MUC       MUCConfig       `mapstructure:"muc"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr       string `mapstructure:"addr"`
	Reflection bool   `mapstructure:"reflection"`
}

type DatastoreConfig struct {
	URI     string        `mapstructure:"uri"`
	MaxWait time.Duration `mapstructure:"max-wait"`
	Migrate bool          `mapstructure:"migrate"`
}

// AuthConfig covers WebSocket bearer tokens and handshake throttling.
type AuthConfig struct {
	SigningKey      string        `mapstructure:"signing-key"`
	TokenTTL        time.Duration `mapstructure:"token-ttl"`
	LimiterWindow   time.Duration `mapstructure:"limiter-window"`
	LimiterMaxFails int           `mapstructure:"limiter-max-fails"`
	LimiterBlockFor time.Duration `mapstructure:"limiter-block-for"`
}

// QueryConfig tunes archive query processing.
type QueryConfig struct {
	// ForceRSM pages every query, even one without a <set/>.
	ForceRSM        bool          `mapstructure:"force-rsm"`
	DefaultPageSize int           `mapstructure:"default-page-size"`
	MaxPageSize     int           `mapstructure:"max-page-size"`
	Workers         int           `mapstructure:"workers"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown-grace"`
}

type ArchiveConfig struct {
	FlushInterval time.Duration `mapstructure:"flush-interval"`
	BatchSize     int           `mapstructure:"batch-size"`
}

type MUCConfig struct {
	CacheSize int           `mapstructure:"cache-size"`
	CacheTTL  time.Duration `mapstructure:"cache-ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info", Format: "json"},
		HTTP:      HTTPConfig{Addr: ":5280"},
		GRPC:      GRPCConfig{Addr: ":8081"},
		Datastore: DatastoreConfig{MaxWait: 30 * time.Second, Migrate: true},
		Auth: AuthConfig{
			TokenTTL:        24 * time.Hour,
			LimiterWindow:   15 * time.Minute,
			LimiterMaxFails: 5,
			LimiterBlockFor: 15 * time.Minute,
		},
		Query: QueryConfig{
			ForceRSM:        true,
			DefaultPageSize: 50,
			MaxPageSize:     250,
			ShutdownGrace:   4 * time.Second,
		},
		Archive: ArchiveConfig{FlushInterval: time.Second, BatchSize: 100},
		MUC:     MUCConfig{CacheSize: 256, CacheTTL: 5 * time.Minute},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Domain == "" {
		errs = append(errs, errors.New("domain is required"))
	} else if d, err := jid.Parse(c.Domain); err != nil || d.Localpart() != "" || d.Resourcepart() != "" {
		errs = append(errs, fmt.Errorf("domain %q is not a bare domain", c.Domain))
	}
	for _, a := range c.Admins {
		if _, err := jid.Parse(a); err != nil {
			errs = append(errs, fmt.Errorf("admin %q: %w", a, err))
		}
	}
	if c.Auth.SigningKey == "" {
		errs = append(errs, errors.New("auth.signing-key is required"))
	}
	if c.Datastore.URI == "" {
		errs = append(errs, errors.New("datastore.uri is required"))
	}
	if c.Query.DefaultPageSize <= 0 || c.Query.MaxPageSize <= 0 {
		errs = append(errs, errors.New("query page sizes must be positive"))
	} else if c.Query.DefaultPageSize > c.Query.MaxPageSize {
		errs = append(errs, fmt.Errorf("query.default-page-size %d exceeds query.max-page-size %d",
			c.Query.DefaultPageSize, c.Query.MaxPageSize))
	}
	if c.Query.Workers < 0 {
		errs = append(errs, errors.New("query.workers must not be negative"))
	}
	if c.Query.ShutdownGrace < 0 {
		errs = append(errs, errors.New("query.shutdown-grace must not be negative"))
	}
	return errors.Join(errs...)
}

// New returns a viper instance reading MAM_* variables and config.yaml from the usual places,
// with every key defaulted from Default.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range []string{"/etc/mam-keeper", "$HOME/.mam-keeper", "."} {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("domain", d.Domain)
	v.SetDefault("admins", d.Admins)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("grpc.addr", d.GRPC.Addr)
	v.SetDefault("grpc.reflection", d.GRPC.Reflection)
	v.SetDefault("datastore.uri", d.Datastore.URI)
	v.SetDefault("datastore.max-wait", d.Datastore.MaxWait)
	v.SetDefault("datastore.migrate", d.Datastore.Migrate)
	v.SetDefault("auth.signing-key", d.Auth.SigningKey)
	v.SetDefault("auth.token-ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.limiter-window", d.Auth.LimiterWindow)
	v.SetDefault("auth.limiter-max-fails", d.Auth.LimiterMaxFails)
	v.SetDefault("auth.limiter-block-for", d.Auth.LimiterBlockFor)
	v.SetDefault("query.force-rsm", d.Query.ForceRSM)
	v.SetDefault("query.default-page-size", d.Query.DefaultPageSize)
	v.SetDefault("query.max-page-size", d.Query.MaxPageSize)
	v.SetDefault("query.workers", d.Query.Workers)
	v.SetDefault("query.shutdown-grace", d.Query.ShutdownGrace)
	v.SetDefault("archive.flush-interval", d.Archive.FlushInterval)
	v.SetDefault("archive.batch-size", d.Archive.BatchSize)
	v.SetDefault("muc.cache-size", d.MUC.CacheSize)
	v.SetDefault("muc.cache-ttl", d.MUC.CacheTTL)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"domain":            "domain",
	"admins":            "admins",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"http-addr":         "http.addr",
	"grpc-addr":         "grpc.addr",
	"grpc-reflection":   "grpc.reflection",
	"datastore-uri":     "datastore.uri",
	"signing-key":       "auth.signing-key",
	"force-rsm":         "query.force-rsm",
	"default-page-size": "query.default-page-size",
	"max-page-size":     "query.max-page-size",
	"workers":           "query.workers",
	"shutdown-grace":    "query.shutdown-grace",
}

// RegisterFlags declares the server flags on fs with defaults from Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("domain", d.Domain, "local XMPP domain served by this archive")
	fs.StringSlice("admins", d.Admins, "comma-separated JIDs allowed to read any archive")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: json or console")
	fs.String("http-addr", d.HTTP.Addr, "HTTP listen address for /ws, /metrics and probes")
	fs.String("grpc-addr", d.GRPC.Addr, "gRPC health listen address")
	fs.Bool("grpc-reflection", d.GRPC.Reflection, "enable gRPC server reflection")
	fs.String("datastore-uri", d.Datastore.URI, "PostgreSQL connection string")
	fs.String("signing-key", d.Auth.SigningKey, "HS256 key for WebSocket bearer tokens")
	fs.Bool("force-rsm", d.Query.ForceRSM, "page every archive query")
	fs.Int("default-page-size", d.Query.DefaultPageSize, "page size when a query sets none")
	fs.Int("max-page-size", d.Query.MaxPageSize, "upper bound on the requested page size")
	fs.Int("workers", d.Query.Workers, "concurrent archive queries, 0 for unbounded")
	fs.Duration("shutdown-grace", d.Query.ShutdownGrace, "wait for running queries on shutdown")
}

// BindFlags binds the flags declared by RegisterFlags to their keys in v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads the optional config file and decodes v. An explicit file must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

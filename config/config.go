package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lock     LockConfig     `mapstructure:"lock"`
	Presence PresenceConfig `mapstructure:"presence"`
	Access   AccessConfig   `mapstructure:"access"`
	Conflict ConflictConfig `mapstructure:"conflict"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds the lib/pq connection URL. It is empty when no host is set,
// which runs the server on in-memory repositories.
func (c DatabaseConfig) DSN() string {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return ""
	}
	if port := strings.TrimSpace(c.Port); port != "" {
		host += ":" + port
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(strings.TrimSpace(c.User), strings.TrimSpace(c.Password)),
		Host:     host,
		Path:     "/" + strings.TrimSpace(c.Name),
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LockConfig struct {
	DefaultLease  time.Duration `mapstructure:"default_lease"`
	MaxLease      time.Duration `mapstructure:"max_lease"`
	MaxExtensions int           `mapstructure:"max_extensions"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type PresenceConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ConflictConfig.ObservationWindow bounds how long a submitted value can be
// contradicted before it is forgotten.
type ConflictConfig struct {
	ObservationWindow time.Duration `mapstructure:"observation_window"`
}

// AccessConfig.DefaultRole is granted to every user when no database is
// configured.
type AccessConfig struct {
	DefaultRole string `mapstructure:"default_role"`
}

// legacyEnv keeps the variable names older deployments use.
var legacyEnv = map[string]string{
	"database.user":     "user",
	"database.password": "password",
	"database.host":     "host",
	"database.port":     "port",
	"database.name":     "dbname",
	"auth.jwt_secret":   "SUPABASE_JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("database.sslmode", "require")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "collab:")

	v.SetDefault("lock.default_lease", 5*time.Minute)
	v.SetDefault("lock.max_lease", 30*time.Minute)
	v.SetDefault("lock.max_extensions", 3)
	v.SetDefault("lock.sweep_interval", 5*time.Second)

	v.SetDefault("presence.timeout", 90*time.Second)
	v.SetDefault("presence.sweep_interval", 10*time.Second)

	v.SetDefault("access.default_role", "writer")

	v.SetDefault("conflict.observation_window", 10*time.Minute)
}

// Load reads .env (if present), the optional config file and the
// environment into v and decodes the result. Environment keys use `_` for
// `.`, e.g. LOCK_MAX_LEASE.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	_ = godotenv.Load()

	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Lock.MaxLease > 0 && c.Lock.DefaultLease > c.Lock.MaxLease {
		return fmt.Errorf("lock.default_lease %s exceeds lock.max_lease %s", c.Lock.DefaultLease, c.Lock.MaxLease)
	}
	if c.Lock.MaxExtensions < 0 {
		return errors.New("lock.max_extensions must not be negative")
	}
	if c.Presence.Timeout <= 0 {
		return errors.New("presence.timeout must be positive")
	}
	return nil
}

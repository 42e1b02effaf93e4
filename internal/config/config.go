package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "SPARK"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "spark.db"
	defaultLogLevel             = "info"
	defaultIssuer               = "spark-auth"
	defaultCookieName           = "spark_session"
	defaultTokenTTLMinutes      = 60
	defaultMaxQueuedPerUser     = 100
	defaultSweepIntervalSeconds = 30
	defaultDirectoryTTLSeconds  = 120
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	SigningSecret string
	Issuer        string
	CookieName    string
	TokenTTL      time.Duration

	MaxQueuedPerUser   int
	SessionIdleTimeout time.Duration
	CursorIdleTimeout  time.Duration
	SweepInterval      time.Duration
	AllowedOrigins     []string

	RedisURL     string
	DirectoryTTL time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("realtime.max_queued_per_user", defaultMaxQueuedPerUser)
	configViper.SetDefault("realtime.session_idle_timeout_seconds", 0)
	configViper.SetDefault("realtime.cursor_idle_timeout_seconds", 0)
	configViper.SetDefault("realtime.sweep_interval_seconds", defaultSweepIntervalSeconds)
	configViper.SetDefault("realtime.allowed_origins", "")
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.directory_ttl_seconds", defaultDirectoryTTLSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		Issuer:             configViper.GetString("auth.issuer"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		TokenTTL:           minutes(configViper.GetInt("auth.token_ttl_minutes")),
		MaxQueuedPerUser:   configViper.GetInt("realtime.max_queued_per_user"),
		SessionIdleTimeout: seconds(configViper.GetInt("realtime.session_idle_timeout_seconds")),
		CursorIdleTimeout:  seconds(configViper.GetInt("realtime.cursor_idle_timeout_seconds")),
		SweepInterval:      seconds(configViper.GetInt("realtime.sweep_interval_seconds")),
		AllowedOrigins:     splitList(configViper.GetString("realtime.allowed_origins")),
		RedisURL:           strings.TrimSpace(configViper.GetString("redis.url")),
		DirectoryTTL:       seconds(configViper.GetInt("redis.directory_ttl_seconds")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.MaxQueuedPerUser <= 0 {
		return fmt.Errorf("realtime.max_queued_per_user must be positive")
	}
	if c.SessionIdleTimeout < 0 || c.CursorIdleTimeout < 0 {
		return fmt.Errorf("realtime idle timeouts must not be negative")
	}
	if (c.SessionIdleTimeout > 0 || c.CursorIdleTimeout > 0) && c.SweepInterval <= 0 {
		return fmt.Errorf("realtime.sweep_interval_seconds must be positive when sweeps are enabled")
	}
	if c.RedisURL != "" && c.DirectoryTTL <= 0 {
		return fmt.Errorf("redis.directory_ttl_seconds must be positive")
	}
	return nil
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func minutes(value int) time.Duration {
	return time.Duration(value) * time.Minute
}

// splitList accepts comma or whitespace separated values, as env vars deliver them.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	values := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "QUIRE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "quire.db"
	defaultLogLevel         = "info"
	defaultLogEncoding      = "json"
	defaultSessionIssuer    = "tauth"
	defaultCookieName       = "app_session"
	defaultAllowedOrigins   = "http://localhost:5173"
	defaultDebounce         = time.Second
	defaultMinWriteInterval = 500 * time.Millisecond
	defaultSendBuffer       = 64
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogEncoding       string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RedisURL          string
	AllowedOrigins    []string
	Debounce          time.Duration
	MinWriteInterval  time.Duration
	SendBuffer        int
	InstanceID        string
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
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("collab.debounce", defaultDebounce)
	configViper.SetDefault("collab.min_write_interval", defaultMinWriteInterval)
	configViper.SetDefault("collab.send_buffer", defaultSendBuffer)
	configViper.SetDefault("instance.id", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogEncoding:       configViper.GetString("log.encoding"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
		AllowedOrigins:    splitList(configViper.GetString("cors.allowed_origins")),
		Debounce:          configViper.GetDuration("collab.debounce"),
		MinWriteInterval:  configViper.GetDuration("collab.min_write_interval"),
		SendBuffer:        configViper.GetInt("collab.send_buffer"),
		InstanceID:        strings.TrimSpace(configViper.GetString("instance.id")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("collab.debounce must be positive")
	}
	if c.MinWriteInterval < 0 {
		return fmt.Errorf("collab.min_write_interval must not be negative")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("collab.send_buffer must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

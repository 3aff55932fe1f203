package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "HEDGEDOC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "hedgedoc.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultTokenTTLMinutes     = 60
	defaultRealtimeSendBuffer  = 32
	defaultRealtimeConnTimeout = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	SigningSecret   string
	TAuthCookieName string
	DatabasePath    string
	LogLevel        string
	GoogleClientID  string
	GoogleJWKSURL   string
	TokenTTL        time.Duration

	// RealtimeSendBufferSize bounds the outbound frame buffer given to
	// every realtime connection (internal/realtime/session.Connection):
	// a consumer that falls this far behind is treated as unresponsive
	// and disconnected rather than stalling fan-out to its peers.
	RealtimeSendBufferSize int
	// RealtimeConnectTimeout bounds how long the websocket upgrade
	// handshake's identity-resolution chain (cookie, session, user,
	// permission lookups) may take before the connect attempt is
	// abandoned.
	RealtimeConnectTimeout time.Duration
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
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("realtime.send_buffer_size", defaultRealtimeSendBuffer)
	configViper.SetDefault("realtime.connect_timeout", defaultRealtimeConnTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		SigningSecret:          configViper.GetString("auth.signing_secret"),
		TAuthCookieName:        configViper.GetString("tauth.cookie_name"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		GoogleClientID:         configViper.GetString("google.client_id"),
		GoogleJWKSURL:          configViper.GetString("google.jwks_url"),
		TokenTTL:               time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		RealtimeSendBufferSize: configViper.GetInt("realtime.send_buffer_size"),
		RealtimeConnectTimeout: configViper.GetDuration("realtime.connect_timeout"),
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
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.RealtimeSendBufferSize <= 0 {
		return fmt.Errorf("realtime.send_buffer_size must be positive")
	}
	if c.RealtimeConnectTimeout <= 0 {
		return fmt.Errorf("realtime.connect_timeout must be positive")
	}
	return nil
}

package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds every runtime option the gateway and the chat client
// recognize. Each value only affects defaults or endpoint targets,
// never business logic.
type Config struct {
	AppPort      int    `mapstructure:"APP_PORT"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	DatabasePath string `mapstructure:"DATABASE_PATH"`

	// Upstream generative API, reached only by the proxy routes.
	UpstreamAPIKey      string `mapstructure:"UPSTREAM_API_KEY"`
	UpstreamAPIURL      string `mapstructure:"UPSTREAM_API_URL"`
	UpstreamAudioAPIURL string `mapstructure:"UPSTREAM_AUDIO_API_URL"`
	UpstreamAudioModel  string `mapstructure:"UPSTREAM_AUDIO_DEFAULT_MODEL"`

	// Backend chat/search service consumed by the session library.
	BackendAPIURL string `mapstructure:"BACKEND_API_URL"`
	BackendWSURL  string `mapstructure:"BACKEND_WS_URL"`

	// Base URL of this gateway's own proxy surface, used by the
	// generation clients.
	ProxyBaseURL string `mapstructure:"PROXY_BASE_URL"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment, applying defaults for everything else.
func LoadConfig() (*Config, error) {
	viper.SetDefault("APP_PORT", 3000)
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("DATABASE_PATH", "/data/genchat.db")
	viper.SetDefault("UPSTREAM_API_KEY", "")
	viper.SetDefault("UPSTREAM_API_URL", "")
	viper.SetDefault("UPSTREAM_AUDIO_API_URL", "")
	viper.SetDefault("UPSTREAM_AUDIO_DEFAULT_MODEL", "stable-audio-open-1.0")
	viper.SetDefault("BACKEND_API_URL", "http://localhost:3001/api")
	viper.SetDefault("BACKEND_WS_URL", "ws://localhost:3001/ws")
	viper.SetDefault("PROXY_BASE_URL", "http://localhost:3000")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AudioAPIURL returns the audio-specific upstream base URL, falling back
// to the general upstream URL when no override is configured.
func (c *Config) AudioAPIURL() string {
	if c.UpstreamAudioAPIURL != "" {
		return c.UpstreamAudioAPIURL
	}
	return c.UpstreamAPIURL
}

package config

import "time"

// Config is the root configuration for a tracker instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Tracking TrackingConfig `yaml:"tracking"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this tracker.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// TrackingConfig holds connection manager and session settings.
type TrackingConfig struct {
	// Endpoint is the channel URL template; {order_id} is replaced per order.
	Endpoint             string        `yaml:"endpoint"`
	Orders               []string      `yaml:"orders"` // Orders tracked at startup
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	HistoryLimit         int           `yaml:"history_limit"`
}

// APIConfig holds REST settings for the simulation hooks.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// AuthConfig holds the access token sent on the websocket handshake.
// TokenPath wins over AccessToken when both are set.
type AuthConfig struct {
	AccessToken string `yaml:"access_token"`
	TokenPath   string `yaml:"token_path"`
}

// MetricsConfig holds Prometheus and health endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

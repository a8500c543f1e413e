package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultEndpoint             = "ws://localhost:8000/ws/tracking/{order_id}/"
	DefaultRestURL              = "http://localhost:8000/api"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPingInterval         = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultBufferSize           = 256
	DefaultHistoryLimit         = 50
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// ApplyDefaults fills zero-valued optional fields.
// MaxReconnectAttempts is left alone when negative so Validate can reject it.
func (c *Config) ApplyDefaults() {
	// Tracking defaults
	if c.Tracking.Endpoint == "" {
		c.Tracking.Endpoint = DefaultEndpoint
	}
	if c.Tracking.ReconnectBaseDelay == 0 {
		c.Tracking.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Tracking.MaxReconnectAttempts == 0 {
		c.Tracking.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Tracking.PingInterval == 0 {
		c.Tracking.PingInterval = DefaultPingInterval
	}
	if c.Tracking.HandshakeTimeout == 0 {
		c.Tracking.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Tracking.WriteTimeout == 0 {
		c.Tracking.WriteTimeout = DefaultWriteTimeout
	}
	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = DefaultBufferSize
	}
	if c.Tracking.HistoryLimit == 0 {
		c.Tracking.HistoryLimit = DefaultHistoryLimit
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

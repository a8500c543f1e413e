package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// OrderIDPlaceholder is substituted with the order id in tracking.endpoint.
const OrderIDPlaceholder = "{order_id}"

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Tracking.validate(); err != nil {
		return err
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (t *TrackingConfig) validate() error {
	if !strings.Contains(t.Endpoint, OrderIDPlaceholder) {
		return fmt.Errorf("tracking.endpoint must contain %s", OrderIDPlaceholder)
	}
	u, err := url.Parse(strings.ReplaceAll(t.Endpoint, OrderIDPlaceholder, "0"))
	if err != nil {
		return fmt.Errorf("tracking.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("tracking.endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if t.MaxReconnectAttempts < 0 {
		return errors.New("tracking.max_reconnect_attempts must be >= 0")
	}
	if t.ReconnectBaseDelay <= 0 {
		return errors.New("tracking.reconnect_base_delay must be > 0")
	}
	if t.PingInterval <= 0 {
		return errors.New("tracking.ping_interval must be > 0")
	}
	if t.BufferSize < 1 {
		return errors.New("tracking.buffer_size must be >= 1")
	}
	if t.HistoryLimit < 1 {
		return errors.New("tracking.history_limit must be >= 1")
	}
	for i, id := range t.Orders {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("tracking.orders[%d] is empty", i)
		}
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", level)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loadline/tracking/internal/auth"
	"github.com/loadline/tracking/internal/config"
	"github.com/loadline/tracking/internal/connection"
	"github.com/loadline/tracking/internal/tracking"
	"github.com/loadline/tracking/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/tracker.local.yaml", "path to config file")
	orders := flag.String("orders", "", "comma-separated order ids to track (added to config)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}
	cfg.Tracking.Orders = trackedOrders(cfg.Tracking.Orders, *orders)

	logger, err := newLogger(cfg.Log)
	if err != nil {
		slog.Error("invalid log config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting tracker",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"endpoint", cfg.Tracking.Endpoint,
		"orders", len(cfg.Tracking.Orders),
	)

	creds, err := loadCredentials(cfg.Auth)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	if exp, ok := creds.ExpiresAt(); ok {
		logger.Info("access token loaded", "expires_at", exp)
	}

	// Create context with cancellation
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := connection.NewManager(connection.ManagerConfig{
		Endpoint:         cfg.Tracking.Endpoint,
		Credentials:      creds,
		BaseDelay:        cfg.Tracking.ReconnectBaseDelay,
		MaxAttempts:      cfg.Tracking.MaxReconnectAttempts,
		PingInterval:     cfg.Tracking.PingInterval,
		HandshakeTimeout: cfg.Tracking.HandshakeTimeout,
		WriteTimeout:     cfg.Tracking.WriteTimeout,
		BufferSize:       cfg.Tracking.BufferSize,
	}, logger)

	sessions := make([]*tracking.Session, 0, len(cfg.Tracking.Orders))
	for range cfg.Tracking.Orders {
		sessions = append(sessions, tracking.NewSession(manager,
			tracking.WithLogger(logger),
			tracking.WithHistoryLimit(cfg.Tracking.HistoryLimit),
		))
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(sessions, manager, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server",
			"port", cfg.Metrics.Port,
			"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
		)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	for i, s := range sessions {
		orderID := cfg.Tracking.Orders[i]
		updates, unsubscribe := s.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			watchSession(gctx, logger.With("order_id", orderID), updates)
			return nil
		})

		if err := s.Connect(orderID); err != nil {
			logger.Error("failed to track order", "order_id", orderID, "error", err)
		}
	}

	logger.Info("tracker running", "orders", cfg.Tracking.Orders)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")
		for _, s := range sessions {
			s.Disconnect()
		}
		manager.DisconnectAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("tracker stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("tracker stopped")
}

// watchSession logs status transitions and new locations until ctx ends.
func watchSession(ctx context.Context, logger *slog.Logger, updates <-chan tracking.State) {
	var last tracking.State
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.Status != last.Status {
				logger.Info("tracking status changed",
					"from", last.Status,
					"to", st.Status,
					"attempt", st.Attempt,
					"last_error", st.LastError,
				)
			}
			if st.CurrentLocation != nil && (last.CurrentLocation == nil || st.CurrentLocation.ID != last.CurrentLocation.ID) {
				lat, lng := st.CurrentLocation.Coordinates()
				logger.Info("location update",
					"lat", lat,
					"lng", lng,
					"address", st.CurrentLocation.Address,
					"samples", len(st.History),
				)
			}
			if status := st.Order.Status(); status != "" && status != last.Order.Status() {
				logger.Info("order status", "status", status, "display", st.Order.StatusDisplay())
			}
			last = st
		}
	}
}

// trackedOrders merges the configured orders with the comma-separated flag
// value. Ids are trimmed and each is kept once, first occurrence wins, since
// the manager holds a single channel per order.
func trackedOrders(configured []string, extra string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range append(slices.Clone(configured), strings.Split(extra, ",")...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// newLogger builds the slog handler selected by the log config.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

// loadCredentials returns nil when no token is configured.
func loadCredentials(cfg config.AuthConfig) (*auth.Credentials, error) {
	if cfg.AccessToken == "" && cfg.TokenPath == "" {
		return nil, nil
	}
	return auth.LoadCredentials(cfg.AccessToken, cfg.TokenPath)
}

package main

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loadline/tracking/internal/connection"
	"github.com/loadline/tracking/internal/tracking"
	"github.com/loadline/tracking/internal/version"
)

type sessionHealth struct {
	OrderID     string  `json:"order_id"`
	Status      string  `json:"status"`
	Loading     bool    `json:"loading"`
	Samples     int     `json:"samples"`
	Attempt     int     `json:"attempt,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	OrderStatus string  `json:"order_status,omitempty"`
	Location    *latLng `json:"location,omitempty"`
}

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Stats    connection.ManagerStats  `json:"stats"`
	Sessions []sessionHealth          `json:"sessions"`
	Channels []connection.ChannelStat `json:"channels"`
}

// newHealthHandler serves /health, /debug/channels and the Prometheus
// metrics endpoint.
func newHealthHandler(sessions []*tracking.Session, manager connection.Manager, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := healthResponse{
			Status:   "healthy",
			Version:  version.String(),
			Stats:    manager.Stats(),
			Sessions: make([]sessionHealth, 0, len(sessions)),
		}

		for _, s := range sessions {
			st := s.State()
			sh := sessionHealth{
				OrderID:     st.OrderID,
				Status:      string(st.Status),
				Loading:     st.Loading,
				Samples:     len(st.History),
				Attempt:     st.Attempt,
				LastError:   st.LastError,
				OrderStatus: st.Order.Status(),
			}
			if st.CurrentLocation != nil {
				lat, lng := st.CurrentLocation.Coordinates()
				sh.Location = &latLng{Lat: lat, Lng: lng}
			}
			health.Sessions = append(health.Sessions, sh)

			switch {
			case st.Status == tracking.StatusClosed:
				health.Status = "unhealthy"
			case st.Status != tracking.StatusLive && health.Status == "healthy":
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:   "ok",
			Version:  version.String(),
			Stats:    manager.Stats(),
			Channels: manager.Channels(),
		})
	})

	return mux
}

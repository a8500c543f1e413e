// Command simulate drives the server's simulation hooks for one order so a
// running tracker has something to show.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loadline/tracking/internal/api"
	"github.com/loadline/tracking/internal/auth"
	"github.com/loadline/tracking/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/tracker.local.yaml", "path to config file")
	orderID := flag.String("order", "", "order id to simulate")
	status := flag.String("status", "", "order status to set before simulating (optional)")
	count := flag.Int("count", 10, "number of location samples to generate")
	interval := flag.Duration("interval", 2*time.Second, "delay between samples")
	flag.Parse()

	if *orderID == "" {
		log.Fatal("-order is required")
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", *configPath, err)
	}

	var creds *auth.Credentials
	if cfg.Auth.AccessToken != "" || cfg.Auth.TokenPath != "" {
		creds, err = auth.LoadCredentials(cfg.Auth.AccessToken, cfg.Auth.TokenPath)
		if err != nil {
			log.Fatalf("failed to load credentials: %v", err)
		}
	}

	client := api.NewClient(
		cfg.API.RestURL,
		creds,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *status != "" {
		fmt.Printf("=== Updating status of %s to %s ===\n", *orderID, *status)
		resp, err := client.UpdateStatus(ctx, *orderID, *status)
		if err != nil {
			log.Fatalf("UpdateStatus failed: %v", err)
		}
		fmt.Printf("%s (status: %s)\n", resp.Message, resp.Order.Status())
	}

	fmt.Printf("\n=== Simulating %d locations for %s ===\n", *count, *orderID)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for i := 1; i <= *count; i++ {
		resp, err := client.SimulateLocation(ctx, *orderID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "SimulateLocation failed: %v\n", err)
			os.Exit(1)
		}
		lat, lng := resp.Location.Coordinates()
		fmt.Printf("  %d. %.6f, %.6f  %s -> %s (%s)\n", i, lat, lng, resp.Source, resp.Destination, resp.Progress)

		if i == *count {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted")
			return
		case <-ticker.C:
		}
	}

	fmt.Println("\n=== Simulation complete ===")
}

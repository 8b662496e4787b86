package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routeguard/routeguard/internal/admin"
	"github.com/routeguard/routeguard/internal/balancer"
	"github.com/routeguard/routeguard/internal/breaker"
	"github.com/routeguard/routeguard/internal/budget"
	"github.com/routeguard/routeguard/internal/config"
	"github.com/routeguard/routeguard/internal/events"
	"github.com/routeguard/routeguard/internal/ledger"
	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/monitoring"
	"github.com/routeguard/routeguard/internal/router"
	"github.com/routeguard/routeguard/internal/transform"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	log.Info("Starting routeguard",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
		"max_retries", cfg.Server.MaxRetries,
	)

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	bus := events.NewBus(cfg.Events.BufferSize, log)

	var store *ledger.Store
	if cfg.Ledger.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = ledger.Connect(ctx, cfg.Ledger.DSN, log)
		cancel()
		if err != nil {
			log.Error("Failed to connect ledger", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		bus.AddUsageSink(store)
	}

	var reader budget.SpendReader
	if store != nil {
		reader = store
	}
	enforcer, err := budget.New(reader, cfg.Ledger.CacheSize, cfg.Ledger.CacheTTL, log)
	if err != nil {
		log.Error("Failed to create budget enforcer", "error", err)
		os.Exit(1)
	}
	enforcer.SetAlertPublisher(bus)
	if err := enforcer.SetPolicies(cfg.Budgets); err != nil {
		log.Error("Failed to load budget policies", "error", err)
		os.Exit(1)
	}
	log.Info("Budget policies loaded", "count", len(cfg.Budgets))

	bal := balancer.New(log)
	for _, pool := range cfg.Pools {
		if err := bal.RegisterPool(pool.Group, pool.Endpoints, pool.Strategy); err != nil {
			log.Error("Failed to register pool", "group", pool.Group, "error", err)
			os.Exit(1)
		}
	}

	breakers := breaker.NewRegistry(cfg.Breaker.Defaults, log)
	breakers.SetAlertPublisher(bus)
	for provider, override := range cfg.Breaker.Overrides {
		if err := breakers.SetOverride(provider, override); err != nil {
			log.Error("Invalid breaker override", "provider", provider, "error", err)
			os.Exit(1)
		}
	}

	transformer := transform.New(log)
	for _, route := range cfg.Routes {
		if err := transformer.RegisterRouteRules(route.Pattern, route.Rules); err != nil {
			log.Error("Failed to register route rules", "route", route.Pattern, "error", err)
			os.Exit(1)
		}
	}

	bus.Start()

	rtr := router.New(bal, breakers, enforcer, transformer, providerInvoker(log), bus, router.Config{
		MaxRetries:       cfg.Server.MaxRetries,
		DefaultTimeout:   cfg.Server.DefaultTimeout,
		ProviderTimeouts: cfg.ProviderTimeouts(),
	}, log, metrics)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/completions", rtr)
	adminHandler := admin.New(bal, breakers, enforcer, transformer, pinger(store), log)
	adminHandler.Register(mux)

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				for _, pool := range bal.Snapshot() {
					for _, ep := range pool.Endpoints {
						metrics.UpdateEndpointActive(pool.Group, ep.Name, ep.ActiveRequests)
						metrics.UpdateEndpointHealth(pool.Group, ep.Name, ep.Healthy)
					}
				}
			}
		}()
		log.Info("Metrics updater started (updates every 10 seconds)")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := bus.Close(ctx); err != nil {
		log.Error("Event bus drain interrupted", "error", err)
	}

	log.Info("Server shutdown complete")
}

// pinger adapts an optional ledger store to the admin health check; a nil
// store stays a nil interface.
func pinger(store *ledger.Store) admin.Pinger {
	if store == nil {
		return nil
	}
	return store
}

// providerInvoker returns the external provider invocation. The network
// call itself lives outside the router core; deployments replace this with
// their provider client.
func providerInvoker(log *slog.Logger) router.Invoker {
	return router.InvokerFunc(func(ctx context.Context, provider, model string, payload map[string]any) (*router.ProviderResponse, error) {
		log.Debug("Provider invocation", "provider", provider, "model", model)
		return nil, fmt.Errorf("no provider client configured for %q", provider)
	})
}

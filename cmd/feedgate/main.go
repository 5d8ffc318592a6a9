package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanati/nextfeed/internal/broadcast"
	"github.com/hanati/nextfeed/internal/cache"
	"github.com/hanati/nextfeed/internal/config"
	"github.com/hanati/nextfeed/internal/credential"
	"github.com/hanati/nextfeed/internal/database"
	"github.com/hanati/nextfeed/internal/gateway"
	"github.com/hanati/nextfeed/internal/model"
	"github.com/hanati/nextfeed/internal/recorder"
	"github.com/hanati/nextfeed/internal/session"
	"github.com/hanati/nextfeed/internal/upstream"
	"github.com/hanati/nextfeed/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/feedgate.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting feedgate",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"venues", len(cfg.Upstream.Venues),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	loc, err := time.LoadLocation(cfg.Credentials.Timezone)
	if err != nil {
		logger.Error("failed to load timezone", "error", err)
		os.Exit(1)
	}

	// Credential manager and scheduler
	issuers := buildIssuers(cfg.Credentials, loc, logger)
	if len(issuers) == 0 {
		logger.Error("no credential issuers configured")
		os.Exit(1)
	}

	credStore := credential.NewStore()
	credMgr := credential.NewManager(credStore, issuers, logger)

	credSched := credential.NewScheduler(credential.SchedulerConfig{
		DailySpec:           cfg.Credentials.DailySpec,
		Timezone:            cfg.Credentials.Timezone,
		HealthCheckInterval: cfg.Credentials.HealthCheckInterval,
	}, credMgr, logger)

	if err := credSched.Start(ctx); err != nil {
		logger.Error("failed to start credential scheduler", "error", err)
		os.Exit(1)
	}
	defer stopWithTimeout(credSched.Stop, 10*time.Second)

	// Snapshot cache shared by adapters and broadcaster
	instrumentCache := cache.New()

	// Optional snapshot recorder
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Recorder.Database.Host,
			"port", cfg.Recorder.Database.Port,
			"database", cfg.Recorder.Database.Name,
		)

		pool, err := database.Connect(ctx, cfg.Recorder.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		rec = recorder.New(recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger)

		if err := rec.Start(ctx); err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
		defer stopWithTimeout(rec.Stop, 10*time.Second)
	}

	// Feed adapters, one per venue
	adapters := make(map[model.Venue]*upstream.Adapter, len(cfg.Upstream.Venues))
	subscribers := make(map[model.Venue]gateway.Subscriber, len(cfg.Upstream.Venues))

	for name, vcfg := range cfg.Upstream.Venues {
		provider := credential.Provider(name)
		keys := upstream.KeySourceFunc(func(ctx context.Context) (string, error) {
			return credMgr.ApprovalKey(ctx, provider)
		})

		adapter := upstream.NewAdapter(upstream.AdapterConfig{
			Venue:              name,
			WSURL:              vcfg.WSURL,
			QuoteTRID:          vcfg.QuoteTRID,
			TradeTRID:          vcfg.TradeTRID,
			BufferSize:         vcfg.BufferSize,
			PingTimeout:        vcfg.PingTimeout,
			WriteTimeout:       vcfg.WriteTimeout,
			ReconnectBaseDelay: vcfg.ReconnectBaseDelay,
			ReconnectMaxDelay:  vcfg.ReconnectMaxDelay,
		}, keys, instrumentCache, logger)

		if rec != nil {
			adapter.OnSnapshot(rec.Record)
		}

		if err := adapter.Start(ctx); err != nil {
			logger.Error("failed to start feed adapter", "venue", name, "error", err)
			os.Exit(1)
		}
		defer adapter.Stop()

		adapters[adapter.Venue()] = adapter
		subscribers[adapter.Venue()] = adapter
	}

	// Downstream gateway
	registry := session.NewRegistry()

	gw := gateway.New(gateway.Config{
		Port:           cfg.Gateway.Port,
		ReadLimit:      cfg.Gateway.ReadLimit,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		MaxSubsPerConn: cfg.Gateway.MaxSubsPerConn,
		DefaultVenue:   model.Venue(cfg.Gateway.DefaultVenue),
	}, registry, subscribers, logger)

	// Broadcaster; dead sessions go through the same teardown as disconnects
	caster := broadcast.New(broadcast.Config{
		QuoteInterval: cfg.Broadcast.QuoteInterval,
		TradeInterval: cfg.Broadcast.TradeInterval,
	}, registry, instrumentCache, gw.Teardown, logger)

	caster.Start(ctx)
	defer caster.Stop()

	if err := gw.Start(ctx); err != nil {
		logger.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}
	defer stopWithTimeout(gw.Stop, 10*time.Second)

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Health.Path, credMgr, adapters, gw, caster, instrumentCache),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("feedgate running",
		"instance_id", cfg.Instance.ID,
		"gateway_port", cfg.Gateway.Port,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("feedgate stopped")
}

// buildIssuers creates the credential issuers each configured provider
// needs: a REST access token for everyone, plus a websocket approval key
// where the provider has an approval endpoint.
func buildIssuers(cfg config.CredentialsConfig, loc *time.Location, logger *slog.Logger) []credential.Issuer {
	var issuers []credential.Issuer

	for name, pcfg := range cfg.Providers {
		switch credential.Provider(name) {
		case credential.ProviderKIS:
			issuers = append(issuers, credential.NewKISTokenIssuer(pcfg, loc, logger))
			if pcfg.ApprovalURL != "" {
				issuers = append(issuers, credential.NewKISApprovalIssuer(pcfg, logger))
			}
		case credential.ProviderKiwoom:
			issuers = append(issuers, credential.NewKiwoomTokenIssuer(pcfg, loc, logger))
		default:
			logger.Warn("unknown credential provider, skipping", "provider", name)
		}
	}

	return issuers
}

// stopWithTimeout runs a context-taking Stop with its own deadline.
func stopWithTimeout(stop func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stop(ctx)
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(
	path string,
	credMgr *credential.Manager,
	adapters map[model.Venue]*upstream.Adapter,
	gw *gateway.Gateway,
	caster *broadcast.Broadcaster,
	instrumentCache *cache.InstrumentCache,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		// Credentials
		creds := make(map[string]interface{})
		for _, c := range credMgr.All() {
			key := string(c.Provider) + "/" + string(c.Kind)
			valid := c.Valid(time.Now())
			creds[key] = map[string]interface{}{
				"valid":      valid,
				"expires_at": c.ExpiresAt,
			}
			if !valid {
				health.Status = "degraded"
			}
		}
		health.Components["credentials"] = creds

		// Feed adapters
		feeds := make(map[string]interface{})
		for venue, a := range adapters {
			stats := a.Stats()
			feeds[string(venue)] = map[string]interface{}{
				"connected":     stats.Connected,
				"subscriptions": stats.Subscriptions,
				"frames":        stats.Frames,
				"parse_errors":  stats.ParseErrors,
				"reconnects":    stats.Reconnects,
			}
			if !stats.Connected {
				health.Status = "degraded"
			}
		}
		health.Components["upstream"] = feeds

		gwStats := gw.Stats()
		health.Components["gateway"] = map[string]interface{}{
			"sessions": gwStats.Sessions,
			"accepted": gwStats.Accepted,
		}

		castStats := caster.Stats()
		health.Components["broadcast"] = map[string]interface{}{
			"sent":     castStats.Sent,
			"failures": castStats.Failures,
		}

		health.Components["cache"] = map[string]interface{}{
			"instruments": instrumentCache.Len(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

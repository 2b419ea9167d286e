package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"fanride/backend/internal/archive"
	configpkg "fanride/backend/internal/config"
	"fanride/backend/internal/docstore"
	"fanride/backend/internal/eventstore"
	hubpkg "fanride/backend/internal/hub"
	"fanride/backend/internal/httpapi"
	"fanride/backend/internal/ingest"
	"fanride/backend/internal/logging"
	"fanride/backend/internal/projector"
	"fanride/backend/internal/readmodel"
	"fanride/backend/internal/streamreg"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logging.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Process-wide singletons: one store client, one read-model service, one hub.
	store := docstore.NewMemoryStore(nil)
	read := readmodel.New(store, nil)
	events := eventstore.New(store)

	registry, err := streamreg.NewRegistry()
	if err != nil {
		logger.Fatal("failed to initialise stream registry", logging.Error(err))
	}

	hubOptions := []hubpkg.Option{
		hubpkg.WithWindowSizes(cfg.MomentumMax, cfg.LeaderboardTop),
	}
	if cfg.HubAuthSecret != "" {
		authenticator, err := hubpkg.NewHMACAuthenticator(cfg.HubAuthSecret)
		if err != nil {
			logger.Fatal("failed to configure hub authenticator", logging.Error(err))
		}
		hubOptions = append(hubOptions, hubpkg.WithAuthenticator(authenticator))
		logger.Info("hub HMAC authentication enabled")
	} else {
		logger.Info("hub authentication disabled")
	}
	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing WebSocket origins", logging.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}
	hub := hubpkg.New(cfg, read, registry, logger, hubOptions...)

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "fanride-projector-0"
	}
	proj := projector.New(store, read, hub, logger,
		projector.WithInstanceName(instance),
		projector.WithWindowSizes(cfg.MomentumMax, cfg.LeaderboardTop),
	)
	go func() {
		if err := proj.Run(ctx, cfg.ChangeFeed.Mode); err != nil {
			logger.Error("projector terminated", logging.Error(err))
		}
	}()

	if cfg.AFLFeed.Enabled && cfg.AFLFeed.StreamID != "" {
		fetcher := &ingest.HTTPFetcher{
			Client:       &http.Client{Timeout: 10 * time.Second},
			Endpoint:     cfg.AFLFeed.Endpoint,
			APIKeyHeader: cfg.AFLFeed.APIKeyHeader,
			APIKey:       cfg.AFLFeed.APIKey,
		}
		worker := ingest.New(
			cfg.AFLFeed.StreamID,
			fetcher,
			events,
			store,
			read,
			hub,
			logger.With(logging.String("component", "ingest")),
			time.Duration(cfg.AFLFeed.PollIntervalSeconds)*time.Second,
		)
		go worker.Run(ctx)
		logger.Info("feed ingestion enabled",
			logging.String("stream_id", cfg.AFLFeed.StreamID),
			logging.Int("poll_interval_seconds", cfg.AFLFeed.PollIntervalSeconds))
	}

	exporter, err := archive.NewExporter(cfg.ArchiveDir, store, nil)
	if err != nil {
		logger.Fatal("failed to initialise archive exporter", logging.Error(err))
	}

	api := httpapi.NewAPI(store, events, read, hub, logger, cfg.MomentumMax, cfg.LeaderboardTop).WithReadiness(hub)

	var limiter httpapi.RateLimiter
	if cfg.ArchiveDumpWindow > 0 && cfg.ArchiveDumpBurst > 0 {
		limiter = httpapi.NewSlidingWindowLimiter(cfg.ArchiveDumpWindow, cfg.ArchiveDumpBurst, nil)
	}
	ops := httpapi.NewOpsHandlerSet(httpapi.OpsOptions{
		Logger:    logger,
		Readiness: hub,
		Stats: func() (int, int) {
			stats := hub.Stats()
			return stats.Broadcasts, stats.Clients
		},
		MetricsUsage: hub.MetricsUsage,
		Streams:      hub.StreamSnapshots,
		Archiver: httpapi.StreamArchiverFunc(func(ctx context.Context, streamID string) (string, error) {
			path, _, err := exporter.ExportStream(ctx, streamID)
			return path, err
		}),
		AdminToken:  cfg.AdminToken,
		RateLimiter: limiter,
	})

	router := mux.NewRouter()
	api.Register(router)
	ops.Register(router)
	router.HandleFunc("/hub/match", hub.ServeWS)
	handler := logging.HTTPTraceMiddleware(logger)(router)

	server := &http.Server{Addr: cfg.Address, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", logging.Error(err))
		}
	}()

	tlsEnabled := cfg.TLSCertPath != ""
	logger.Info("fanride backend listening",
		logging.String("address", cfg.Address),
		logging.String("url", listenerURL(cfg.Address, tlsEnabled)),
		logging.Bool("tls", tlsEnabled),
		logging.String("changefeed_mode", cfg.ChangeFeed.Mode))

	if tlsEnabled {
		err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server terminated", logging.Error(err))
	}
	logger.Info("fanride backend stopped")
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory ride store")
		store = storage.NewMemoryStore()
	}

	var directory geo.Directory
	if cfg.RedisAddr != "" {
		directory = geo.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory driver index")
		directory = geo.NewIndex()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaStatusTopic)
		defer producer.Close()
	}

	wsreg := dispatch.NewWSRegistry()
	fallbacks := []dispatch.Notifier{wsreg}
	if cfg.NotifyWebhook != "" {
		fallbacks = append(fallbacks, dispatch.NewWebhookNotifier(cfg.NotifyWebhook))
	}
	if ep := os.Getenv("FCM_ENDPOINT"); ep != "" {
		fallbacks = append(fallbacks, dispatch.NewFCMNotifier(ep, os.Getenv("FCM_SERVER_KEY")))
	}
	var notifier dispatch.Notifier = wsreg
	if len(fallbacks) > 1 {
		notifier = &dispatch.ChainNotifier{Notifiers: fallbacks}
	}

	coord := dispatch.NewCoordinator(directory, store, notifier, logger)
	coord.OfferTimeout = cfg.OfferTimeout
	coord.OverallTimeout = cfg.OverallTimeout
	coord.MaxCandidates = cfg.MaxCandidates
	coord.LookupRetries = cfg.LookupRetries
	coord.LookupBackoff = cfg.LookupBackoff

	var tracker *tracking.Manager
	if producer != nil {
		tracker = tracking.NewManager(store, producer, logger, cfg.StreamBufSize)
		coord.Publisher = producer
	} else {
		tracker = tracking.NewManager(store, nil, logger, cfg.StreamBufSize)
	}

	svc := rides.NewService(store, coord, tracker, logger)
	svc.ArrivalRadiusM = cfg.ArrivalRadiusM
	if producer != nil {
		svc.Publisher = producer
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		svc.Charger = payments.NewStripeClient()
	}
	if cfg.OSRMEndpoint != "" {
		svc.Router = eta.NewOSRMClient(cfg.OSRMEndpoint)
		svc.ETACache = eta.NewCache(2 * time.Minute)
	}

	api := httpapi.NewServer(svc, tracker, coord, directory, wsreg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown did not finish cleanly", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}

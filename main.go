package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"checkpoint-tracking/api"
	"checkpoint-tracking/backend"
	"checkpoint-tracking/cache"
	"checkpoint-tracking/config"
	"checkpoint-tracking/database"
	"checkpoint-tracking/events"
	"checkpoint-tracking/geocode"
	"checkpoint-tracking/geoindex"
	"checkpoint-tracking/models"
	"checkpoint-tracking/simulator"
	"checkpoint-tracking/tracking"
)

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', defaulting to 'info'", cfg.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Initialize configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := newLogger(cfg.Logging)
	if err := cfg.Validate(); err != nil {
		logger.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("checkpoint tracking stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	// Address cache: memory, then Redis when enabled, then Nominatim
	var store cache.Store
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return err
		}
		defer closeRedis(rdb, logger)
		store = cache.NewRedisStore(rdb)
	}
	geocoder := geocode.NewClient(geocode.Config{
		BaseURL:       cfg.Geocoder.BaseURL,
		UserAgent:     cfg.Geocoder.UserAgent,
		Language:      cfg.Geocoder.Language,
		Timeout:       cfg.Geocoder.Timeout,
		RatePerSecond: cfg.Geocoder.RatePerSecond,
	}, logger)
	addresses := cache.NewAddressCache(geocoder, store, logger)

	index, err := geoindex.New(geoindex.Technique(cfg.GeoIndex.Technique), cfg.GeoIndex.Precision)
	if err != nil {
		return err
	}

	publisher, err := events.New(ctx, events.Config{
		Driver:       cfg.Events.Driver,
		AMQPURL:      cfg.Events.AMQP.URL,
		AMQPExchange: cfg.Events.AMQP.Exchange,
		KafkaBrokers: cfg.Events.Kafka.Brokers,
		KafkaTopic:   cfg.Events.Kafka.Topic,
	}, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var db *sql.DB
	if cfg.Source.Kind == "postgres" || cfg.DB.RecordTrail {
		db, err = database.Open(ctx, cfg.DB, logger)
		if err != nil {
			return err
		}
		defer db.Close()
	}
	var recorder tracking.Recorder
	if cfg.DB.RecordTrail {
		recorder = database.NewTrailRecorder(db)
	}

	bc := backend.NewClient(backend.Config{BaseURL: cfg.Backend.BaseURL, Timeout: cfg.Backend.Timeout}, logger)
	fetchers := func(token string) tracking.RideFetcher { return bc.ForToken(token) }
	if cfg.Source.Kind == "postgres" {
		repo := database.NewRideRepository(db)
		fetchers = func(string) tracking.RideFetcher { return repo }
	}
	reporters := func(token string) tracking.LocationReporter { return bc.ForToken(token) }

	sim := simulator.New(simulator.Options{
		StepDegrees: cfg.Tracking.StepDegrees,
		ArrivalKm:   cfg.Tracking.ArrivalKm,
		Mode:        simulator.Mode(cfg.Tracking.StepMode),
	}, logger)

	manager := tracking.NewManager(ctx, tracking.Options{
		PollInterval: cfg.Tracking.PollInterval,
		FetchTimeout: cfg.Tracking.FetchTimeout,
		SpeedKmh:     cfg.Tracking.SpeedKmh,
		InitialOffset: models.Coordinate{
			Latitude:  cfg.Tracking.InitialOffsetLat,
			Longitude: cfg.Tracking.InitialOffsetLng,
		},
		ReportLocation: cfg.Tracking.ReportLocation,
	}, tracking.Deps{
		Simulator: sim,
		Addresses: addresses,
		Index:     index,
		Events:    publisher,
		Recorder:  recorder,
		Logger:    logger,
	}, fetchers, reporters)

	srv := api.NewServer(api.Config{
		Manager:           manager,
		Index:             index,
		Addresses:         addresses,
		Rides:             func(token string) api.RideActions { return bc.ForToken(token) },
		SpeedKmh:          cfg.Tracking.SpeedKmh,
		NearbyRadiusKm:    cfg.GeoIndex.RadiusKm,
		NearbyMaxRetries:  cfg.GeoIndex.MaxRetries,
		AnimationDuration: cfg.Tracking.AnimationDuration,
		FrameInterval:     cfg.Tracking.FrameInterval,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		AccessLog:         logger.Writer(),
		Logger:            logger,
	})

	// WebSocket streams manage their own write deadlines, so no WriteTimeout.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.RegisterRoutes(srv),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      httpServer.Addr,
			"source":    cfg.Source.Kind,
			"geoindex":  cfg.GeoIndex.Technique,
			"events":    cfg.Events.Driver,
			"step_mode": cfg.Tracking.StepMode,
		}).Info("Server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	var problems []string
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		problems = append(problems, fmt.Sprintf("http server: %v", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		problems = append(problems, fmt.Sprintf("tracking: %v", err))
	}
	stats := addresses.Stats()
	logger.WithFields(logrus.Fields{
		"address_hits":     stats.Hits,
		"address_misses":   stats.Misses,
		"address_failures": stats.Failures,
		"address_entries":  stats.Entries,
	}).Info("address cache stats")

	if len(problems) > 0 {
		return fmt.Errorf("shutdown: %s", strings.Join(problems, "; "))
	}
	return nil
}

func closeRedis(rdb *redis.Client, logger logrus.FieldLogger) {
	if err := rdb.Close(); err != nil {
		logger.WithError(err).Warn("closing redis")
	}
}

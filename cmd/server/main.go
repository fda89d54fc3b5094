package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/super-hydro/superhydro/internal/api"
	"github.com/super-hydro/superhydro/internal/config"
	"github.com/super-hydro/superhydro/internal/physics"
	"github.com/super-hydro/superhydro/internal/service"
	"github.com/super-hydro/superhydro/internal/session"
	"github.com/super-hydro/superhydro/internal/storage"
	"github.com/super-hydro/superhydro/internal/storage/cassandra"
	"github.com/super-hydro/superhydro/internal/storage/redisstore"
	"github.com/super-hydro/superhydro/internal/transport"
	"github.com/super-hydro/superhydro/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Error("Failed to load configuration", logger.Err(err))
		os.Exit(1)
	}

	log := logger.NewWithWriter(os.Stdout, logger.ParseLevel(cfg.LogLevel))
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}
	log = log.With(logger.F("server_id", cfg.ServerID))

	// Session journal
	var journal storage.SessionRepository
	var cassandraClient *cassandra.Client
	switch cfg.StorageBackend {
	case "cassandra":
		cassandraClient, err = cassandra.NewClient(cfg.Cassandra, log)
		if err != nil {
			log.Error("Failed to connect to Cassandra", logger.Err(err))
			os.Exit(1)
		}
		journal = cassandra.NewRepository(cassandraClient, log, cfg.Cassandra.Timeout)
	default:
		journal = storage.NewMemoryStorage()
	}

	// Session directory
	var directory storage.Directory
	var redisDirectory *redisstore.Directory
	switch cfg.DirectoryBackend {
	case "redis":
		redisDirectory, err = redisstore.NewDirectory(cfg.Redis)
		if err != nil {
			log.Error("Failed to connect to Redis", logger.Err(err))
			os.Exit(1)
		}
		log.Info("Connected to Redis", logger.F("addr", cfg.Redis.Addr))
		directory = redisDirectory
	default:
		directory = storage.NewMemoryDirectory(cfg.Redis.TTL)
	}

	catalog := physics.DefaultCatalog()
	registry := service.NewRegistry(service.RegistryOptions{
		ServerID:     cfg.ServerID,
		Catalog:      catalog,
		Grid:         physics.Options{Nx: cfg.Simulation.Nx, Ny: cfg.Simulation.Ny},
		DefaultModel: cfg.Model,
		Session: session.Options{
			Steps:           cfg.Simulation.Steps,
			FPS:             cfg.Simulation.FPS,
			MaxStepFailures: cfg.Simulation.MaxStepFailures,
		},
	}, journal, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, p := range cfg.PinnedSessions {
		if _, err := registry.Pin(ctx, p.Name, p.Model); err != nil {
			log.Error("Failed to pin session", logger.F("session", p.Name), logger.F("model", p.Model), logger.Err(err))
			os.Exit(1)
		}
	}

	// Request-reply transport
	netServer := transport.NewServer(registry, log)
	go func() {
		log.Info("Network transport starting", logger.F("addr", cfg.NetworkAddress()))
		if err := netServer.ListenAndServe(cfg.NetworkAddress()); err != nil {
			log.Error("Network transport failed", logger.Err(err))
			os.Exit(1)
		}
	}()

	announcer := service.NewAnnouncer(registry, directory, cfg.ServerID, cfg.NetworkAddress(), cfg.RegisterInterval, log)
	announcerDone := make(chan struct{})
	go func() {
		defer close(announcerDone)
		announcer.Run(ctx)
	}()

	handler := api.NewHandler(registry, api.Options{
		Journal:   journal,
		Announcer: announcer,
		Directory: directory,
		Models:    catalog.Names(),
		ViewerFPS: cfg.Simulation.FPS,
	}, log)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(api.RequestIDMiddleware)
	router.Use(api.LoggingMiddleware(log))
	router.Mount("/", handler.Routes())

	server := &http.Server{
		Addr:    cfg.Address(),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", logger.F("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", logger.Err(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Err(err))
	}
	netServer.Close()
	cancel()
	<-announcerDone
	registry.Shutdown(shutdownCtx)

	if cassandraClient != nil {
		cassandraClient.Close()
	}
	if redisDirectory != nil {
		redisDirectory.Close()
	}

	log.Info("Server exited")
}

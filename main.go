package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the relay configuration file")
	flag.Parse()

	config, err := server.ParseConfig(*configPath)
	if err != nil {
		// Logger is not configured yet.
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := server.NewLogger(config)
	defer logger.Sync()

	startupLogger := logger.With(zap.String("node", config.Name), zap.String("version", version))
	startupLogger.Info("Starting Atrium relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(config.Database.Address)
	if err != nil {
		startupLogger.Fatal("Invalid database address", zap.Error(err))
	}
	poolConfig.MaxConns = config.Database.MaxConns
	if config.Database.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(config.Database.ConnMaxLifetime)
		if err != nil {
			startupLogger.Fatal("Invalid database connection lifetime", zap.Error(err))
		}
		poolConfig.MaxConnLifetime = lifetime
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		startupLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	metrics := server.NewMetrics(config.Name)
	sessionRegistry := server.NewSessionRegistry(logger, metrics)
	tracker := server.NewPresenceTracker(logger, metrics)
	rooms := server.NewRoomRegistry(logger)
	router := server.NewMessageRouter(logger, sessionRegistry, tracker, rooms, metrics)
	repo := server.NewPostgresMessageRepository(logger, pool)
	messages := server.NewMessageCoordinator(logger, config, repo, rooms, router, metrics)
	provisioner := server.NewConferenceProvisioner(config)
	calls := server.NewCallRegistry(logger, config, sessionRegistry, tracker, router, provisioner, metrics)
	pipeline := server.NewPipeline(logger, config, sessionRegistry, tracker, rooms, router, messages, calls, metrics)
	apiServer := server.NewApiServer(logger, config, version, sessionRegistry, pipeline, metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			startupLogger.Fatal("API server terminated", zap.Error(err))
		}
	case sig := <-sigCh:
		startupLogger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.Stop(shutdownCtx)

	startupLogger.Info("Shutdown complete")
}

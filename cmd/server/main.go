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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pong-tournament/internal/archive"
	"github.com/pong-tournament/internal/auth"
	"github.com/pong-tournament/internal/bracket"
	"github.com/pong-tournament/internal/config"
	"github.com/pong-tournament/internal/handler"
	"github.com/pong-tournament/internal/kafka"
	"github.com/pong-tournament/internal/postgres"
	"github.com/pong-tournament/internal/redis"
	"github.com/pong-tournament/internal/service"
	"github.com/pong-tournament/internal/sqlite"
	"github.com/pong-tournament/internal/validate"
	"github.com/pong-tournament/internal/websocket"
	"github.com/pong-tournament/internal/worker"
)

// database is a store the server can migrate, probe and close
type database interface {
	service.Store
	RunMigrations(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		logger.Warn("config file not found, using defaults", "path", *configPath)
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid default configuration", "error", err)
			os.Exit(1)
		}
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database, error) {
	var (
		db  database
		err error
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		db, err = postgres.NewRepository(&cfg.Postgres, logger)
	default:
		logger.Info("opening SQLite database", "path", cfg.SQLite.Path)
		db, err = sqlite.NewRepository(cfg.SQLite.Path, logger)
	}
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database ready", "driver", cfg.Database.Driver)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)

	notifiers := service.Notifiers{websocket.NewNotifier(wsHub, logger)}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(ctx, &cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("creating bracket archive: %w", err)
		}
		notifiers = append(notifiers, archiver)
		logger.Info("bracket archive enabled", "bucket", cfg.Archive.Bucket)
	}

	// Bracket generation
	policy, err := bracket.ParseByePolicy(cfg.Tournament.ByePolicy)
	if err != nil {
		return err
	}
	var shuffler bracket.Shuffler
	if cfg.Tournament.ShuffleSeed != 0 {
		shuffler = bracket.NewSeededShuffler(cfg.Tournament.ShuffleSeed)
		logger.Warn("bracket shuffle is seeded, pairings are predictable", "seed", cfg.Tournament.ShuffleSeed)
	}
	generator := bracket.NewGenerator(shuffler, policy)

	// Initialize services
	tournamentService := service.NewTournamentService(db, generator, &cfg.Tournament, notifiers, logger)

	validator := validate.New()
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	router := websocket.NewRouter(tournamentService, validator, logger)

	g, gctx := errgroup.WithContext(ctx)

	// Cross-instance broadcast relay
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		relay, err := redis.NewRelay(&cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer relay.Close()
		wsHub.SetRelay(relay)
		g.Go(func() error {
			return relay.Run(gctx, wsHub.DeliverLocal)
		})
	}

	go wsHub.Run()
	defer wsHub.Stop()
	logger.Info("websocket hub initialized")

	// Match results from game servers
	if cfg.Kafka.Enabled {
		logger.Info("initializing kafka consumer", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		consumer, err := kafka.NewConsumer(&cfg.Kafka, tournamentService, logger)
		if err != nil {
			logger.Warn("failed to create kafka consumer, continuing without kafka", "error", err)
		} else {
			g.Go(func() error {
				// Start blocks until the group joins, which never happens
				// while brokers are down, so shutdown must not wait on it
				go func() {
					if err := consumer.Start(); err != nil {
						logger.Warn("kafka consumer did not start", "error", err)
					}
				}()
				<-gctx.Done()
				return consumer.Stop()
			})
		}
	}

	// Start-date scheduler
	if cfg.Scheduler.Enabled {
		scheduler := worker.NewScheduler(tournamentService, &cfg.Scheduler, logger)
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	httpHandler := handler.NewHandler(handler.Options{
		Service:        tournamentService,
		Hub:            wsHub,
		Router:         router,
		Verifier:       verifier,
		Validator:      validator,
		Store:          db,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if archiver != nil {
		archiver.Wait()
	}
	return err
}

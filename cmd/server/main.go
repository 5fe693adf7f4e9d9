package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xtrntr/spotmatch/internal/api"
	"github.com/xtrntr/spotmatch/internal/auth"
	"github.com/xtrntr/spotmatch/internal/config"
	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/events"
	"github.com/xtrntr/spotmatch/internal/exchange"
	"github.com/xtrntr/spotmatch/internal/logger"
	"github.com/xtrntr/spotmatch/internal/metrics"
	"github.com/xtrntr/spotmatch/internal/queue"
	"github.com/xtrntr/spotmatch/internal/ws"
)

// matchQueue is a scheduler that also runs the match workers
type matchQueue interface {
	queue.Scheduler
	Start(ctx context.Context, m queue.Matcher)
	Wait()
}

// Main entry point: sets up the store, exchange, event fan-out and HTTP server
func main() {
	// A missing .env is fine; the environment and config.yml still apply
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	l, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Fatal("server stopped", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Database, l *zap.Logger) (db.Store, func(), error) {
	if cfg.Driver == "memory" {
		l.Warn("using the in-memory store; nothing survives a restart")
		return db.NewMemory(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrations != "" {
		script, err := os.ReadFile(cfg.Migrations)
		if err != nil {
			database.Close(ctx)
			return nil, nil, fmt.Errorf("read migrations: %w", err)
		}
		if err := database.Migrate(ctx, string(script)); err != nil {
			database.Close(ctx)
			return nil, nil, err
		}
	}
	return database, func() { database.Close(context.Background()) }, nil
}

// openPublishers builds the optional broadcast targets. The returned closer
// releases their connections.
func openPublishers(ctx context.Context, cfg config.Events, l *zap.Logger) (events.Multi, func(), error) {
	var pubs events.Multi
	var closers []func()

	if cfg.RedisAddr != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		pubs = append(pubs, &events.RedisPublisher{Client: client, Prefix: cfg.RedisPrefix})
		closers = append(closers, func() { client.Close() })
		l.Info("publishing events to redis", zap.String("addr", cfg.RedisAddr))
	}
	if len(cfg.KafkaBrokers) > 0 {
		p := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		pubs = append(pubs, p)
		closers = append(closers, func() { p.Close() })
		l.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	return pubs, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func run(ctx context.Context, cfg config.Config, l *zap.Logger) error {
	rate, err := cfg.Exchange.Rate()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg.Database, l)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authService := auth.NewAuthService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// The hub needs the exchange for its snapshot and the exchange needs the
	// hub as a publisher, so the snapshot resolves ex lazily.
	var ex *exchange.Exchange
	hub := ws.NewHub(authService, func(ctx context.Context) (any, error) {
		return ex.OpenOrders(ctx, "")
	}, l)
	defer hub.Close()

	external, closePublishers, err := openPublishers(ctx, cfg.Events, l)
	if err != nil {
		return err
	}
	defer closePublishers()

	publisher := events.NewAsync(append(events.Multi{hub}, external...), cfg.Events.BufferSize, l,
		func(e events.Event, err error) {
			m.PublishFailed(string(e.Kind))
		})
	defer publisher.Close()

	var jobs matchQueue
	switch cfg.Queue.Driver {
	case "kafka":
		kq := queue.NewKafka(cfg.Queue.Brokers, cfg.Queue.Topic, cfg.Queue.GroupID, l)
		defer kq.Close()
		jobs = kq
	default:
		jobs = queue.NewLocal(cfg.Queue.Size, cfg.Exchange.MatchWorkers, l)
	}

	ex = exchange.NewExchange(exchange.Config{
		Symbols:        cfg.Exchange.Symbols,
		CommissionRate: &rate,
		MaxRetries:     cfg.Exchange.MaxRetries,
	}, exchange.Deps{
		Store:      store,
		Scheduler:  jobs,
		Publisher:  publisher,
		Authorizer: auth.OrderPolicy{},
		Metrics:    m,
		Logger:     l,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer func() {
		stopWorkers()
		jobs.Wait()
	}()
	jobs.Start(workerCtx, ex)

	if n, err := ex.ResumeOpenOrders(ctx); err != nil {
		l.Warn("failed to resume every open order", zap.Int("scheduled", n), zap.Error(err))
	} else if n > 0 {
		l.Info("resumed open orders", zap.Int("scheduled", n))
	}

	handler := api.NewHandler(ex, authService, l)

	// Set up HTTP router
	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Handle("/ws", hub)
	r.Handle("/metrics", metrics.Handler(reg))
	r.Mount("/", handler.Routes())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	serveErr := make(chan error, 1)
	go func() {
		l.Info("starting server", zap.String("addr", srv.Addr), zap.Strings("symbols", ex.Symbols()))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/config"
	"mail-dispatch-go/internal/database"
	"mail-dispatch-go/internal/dispatch"
	"mail-dispatch-go/internal/events"
	"mail-dispatch-go/internal/handler"
	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/ratelimit"
	"mail-dispatch-go/internal/router"
	"mail-dispatch-go/internal/scheduler"
	"mail-dispatch-go/internal/submission"
	"mail-dispatch-go/internal/transport"
)

// App holds every long-lived collaborator, built once per process
type App struct {
	Config      *config.Config
	Store       queue.Store
	Transport   transport.Transport
	Publisher   events.Publisher
	Engine      *dispatch.Engine
	Scheduler   *scheduler.Scheduler
	Submissions *submission.Service
	Metrics     *metrics.Metrics

	closers []func() error
}

// SetupLogging configures the global logrus logger
func SetupLogging(cfg config.LogConfig) {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// LoadConfig loads and validates the configuration
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// OpenStore connects the queue store selected by cfg.Store.Driver
func OpenStore(ctx context.Context, cfg *config.Config) (queue.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "mysql", "sqlite":
		db, err := database.InitDatabase(cfg.Store.Driver, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
		}
		return queue.NewGormStore(db), sqlDB.Close, nil
	case "mongo":
		store, err := queue.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return store.Close(context.Background()) }, nil
	case "memory":
		logrus.Warn("Using in-memory queue store, queued emails are lost on restart")
		return queue.NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// New builds the application; m may be nil for one-shot commands
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*App, error) {
	if m == nil {
		m = metrics.NewNop()
	}
	a := &App{Config: cfg, Metrics: m}

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	tr, err := transport.New(ctx, cfg.Transport)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Transport.Provider, err)
	}
	a.Transport = tr
	a.closers = append(a.closers, tr.Close)
	logrus.Infof("Using %s transport for email delivery", tr.Name())

	a.Publisher = events.Noop{}
	if cfg.Events.Enabled {
		pub := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.PublishTimeout)
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
		logrus.Infof("Publishing outcome events to kafka topic %s", cfg.Events.Topic)
	}

	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr, DB: cfg.RateLimit.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logrus.Warnf("Rate-limit redis not reachable yet: %v", err)
		}
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.Limit, cfg.RateLimit.Window)
		a.closers = append(a.closers, rdb.Close)
	}

	a.Engine = dispatch.NewEngine(dispatch.Config{
		BatchSize:                cfg.Dispatch.BatchSize,
		MaxAttempts:              cfg.Dispatch.MaxAttempts,
		StaleAfter:               cfg.Dispatch.StaleAfter,
		FailPermanentImmediately: cfg.Dispatch.FailPermanentImmediately,
		PublishTimeout:           cfg.Events.PublishTimeout,
	}, a.Store, a.Transport, a.Publisher, m)

	a.Scheduler = scheduler.NewScheduler(cfg.Dispatch.Interval, cfg.Dispatch.Mode, a.Engine, m)

	var trigger func()
	if cfg.Dispatch.TriggerOnSubmit {
		trigger = a.Scheduler.TriggerAsync
	}
	a.Submissions = submission.NewService(submission.Config{
		MaxRecipients: cfg.Submission.MaxRecipients,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
	}, a.Store, limiter, trigger, m)

	return a, nil
}

// Close releases every connection in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.Errorf("Failed to close resource: %v", err)
		}
	}
	a.closers = nil
}

// Run starts the HTTP server and the scheduler and blocks until SIGINT or SIGTERM
func Run(cfg *config.Config) error {
	logrus.Info("Starting Mail Dispatch Service")

	a, err := New(context.Background(), cfg, metrics.NewMetrics())
	if err != nil {
		return err
	}
	defer a.Close()

	h := handler.NewHandlers(a.Store, a.Submissions, a.Scheduler, a.Transport.Name())
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h, ""),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Dispatch.Mode == config.ModeTimer {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	} else {
		logrus.Info("Dispatch mode is trigger, timer not started")
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		logrus.Errorf("HTTP server error: %v", serveErr)
	}

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := a.Scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	a.Scheduler.Wait()

	logrus.Info("Server stopped gracefully")
	if serveErr != nil {
		return fmt.Errorf("HTTP server error: %w", serveErr)
	}
	return nil
}

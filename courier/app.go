package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foodrelay/common/broker"
	"github.com/foodrelay/common/logger"
	"github.com/foodrelay/common/metrics"
	"github.com/foodrelay/common/outbox"
	"github.com/foodrelay/discovery"
	"github.com/foodrelay/discovery/consul"
)

type Config struct {
	ServiceName  string
	InstanceID   string
	MetricsAddr  string
	ConsulAddr   string
	AMQPUser     string
	AMQPPass     string
	AMQPHost     string
	AMQPPort     string
	DatabaseURL  string
	RedisAddr    string
	CandidateTTL time.Duration

	OutboxInterval  time.Duration
	CleanupInterval time.Duration
	OutboxRetention time.Duration
}

type App struct {
	config       Config
	log          *slog.Logger
	registry     discovery.Registry
	registration *registration
	store        *Store
	candidates   *CandidateCache
	closeBroker  func() error
	metricsSrv   *http.Server
	consumer     *Consumer
	publisher    *outbox.Publisher
}

type registration struct {
	registry    discovery.Registry
	instanceID  string
	serviceName string
}

func (r *registration) Deregister(ctx context.Context) error {
	return r.registry.Deregister(ctx, r.instanceID, r.serviceName)
}

func NewApp(cfg Config) (*App, error) {
	log := logger.NewLogger(cfg.ServiceName)

	reg, err := createRegistry(cfg.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	store, err := NewStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := store.DB().ExecContext(context.Background(), Schema); err != nil {
		return nil, err
	}

	log.Info("connecting to rabbitmq", slog.String("host", cfg.AMQPHost), slog.String("port", cfg.AMQPPort))
	ch, closeBroker, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort)
	if err != nil {
		return nil, err
	}
	log.Info("rabbitmq connected")

	business := metrics.NewBusinessMetrics(cfg.ServiceName)
	counters := &BusinessCounters{
		AssignmentsSucceeded: business.NewCounter("courier_assignments_succeeded", "total successful courier assignments"),
		AssignmentsFailed:    business.NewCounter("courier_assignments_failed", "total exhausted courier assignments"),
	}
	handlerMetrics := metrics.NewHandlerMetrics(cfg.ServiceName)

	cache := NewCandidateCache(cfg.RedisAddr, cfg.CandidateTTL)
	engine := NewEngine(store, store.DB(), log, counters).WithCandidateCache(cache)
	consumer := NewConsumer(engine, ch, log, handlerMetrics)
	publisher := outbox.NewPublisher(store.DB(), ch, log, 50)

	return &App{
		config:      cfg,
		log:         log,
		registry:    reg,
		store:       store,
		candidates:  cache,
		closeBroker: closeBroker,
		consumer:    consumer,
		publisher:   publisher,
	}, nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}

func (a *App) Start(ctx context.Context) error {
	if a.registry != nil {
		instanceID := a.config.InstanceID
		if err := a.registry.Register(ctx, instanceID, a.config.ServiceName, a.config.MetricsAddr); err != nil {
			return err
		}
		a.registration = &registration{registry: a.registry, instanceID: instanceID, serviceName: a.config.ServiceName}
		go a.healthCheckLoop(ctx, instanceID)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	a.metricsSrv = &http.Server{Addr: a.config.MetricsAddr, Handler: mux}
	go func() {
		a.log.Info("starting metrics server", slog.String("addr", a.config.MetricsAddr))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("metrics server error", slog.Any("error", err))
		}
	}()

	go a.publisher.Run(ctx, a.config.OutboxInterval)
	go a.publisher.RunCleanup(ctx, a.config.CleanupInterval, a.config.OutboxRetention)

	return a.consumer.Listen(ctx)
}

func (a *App) healthCheckLoop(ctx context.Context, instanceID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.HealthCheck(instanceID, a.config.ServiceName); err != nil {
				a.log.Error("health check failed", slog.Any("error", err))
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down")

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.log.Error("error shutting down metrics server", slog.Any("error", err))
		}
	}

	if a.closeBroker != nil {
		if err := a.closeBroker(); err != nil {
			a.log.Error("error closing rabbitmq", slog.Any("error", err))
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Error("error closing database", slog.Any("error", err))
	}

	if a.candidates != nil {
		if err := a.candidates.Close(); err != nil {
			a.log.Error("error closing candidate cache", slog.Any("error", err))
		}
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

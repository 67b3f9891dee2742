package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/foodrelay/common/config"
	"github.com/foodrelay/common/logger"
	"github.com/foodrelay/common/tracing"
)

func main() {
	cfg := Config{
		ServiceName:     config.GetEnv("SERVICE_NAME", "order"),
		InstanceID:      config.GetEnv("INSTANCE_ID", "order-1"),
		MetricsAddr:     config.GetEnv("METRICS_ADDR", "localhost:9001"),
		ConsulAddr:      config.GetEnv("CONSUL_ADDR", ""),
		AMQPUser:        config.GetEnv("AMQP_USER", "guest"),
		AMQPPass:        config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost:        config.GetEnv("AMQP_HOST", "localhost"),
		AMQPPort:        config.GetEnv("AMQP_PORT", "5672"),
		DatabaseURL:     config.GetEnv("DATABASE_URL", "postgres://localhost:5432/order?sslmode=disable"),
		RedisAddr:       config.GetEnv("REDIS_ADDR", "localhost:6379"),
		CacheTTL:        5 * time.Minute,
		OutboxInterval:  2 * time.Second,
		CleanupInterval: 24 * time.Hour,
		OutboxRetention: 48 * time.Hour,
	}

	log := logger.NewLogger(cfg.ServiceName)
	log.Info("starting service", slog.String("instance_id", cfg.InstanceID))

	shutdownTracing, err := tracing.InitTracer(cfg.ServiceName)
	if err != nil {
		log.Error("failed to initialize tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	app, err := NewApp(cfg)
	if err != nil {
		log.Error("failed to create app", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", slog.Any("error", err))
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("failed to start app", slog.Any("error", err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/api"
	"github.com/tulipay/mpesa-gateway/internal/config"
	"github.com/tulipay/mpesa-gateway/internal/handlers"
	"github.com/tulipay/mpesa-gateway/internal/mpesa"
	"github.com/tulipay/mpesa-gateway/internal/repository"
	"github.com/tulipay/mpesa-gateway/internal/service"
	"github.com/tulipay/mpesa-gateway/internal/telemetry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("mpesa-gateway"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting M-Pesa Gateway")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repositories
	store := repository.NewPaymentRepository(db)
	if err := store.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	audit := repository.NewAuditRepository(db, telemetry.Logger)

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})

	// Connect to NATS
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	// Connect to Kafka
	events := service.NewKafkaEventPublisher(cfg.KafkaBrokers)
	defer events.Close()

	// Provider client and reconciliation pipeline
	gateway := mpesa.NewClient(cfg, telemetry.Logger)
	notifier := service.NewNotifier(nc, audit, telemetry.Logger, cfg.NotifyMaxAttempts, cfg.NotifyBaseDelay)
	recon := service.NewReconciler(store, audit, notifier, events, telemetry.Logger)
	sweeper := service.NewSweeper(store, audit, recon, gateway, redisClient, telemetry.Logger,
		cfg.SweepInterval, cfg.PendingTimeout, cfg.SweepMaxAttempts)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go notifier.Run(bgCtx)
	go sweeper.Run(bgCtx)

	// Initialize handlers and router
	callbackHandler := handlers.NewCallbackHandler(audit, recon, telemetry.Logger)
	paymentHandler := handlers.NewPaymentHandler(store, gateway, recon, telemetry.Logger)
	r := api.NewRouter(callbackHandler, paymentHandler)

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("M-Pesa Gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}

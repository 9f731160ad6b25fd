package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer/mercadopago"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer/razorpay"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/api"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/config"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/events"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/lock"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/repository"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/service"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

type storage struct {
	payments interfaces.PaymentRepository
	bookings interfaces.BookingReader
	mappings interfaces.StatusMappingRepository
	locker   interfaces.Locker
	close    func()
}

func main() {
	// Initialize telemetry
	if err := telemetry.InitTelemetry("payment-orchestrator", os.Getenv("JAEGER_ENDPOINT")); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	// Load configuration
	cfg := config.Load()
	telemetry.Logger.Info("Starting Payment Orchestrator", zap.String("storage", cfg.Storage))

	store := openStorage(cfg)
	defer store.close()

	registry := acquirer.NewRegistry()
	if cfg.Razorpay.Enabled() {
		var opts []razorpay.Option
		if cfg.Razorpay.BaseURL != "" {
			opts = append(opts, razorpay.WithBaseURL(cfg.Razorpay.BaseURL))
		}
		mustRegister(registry, models.AcquirerRazorpay, razorpay.New(cfg.GatewayTimeout, opts...))
	}
	if cfg.MercadoPago.Enabled() {
		mustRegister(registry, models.AcquirerMercadoPago, mercadopago.New())
	}
	if len(registry.Codes()) == 0 {
		telemetry.Logger.Warn("No acquirer credentials configured; payments cannot be initiated")
	}

	publisher, closePublisher := openPublisher(cfg)
	defer closePublisher()

	mapper := service.NewStatusMapper(store.mappings, cfg.StatusMappingCacheTTL)
	orchestrator := service.NewOrchestrator(service.Deps{
		Payments:    store.payments,
		Bookings:    store.bookings,
		Acquirers:   registry,
		Credentials: cfg.Credentials(),
		Mapper:      mapper,
		Locker:      store.locker,
		Publisher:   publisher,
	}, service.Options{
		PaymentExpiry:  cfg.PaymentExpiry,
		LockTTL:        cfg.LockTTL,
		GatewayTimeout: cfg.GatewayTimeout,
		NotificationURLs: map[string]string{
			models.AcquirerMercadoPago: cfg.MercadoPago.NotificationURL,
		},
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sweeper := service.NewSweeper(store.payments, orchestrator, cfg.SweepInterval, cfg.SweepBatchSize)
	go sweeper.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := api.NewRouter(orchestrator, mapper, registry.Codes())

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Payment Orchestrator starting",
			zap.String("port", cfg.Port),
			zap.Strings("acquirers", registry.Codes()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}

func mustRegister(registry *acquirer.Registry, code string, client acquirer.Client) {
	if err := registry.Register(code, client); err != nil {
		telemetry.Logger.Fatal("Failed to register acquirer", zap.String("acquirer", code), zap.Error(err))
	}
}

func openStorage(cfg *config.Config) storage {
	if cfg.Storage == config.StorageMemory {
		telemetry.Logger.Warn("Using in-memory storage; data is lost on restart")
		mem := repository.NewMemoryStore()
		return storage{
			payments: mem,
			bookings: mem,
			mappings: mem,
			locker:   lock.NewKeyedMutex(),
			close:    func() {},
		}
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repository.InitDB(initCtx, db); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Connect to Redis
	redisClient := redis.NewClient(redisOptions(cfg.RedisURL))
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		telemetry.Logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	return storage{
		payments: repository.NewPaymentRepository(db),
		bookings: repository.NewBookingRepository(db),
		mappings: repository.NewStatusMappingRepository(db),
		locker:   lock.NewRedisLocker(redisClient),
		close: func() {
			_ = redisClient.Close()
			_ = db.Close()
		},
	}
}

func redisOptions(url string) *redis.Options {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			telemetry.Logger.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		return opts
	}
	if url == "" {
		url = "localhost:6379"
	}
	return &redis.Options{Addr: url}
}

// openPublisher fans transitions out to Kafka and NATS when configured.
func openPublisher(cfg *config.Config) (interfaces.EventPublisher, func()) {
	var (
		publishers events.Multi
		closers    []func()
	)

	if cfg.KafkaBrokers != "" {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publishers = append(publishers, kafkaPublisher)
		closers = append(closers, func() { _ = kafkaPublisher.Close() })
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		publishers = append(publishers, events.NewNATSNotifier(nc))
		closers = append(closers, nc.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(publishers) == 0 {
		telemetry.Logger.Warn("No event brokers configured; status changes are not published")
		return events.Noop{}, closeAll
	}
	return publishers, closeAll
}

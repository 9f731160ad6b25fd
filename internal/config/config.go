package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port           string
	Storage        string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	KafkaTopic     string
	NATSURL        string
	JaegerEndpoint string
	PublicBaseURL  string

	PaymentExpiry         time.Duration
	LockTTL               time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
	StatusMappingCacheTTL time.Duration
	GatewayTimeout        time.Duration

	Razorpay    RazorpayConfig
	MercadoPago MercadoPagoConfig
}

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
}

func (c RazorpayConfig) Enabled() bool { return c.KeyID != "" && c.KeySecret != "" }

type MercadoPagoConfig struct {
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
}

func (c MercadoPagoConfig) Enabled() bool { return c.AccessToken != "" }

func Load() *Config {
	cfg := &Config{
		Port:           getEnv("PORT", "8082"),
		Storage:        strings.ToLower(getEnv("STORAGE", StoragePostgres)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "payment.status.changed"),
		NATSURL:        os.Getenv("NATS_URL"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),
		PublicBaseURL:  strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),

		PaymentExpiry:         getDuration("PAYMENT_EXPIRY", 15*time.Minute),
		LockTTL:               getDuration("LOCK_TTL", 30*time.Second),
		SweepInterval:         getDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:        getInt("SWEEP_BATCH_SIZE", 100),
		StatusMappingCacheTTL: getDuration("STATUS_MAPPING_CACHE_TTL", time.Minute),
		GatewayTimeout:        getDuration("GATEWAY_TIMEOUT", 20*time.Second),

		Razorpay: RazorpayConfig{
			KeyID:         os.Getenv("RAZORPAY_KEY_ID"),
			KeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
			WebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
			BaseURL:       os.Getenv("RAZORPAY_BASE_URL"),
		},
		MercadoPago: MercadoPagoConfig{
			AccessToken:     os.Getenv("MERCADOPAGO_ACCESS_TOKEN"),
			WebhookSecret:   os.Getenv("MERCADOPAGO_WEBHOOK_SECRET"),
			NotificationURL: os.Getenv("MERCADOPAGO_NOTIFICATION_URL"),
		},
	}

	if cfg.MercadoPago.NotificationURL == "" && cfg.PublicBaseURL != "" {
		cfg.MercadoPago.NotificationURL = cfg.PublicBaseURL + "/payments/webhook/" + models.AcquirerMercadoPago
	}
	return cfg
}

// Credentials returns the credential store for every configured gateway.
func (c *Config) Credentials() acquirer.StaticCredentials {
	creds := acquirer.StaticCredentials{}
	if c.Razorpay.Enabled() {
		creds[models.AcquirerRazorpay] = acquirer.Credentials{
			KeyID:         c.Razorpay.KeyID,
			KeySecret:     c.Razorpay.KeySecret,
			WebhookSecret: c.Razorpay.WebhookSecret,
			BaseURL:       c.Razorpay.BaseURL,
		}
	}
	if c.MercadoPago.Enabled() {
		creds[models.AcquirerMercadoPago] = acquirer.Credentials{
			KeySecret:     c.MercadoPago.AccessToken,
			WebhookSecret: c.MercadoPago.WebhookSecret,
		}
	}
	return creds
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		telemetry.Logger.Warn("Invalid duration, using default",
			zap.String("key", key),
			zap.String("value", v),
			zap.Duration("default", fallback),
		)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		telemetry.Logger.Warn("Invalid integer, using default",
			zap.String("key", key),
			zap.String("value", v),
			zap.Int("default", fallback),
		)
		return fallback
	}
	return n
}

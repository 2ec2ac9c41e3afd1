package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPPort        string
	Environment     string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Collaborator timeouts. No suspension point blocks longer than these.
	InventoryTimeout   time.Duration
	PaymentTimeout     time.Duration
	AddressTimeout     time.Duration
	ShippingTimeout    time.Duration
	PersistenceTimeout time.Duration

	RetryMaxAttempts int
	Currency         string
	TaxRate          decimal.Decimal

	// Catalog
	CatalogDBPath         string
	CatalogMigrationsPath string

	// Cart persistence
	MongoURI      string
	MongoDBName   string
	RedisAddr     string
	RedisPassword string

	// Orders
	DBHost               string
	DBPort               int
	DBUser               string
	DBPassword           string
	DBName               string
	OrderMigrationsPath  string
	KafkaBrokers         []string
	CatalogUpdatesTopic  string
	OrdersTopic          string
	ReservationTTL       time.Duration
	SessionIdleTimeout   time.Duration
	OTELExporterEndpoint string
}

func Load() *Config {
	// .env is optional
	if err := godotenv.Load(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			log.Printf("error loading .env file: %v", err)
		}
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		InventoryTimeout:   getEnvAsDuration("INVENTORY_TIMEOUT", 2*time.Second),
		PaymentTimeout:     getEnvAsDuration("PAYMENT_TIMEOUT", 5*time.Second),
		AddressTimeout:     getEnvAsDuration("ADDRESS_TIMEOUT", 2*time.Second),
		ShippingTimeout:    getEnvAsDuration("SHIPPING_TIMEOUT", 2*time.Second),
		PersistenceTimeout: getEnvAsDuration("PERSISTENCE_TIMEOUT", 3*time.Second),

		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		Currency:         getEnv("CURRENCY", "USD"),
		TaxRate:          getEnvAsDecimal("TAX_RATE", decimal.RequireFromString("0.08")),

		CatalogDBPath:         getEnv("CATALOG_DB_PATH", "./catalog.db"),
		CatalogMigrationsPath: getEnv("CATALOG_MIGRATIONS_PATH", "./internal/catalog/repository/migrations"),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDBName:   getEnv("MONGO_DB_NAME", "cartdb"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DBHost:               getEnv("DB_HOST", ""),
		DBPort:               getEnvAsInt("DB_PORT", 5432),
		DBUser:               getEnv("DB_USER", "postgres"),
		DBPassword:           getEnv("DB_PASSWORD", "postgres"),
		DBName:               getEnv("DB_NAME", "ecommerce"),
		OrderMigrationsPath:  getEnv("ORDER_MIGRATIONS_PATH", "./internal/order/migrations"),
		KafkaBrokers:         getEnvAsList("KAFKA_BROKERS"),
		CatalogUpdatesTopic:  getEnv("KAFKA_CATALOG_TOPIC", "catalog-updates"),
		OrdersTopic:          getEnv("KAFKA_ORDERS_TOPIC", "orders-outbox"),
		ReservationTTL:       getEnvAsDuration("RESERVATION_TTL", 5*time.Minute),
		SessionIdleTimeout:   getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil || d.IsNegative() {
		return defaultValue
	}
	return d
}

// getEnvAsList splits a comma-separated value, dropping empty entries.
func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

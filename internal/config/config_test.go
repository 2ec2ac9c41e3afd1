package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("INVENTORY_TIMEOUT", "")
	t.Setenv("TAX_RATE", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("SESSION_IDLE_TIMEOUT", "")

	cfg := Load()

	assert.Equal(t, 2*time.Second, cfg.InventoryTimeout)
	assert.True(t, cfg.TaxRate.Equal(decimal.RequireFromString("0.08")))
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("INVENTORY_TIMEOUT", "750ms")
	t.Setenv("TAX_RATE", "0.2")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("SESSION_IDLE_TIMEOUT", "10m")

	cfg := Load()

	assert.Equal(t, 750*time.Millisecond, cfg.InventoryTimeout)
	assert.True(t, cfg.TaxRate.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.SessionIdleTimeout)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PAYMENT_TIMEOUT", "soon")
	t.Setenv("TAX_RATE", "-1")
	t.Setenv("RETRY_MAX_ATTEMPTS", "many")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.PaymentTimeout)
	assert.True(t, cfg.TaxRate.Equal(decimal.RequireFromString("0.08")))
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/storefront/internal/api"
	"github.com/fjod/go_cart/storefront/internal/cart"
	"github.com/fjod/go_cart/storefront/internal/cart/persistence"
	"github.com/fjod/go_cart/storefront/internal/catalog"
	"github.com/fjod/go_cart/storefront/internal/catalog/consumer"
	"github.com/fjod/go_cart/storefront/internal/catalog/repository"
	"github.com/fjod/go_cart/storefront/internal/checkout"
	"github.com/fjod/go_cart/storefront/internal/config"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/inventory"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/fjod/go_cart/storefront/internal/payment"
	"github.com/fjod/go_cart/storefront/internal/shipping"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Environment)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := setupMetrics(ctx, cfg, log)

	// Catalog: sqlite is the durable source, the index serves reads
	repo, err := repository.NewRepository(cfg.CatalogDBPath)
	if err != nil {
		log.Fatal("failed to open catalog database", zap.Error(err))
	}
	defer repo.Close()
	if err := repo.RunMigrations(cfg.CatalogMigrationsPath); err != nil {
		log.Fatal("failed to run catalog migrations", zap.Error(err))
	}

	index := catalog.NewIndex()
	stock := inventory.NewMemoryStore(
		inventory.WithReservationTTL(cfg.ReservationTTL),
		inventory.WithLogger(log),
		inventory.WithStockListener(func(productID, variantID string, inv domain.Inventory) {
			if err := index.SetStock(productID, variantID, inv); err != nil {
				log.Warn("index stock update failed", zap.String("product_id", productID), zap.Error(err))
			}
		}),
	)
	defer stock.Close()

	products, err := repo.ListProducts(ctx)
	if err != nil {
		log.Fatal("failed to list products", zap.Error(err))
	}
	for _, p := range products {
		if err := index.Upsert(p); err != nil {
			log.Fatal("failed to index product", zap.String("product_id", p.ID), zap.Error(err))
		}
	}
	if err := stock.Seed(products); err != nil {
		log.Fatal("failed to seed inventory", zap.Error(err))
	}
	log.Info("catalog loaded", zap.Int("products", len(products)))

	var wg sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		c := consumer.NewConsumer(catalogSink{index: index, stock: stock}, repo,
			consumer.NewReader(cfg.CatalogUpdatesTopic, cfg.KafkaBrokers...), log)
		defer c.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
		log.Info("catalog consumer started", zap.String("topic", cfg.CatalogUpdatesTopic))
	}

	adapter, closeAdapter := setupCartPersistence(ctx, cfg, log)
	defer closeAdapter()

	orders, closeOrders := setupOrders(ctx, cfg, log, &wg)
	defer closeOrders()

	pay := payment.NewSimulator(payment.RandomStatus{}, log)
	quoter := shipping.NewFlatRate("US")
	breaker := checkout.NewCaptureBreaker(log)
	checkoutCfg := checkout.Config{
		InventoryTimeout:   cfg.InventoryTimeout,
		PaymentTimeout:     cfg.PaymentTimeout,
		AddressTimeout:     cfg.AddressTimeout,
		ShippingTimeout:    cfg.ShippingTimeout,
		PersistenceTimeout: cfg.PersistenceTimeout,
		RetryMaxAttempts:   cfg.RetryMaxAttempts,
		RetryInitialWait:   100 * time.Millisecond,
		TaxRate:            cfg.TaxRate,
		Currency:           cfg.Currency,
	}

	sessions := api.NewSessions(
		func(ctx context.Context, id string) (*cart.Store, error) {
			s := cart.NewStore(id, index, stock,
				cart.WithPersistence(adapter, cart.QueueConfig{
					Timeout:     cfg.PersistenceTimeout,
					MaxAttempts: cfg.RetryMaxAttempts,
				}),
				cart.WithLogger(log),
				cart.WithMetrics(m),
				cart.WithOracleTimeout(cfg.InventoryTimeout),
			)
			if err := s.Load(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, err
			}
			return s, nil
		},
		func(c checkout.Cart) *checkout.Pipeline {
			return checkout.New(checkout.Deps{
				Cart:      c,
				Inventory: stock,
				Payment:   pay,
				Shipping:  quoter,
				Orders:    orders,
				Breaker:   breaker,
			}, checkoutCfg, log, m)
		},
		log,
		api.WithIdleTimeout(cfg.SessionIdleTimeout),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
	}()

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Index:          index,
			Sessions:       sessions,
			Orders:         orders,
			Logger:         log,
			Metrics:        m,
			RequestTimeout: cfg.RequestTimeout,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("storefront starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		log.Error("carts not flushed", zap.Error(err))
	}
	wg.Wait()
	log.Info("storefront stopped")
}

func setupMetrics(ctx context.Context, cfg *config.Config, log *zap.Logger) *metrics.Metrics {
	if cfg.OTELExporterEndpoint == "" {
		return metrics.Noop()
	}
	provider, err := metrics.NewProvider(ctx, cfg.OTELExporterEndpoint, "storefront", cfg.Environment)
	if err != nil {
		log.Error("metrics disabled", zap.Error(err))
		return metrics.Noop()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("meter provider shutdown", zap.Error(err))
		}
	}()

	m, err := metrics.New(provider.Meter("storefront"))
	if err != nil {
		log.Error("metrics disabled", zap.Error(err))
		return metrics.Noop()
	}
	return m
}

// setupCartPersistence picks Mongo behind a Redis cache when both are
// configured, either one alone otherwise, or memory.
func setupCartPersistence(ctx context.Context, cfg *config.Config, log *zap.Logger) (persistence.Adapter, func()) {
	var durable persistence.Adapter = persistence.NewMemoryAdapter()
	closers := []func(){}

	if cfg.MongoURI != "" {
		db, err := persistence.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			log.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		store := persistence.NewMongoStore(db)
		if err := store.CreateIndexes(ctx); err != nil {
			log.Fatal("failed to create cart indexes", zap.Error(err))
		}
		durable = store
		closers = append(closers, func() { _ = db.Client().Disconnect(context.Background()) })
		log.Info("carts persisted to MongoDB", zap.String("database", cfg.MongoDBName))
	}

	adapter := durable
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("Redis connection failed", zap.Error(err))
		}
		adapter = persistence.NewCachedStore(durable, persistence.NewRedisCache(client), log)
		closers = append(closers, func() { _ = client.Close() })
		log.Info("cart cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	return adapter, func() {
		for _, c := range closers {
			c()
		}
	}
}

// setupOrders uses Postgres with an outbox poller when DB_HOST is set.
func setupOrders(ctx context.Context, cfg *config.Config, log *zap.Logger, wg *sync.WaitGroup) (order.Repository, func()) {
	if cfg.DBHost == "" {
		return order.NewMemoryRepository(), func() {}
	}

	cred := &order.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.OrderMigrationsPath,
	}
	repo, err := order.NewPostgresRepository(cred)
	if err != nil {
		log.Fatal("failed to connect to orders database", zap.Error(err))
	}
	if err := repo.RunMigrations(cred); err != nil {
		log.Fatal("failed to run order migrations", zap.Error(err))
	}

	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("no Kafka brokers configured, order events stay in the outbox")
		return repo, func() { _ = repo.Close() }
	}

	poller := order.NewOutboxPoller(repo, order.NewWriter(cfg.OrdersTopic, cfg.KafkaBrokers...), log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()
	return repo, func() {
		poller.Close()
		_ = repo.Close()
	}
}

// catalogSink applies catalog events to the index and routes stock changes
// through the inventory oracle, which owns the truth.
type catalogSink struct {
	index *catalog.Index
	stock *inventory.MemoryStore
}

func (s catalogSink) Upsert(p domain.Product) error {
	if err := s.index.Upsert(p); err != nil {
		return err
	}
	return s.stock.Seed([]domain.Product{p})
}

func (s catalogSink) Deactivate(id string) error {
	return s.index.Deactivate(id)
}

func (s catalogSink) SetStock(productID, variantID string, inv domain.Inventory) error {
	return s.stock.SetStock(productID, variantID, inv.QuantityAvailable, inv.LowStockThreshold)
}

package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) *PostgresRepository {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewPostgresRepository(creds)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(creds))

	t.Cleanup(func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})
	return repo
}

func TestPostgresRepository_CreateOrderWritesOutbox(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	o := newOrder("co-1", "cart-1", time.Now())

	require.NoError(t, repo.CreateOrder(ctx, o))

	got, err := repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Totals, got.Totals)
	assert.Equal(t, o.Lines, got.Lines)
	assert.Equal(t, o.ShippingAddress, got.ShippingAddress)
	assert.Equal(t, o.ShippingMethod, got.ShippingMethod)
	assert.True(t, o.PlacedAt.Equal(got.PlacedAt))

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "co-1", events[0].AggregateID)

	require.NoError(t, repo.MarkEventAsProcessed(ctx, events[0].ID))
	events, err = repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPostgresRepository_DuplicateCheckout(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateOrder(ctx, newOrder("co-1", "cart-1", time.Now())))
	err := repo.CreateOrder(ctx, newOrder("co-1", "cart-1", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateCheckout)

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPostgresRepository_GetOrderNotFound(t *testing.T) {
	repo := setupTestDB(t)

	_, err := repo.GetOrder(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresRepository_ListOrdersByCart(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.CreateOrder(ctx, newOrder("co-1", "cart-1", now.Add(-time.Minute))))
	newest := newOrder("co-2", "cart-1", now)
	require.NoError(t, repo.CreateOrder(ctx, newest))

	orders, err := repo.ListOrdersByCart(ctx, "cart-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, newest.ID, orders[0].ID)
}
